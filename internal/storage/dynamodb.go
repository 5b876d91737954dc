package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/rotisserie/eris"

	"github.com/cararth/listing-ingestion-service/internal/config"
)

// DynamoDBLedger implements SpendLedger using AWS DynamoDB
type DynamoDBLedger struct {
	client    dynamodbiface.DynamoDBAPI
	tableName string
}

type spendItem struct {
	Date      string  `dynamodbav:"date"`
	Model     string  `dynamodbav:"model"`
	SpendUSD  float64 `dynamodbav:"spend_usd"`
	UpdatedAt string  `dynamodbav:"updated_at"`
}

// NewDynamoDBLedger creates a new DynamoDB spend ledger
func NewDynamoDBLedger(cfg config.StorageConfig) (*DynamoDBLedger, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}

	// For local testing with DynamoDB Local
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create AWS session")
	}

	ledger := &DynamoDBLedger{
		client:    dynamodb.New(sess),
		tableName: cfg.TableName,
	}

	if err := ledger.ensureTable(); err != nil {
		return nil, eris.Wrap(err, "failed to ensure table exists")
	}

	return ledger, nil
}

// ensureTable creates the ledger table keyed by (date, model) if it doesn't exist
func (d *DynamoDBLedger) ensureTable() error {
	_, err := d.client.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
	if err == nil {
		return nil
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(d.tableName),
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String("date"), KeyType: aws.String("HASH")},
			{AttributeName: aws.String("model"), KeyType: aws.String("RANGE")},
		},
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String("date"), AttributeType: aws.String("S")},
			{AttributeName: aws.String("model"), AttributeType: aws.String("S")},
		},
		BillingMode: aws.String("PAY_PER_REQUEST"),
	}

	if _, err := d.client.CreateTable(input); err != nil {
		return eris.Wrap(err, "failed to create table")
	}

	return d.client.WaitUntilTableExists(&dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
}

func spendKey(date, provider string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"date":  {S: aws.String(date)},
		"model": {S: aws.String(provider)},
	}
}

// GetSpend returns the spend of a provider on a day
func (d *DynamoDBLedger) GetSpend(ctx context.Context, date, provider string) (float64, error) {
	result, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            spendKey(date, provider),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, eris.Wrapf(err, "failed to get spend for %s", provider)
	}
	if result.Item == nil {
		return 0, nil
	}

	var item spendItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
		return 0, eris.Wrap(err, "failed to unmarshal spend entry")
	}
	return item.SpendUSD, nil
}

// IncrementSpend atomically adds usd with an ADD update expression
func (d *DynamoDBLedger) IncrementSpend(ctx context.Context, date, provider string, usd float64) error {
	_, err := d.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.tableName),
		Key:              spendKey(date, provider),
		UpdateExpression: aws.String("ADD spend_usd :amt SET updated_at = :now"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":amt": {N: aws.String(strconv.FormatFloat(usd, 'f', -1, 64))},
			":now": {S: aws.String(time.Now().UTC().Format(time.RFC3339))},
		},
	})
	if err != nil {
		return eris.Wrapf(err, "failed to increment spend for %s", provider)
	}
	return nil
}

// Close closes the DynamoDB connection
func (d *DynamoDBLedger) Close() error {
	// DynamoDB client doesn't need explicit closing
	return nil
}
