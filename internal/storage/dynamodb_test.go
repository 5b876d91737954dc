package storage

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockDynamoDB is a mock implementation of the DynamoDB client
type MockDynamoDB struct {
	dynamodbiface.DynamoDBAPI
	mock.Mock
}

func (m *MockDynamoDB) GetItemWithContext(ctx aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(*dynamodb.GetItemOutput), args.Error(1)
}

func (m *MockDynamoDB) UpdateItemWithContext(ctx aws.Context, in *dynamodb.UpdateItemInput, _ ...request.Option) (*dynamodb.UpdateItemOutput, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(*dynamodb.UpdateItemOutput), args.Error(1)
}

func TestDynamoDBLedger_IncrementSpend(t *testing.T) {
	client := new(MockDynamoDB)
	ledger := &DynamoDBLedger{client: client, tableName: "daily_spend"}

	client.On("UpdateItemWithContext", mock.Anything, mock.MatchedBy(func(in *dynamodb.UpdateItemInput) bool {
		return *in.TableName == "daily_spend" &&
			*in.Key["date"].S == "2026-10-18" &&
			*in.Key["model"].S == "gpt5" &&
			*in.ExpressionAttributeValues[":amt"].N == "0.05" &&
			*in.UpdateExpression == "ADD spend_usd :amt SET updated_at = :now"
	})).Return(&dynamodb.UpdateItemOutput{}, nil)

	require.NoError(t, ledger.IncrementSpend(context.Background(), "2026-10-18", "gpt5", 0.05))
	client.AssertExpectations(t)
}

func TestDynamoDBLedger_GetSpend(t *testing.T) {
	client := new(MockDynamoDB)
	ledger := &DynamoDBLedger{client: client, tableName: "daily_spend"}

	client.On("GetItemWithContext", mock.Anything, mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
		return *in.Key["model"].S == "perplexity"
	})).Return(&dynamodb.GetItemOutput{Item: map[string]*dynamodb.AttributeValue{
		"date":      {S: aws.String("2026-10-18")},
		"model":     {S: aws.String("perplexity")},
		"spend_usd": {N: aws.String("12.34")},
	}}, nil)
	client.On("GetItemWithContext", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{}, nil)

	v, err := ledger.GetSpend(context.Background(), "2026-10-18", "perplexity")
	require.NoError(t, err)
	assert.Equal(t, 12.34, v)

	v, err = ledger.GetSpend(context.Background(), "2026-10-18", "gemini")
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)
}

func TestDynamoDBLedger_GetSpendError(t *testing.T) {
	client := new(MockDynamoDB)
	ledger := &DynamoDBLedger{client: client, tableName: "daily_spend"}
	client.On("GetItemWithContext", mock.Anything, mock.Anything).Return((*dynamodb.GetItemOutput)(nil), assert.AnError)

	_, err := ledger.GetSpend(context.Background(), "2026-10-18", "gpt5")
	assert.Error(t, err)
}
