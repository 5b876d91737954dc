package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
)

// Config holds all configuration for the application
type Config struct {
	Storage   StorageConfig
	Ingestion IngestionConfig
	Pipeline  PipelineConfig
	Providers ProvidersConfig
	Assets    AssetsConfig
	Server    ServerConfig
	Schedule  ScheduleConfig
	Logging   LoggingConfig
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	Type        string `validate:"oneof=postgresql mongodb memory"`
	LedgerType  string `validate:"oneof=postgresql mongodb dynamodb memory"`
	PostgresURI string `validate:"required_if=Type postgresql"`
	MongoDBURI  string `validate:"required_if=Type mongodb"`
	MongoDBName string
	Region      string // For AWS DynamoDB
	TableName   string // DynamoDB spend ledger table
	Endpoint    string // Custom endpoint for local testing
}

// IngestionConfig holds the scrape provider configuration
type IngestionConfig struct {
	APIEndpoint   string `validate:"required,url"`
	APIKey        string `validate:"required"`
	Portals       []Portal
	Timeout       time.Duration
	RetryCount    int `validate:"gte=1"`
	PortalSpacing time.Duration
}

// Portal is one marketplace page scraped per batch
type Portal struct {
	Source string
	URL    string
}

// PipelineConfig holds thresholds and knobs of the validation pipeline
type PipelineConfig struct {
	ConfidenceThreshold   float64 `validate:"gte=0,lte=1"`
	TrustScorePublish     float64 `validate:"gte=0,lte=1"`
	PriceAnomalyPct       float64 `validate:"gte=0"`
	DedupeSimilarity      float64 `validate:"gte=0,lte=1"`
	PremiumPriceThreshold int64   `validate:"gte=0"`
	MinPublishPrice       int64   `validate:"gte=0"`
	DailyPremiumBudget    float64 `validate:"gte=0"`
	DailyMarketBudget     float64 `validate:"gte=0"`
	BatchConcurrency      int     `validate:"gte=1"`
	DedupeScanLimit       int     `validate:"gte=1"`
	DedupeMaxResults      int     `validate:"gte=1"`
	EmbedDimension        int     `validate:"gte=1"`
	Timezone              string  `validate:"required"`
}

// ProvidersConfig holds credentials and models of the analysis providers
type ProvidersConfig struct {
	GeminiAPIKey      string
	GeminiModel       string
	AnthropicAPIKey   string
	AnthropicModel    string
	PerplexityAPIKey  string
	PerplexityBaseURL string
	PerplexityModel   string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIModel       string
	EmbeddingProvider string `validate:"oneof=openai gemini"`
	EmbeddingModel    string
	RequestsPerSecond float64 `validate:"gt=0"`
	Timeout           time.Duration
	MarketTimeout     time.Duration
}

// AssetsConfig holds image caching configuration
type AssetsConfig struct {
	Uploader        string `validate:"oneof=server s3"`
	ServerURL       string
	UploadToken     string
	S3Bucket        string `validate:"required_if=Uploader s3"`
	S3Region        string
	S3Prefix        string
	LocalDir        string `validate:"required"`
	Concurrency     int    `validate:"gte=1"`
	MaxImages       int    `validate:"gte=1"`
	DownloadTimeout time.Duration
	UploadTimeout   time.Duration
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int `validate:"gte=1,lte=65535"`
}

// ScheduleConfig holds the batch trigger configuration
type ScheduleConfig struct {
	Cron string `validate:"required"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json console"`
}

// Load loads configuration from environment variables with defaults.
// A .env file in the working directory is read first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	timeout := getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second)
	cfg := &Config{
		Storage: StorageConfig{
			Type:        getEnv("STORAGE_TYPE", "postgresql"),
			LedgerType:  getEnv("LEDGER_TYPE", ""),
			PostgresURI: getEnv("DATABASE_URL", ""),
			MongoDBURI:  getEnv("MONGODB_URI", ""),
			MongoDBName: getEnv("MONGODB_DATABASE", "cararth"),
			Region:      getEnv("AWS_REGION", "ap-south-1"),
			TableName:   getEnv("LEDGER_TABLE_NAME", "daily_spend"),
			Endpoint:    getEnv("DYNAMODB_ENDPOINT", ""), // For local DynamoDB
		},
		Ingestion: IngestionConfig{
			APIEndpoint:   getEnv("FIRECRAWL_API_URL", "https://api.firecrawl.dev/v1/scrape"),
			APIKey:        getEnv("FIRECRAWL_API_KEY", ""),
			Portals:       getEnvPortals("PORTALS", defaultPortals),
			Timeout:       getEnvDuration("SCRAPE_TIMEOUT", 60*time.Second),
			RetryCount:    getEnvInt("RETRY_COUNT", 3),
			PortalSpacing: getEnvDuration("PORTAL_SPACING", 2*time.Second),
		},
		Pipeline: PipelineConfig{
			ConfidenceThreshold:   getEnvFloat("CONFIDENCE_THRESHOLD", 0.7),
			TrustScorePublish:     getEnvFloat("TRUST_SCORE_PUBLISH", 0.6),
			PriceAnomalyPct:       getEnvFloat("PRICE_ANOMALY_PCT", 20),
			DedupeSimilarity:      getEnvFloat("DEDUPE_SIMILARITY", 0.92),
			PremiumPriceThreshold: int64(getEnvInt("GPT5_PRICE_THRESHOLD", 300000)),
			MinPublishPrice:       int64(getEnvInt("MIN_PUBLISH_PRICE", 50000)),
			DailyPremiumBudget:    getEnvFloat("DAILY_GPT5_BUDGET_USD", 50.0),
			DailyMarketBudget:     getEnvFloat("DAILY_PERPLEXITY_BUDGET_USD", 40.0),
			BatchConcurrency:      getEnvInt("BATCH_CONCURRENCY", 8),
			DedupeScanLimit:       getEnvInt("DEDUPE_SCAN_LIMIT", 100),
			DedupeMaxResults:      getEnvInt("DEDUPE_MAX_RESULTS", 5),
			EmbedDimension:        getEnvInt("EMBED_DIMENSION", 1536),
			Timezone:              getEnv("BATCH_TIMEZONE", "Asia/Kolkata"),
		},
		Providers: ProvidersConfig{
			GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
			GeminiModel:       getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
			AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
			AnthropicModel:    getEnv("ANTHROPIC_MODEL", "claude-3-haiku-20240307"),
			PerplexityAPIKey:  getEnv("PERPLEXITY_API_KEY", ""),
			PerplexityBaseURL: getEnv("PERPLEXITY_BASE_URL", "https://api.perplexity.ai"),
			PerplexityModel:   getEnv("PERPLEXITY_MODEL", "llama-3.1-sonar-small-128k-online"),
			OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o"),
			EmbeddingProvider: getEnv("EMBEDDING_PROVIDER", "openai"),
			EmbeddingModel:    getEnv("EMBEDDING_MODEL", ""),
			RequestsPerSecond: getEnvFloat("PROVIDER_RPS", 5),
			Timeout:           timeout,
			MarketTimeout:     getEnvDuration("MARKET_TIMEOUT", 10*time.Second),
		},
		Assets: AssetsConfig{
			Uploader:        getEnv("ASSET_UPLOADER", "server"),
			ServerURL:       getEnv("SERVER_URL", "http://localhost:5000"),
			UploadToken:     getEnv("WORKER_UPLOAD_TOKEN", ""),
			S3Bucket:        getEnv("CDN_BUCKET", ""),
			S3Region:        getEnv("CDN_REGION", "ap-south-1"),
			S3Prefix:        getEnv("CDN_PREFIX", "listings/"),
			LocalDir:        getEnv("IMAGE_CACHE_DIR", filepath.Join(os.TempDir(), "cararth_images")),
			Concurrency:     getEnvInt("IMAGE_DOWNLOAD_CONCURRENCY", 6),
			MaxImages:       getEnvInt("MAX_IMAGES_PER_LISTING", 5),
			DownloadTimeout: getEnvDuration("IMAGE_DOWNLOAD_TIMEOUT", 12*time.Second),
			UploadTimeout:   getEnvDuration("IMAGE_UPLOAD_TIMEOUT", 60*time.Second),
		},
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Schedule: ScheduleConfig{
			Cron: getEnv("BATCH_SCHEDULE", "0 6,18 * * *"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	// The ledger lives next to the listings unless configured otherwise
	if cfg.Storage.LedgerType == "" {
		cfg.Storage.LedgerType = cfg.Storage.Type
	}
	if cfg.Providers.EmbeddingModel == "" {
		cfg.Providers.EmbeddingModel = defaultEmbeddingModels[cfg.Providers.EmbeddingProvider]
	}

	return cfg, nil
}

// Validate checks required settings and value ranges
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return eris.Wrap(err, "invalid configuration")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location returns the batch timezone
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Pipeline.Timezone)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid BATCH_TIMEZONE %q", c.Pipeline.Timezone)
	}
	return loc, nil
}

// Embedding model used when EMBEDDING_MODEL is unset, per provider
var defaultEmbeddingModels = map[string]string{
	"openai": "text-embedding-ada-002",
	"gemini": "text-embedding-004",
}

var defaultPortals = []Portal{
	{Source: "CarDekho", URL: "https://www.cardekho.com/used-cars/hyderabad"},
	{Source: "OLX", URL: "https://www.olx.in/hyderabad_g4058877/cars_c198"},
	{Source: "Cars24", URL: "https://www.cars24.com/buy-used-cars-hyderabad"},
	{Source: "CarWale", URL: "https://www.carwale.com/used/cars-in-hyderabad"},
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvPortals parses "Source=url,Source=url"
func getEnvPortals(key string, defaultValue []Portal) []Portal {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var portals []Portal
	for _, pair := range strings.Split(value, ",") {
		source, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || source == "" || url == "" {
			continue
		}
		portals = append(portals, Portal{Source: source, URL: url})
	}
	if len(portals) == 0 {
		return defaultValue
	}
	return portals
}
