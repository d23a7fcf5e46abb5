// config.go - Configuration loaded from environment variables

package configs

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds everything the service needs at startup.
type Config struct {
	// Gemini AI Configuration
	GeminiAPIKey                string  `mapstructure:"GEMINI_API_KEY"`
	ModelName                   string  `mapstructure:"MODEL_NAME"`
	GeminiInputPricePerMillion  float64 `mapstructure:"GEMINI_INPUT_PRICE_PER_MILLION"`
	GeminiOutputPricePerMillion float64 `mapstructure:"GEMINI_OUTPUT_PRICE_PER_MILLION"`
	GeminiRateLimitTokens       int     `mapstructure:"GEMINI_RATE_LIMIT_TOKENS"`
	GeminiRateLimitRefillSecs   int     `mapstructure:"GEMINI_RATE_LIMIT_REFILL_SECONDS"`

	// Server Configuration
	Port           string `mapstructure:"PORT"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`

	// MongoDB Configuration
	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`

	// Donation events (empty AMQP_URL disables the consumer)
	AMQPURL          string `mapstructure:"AMQP_URL"`
	DonationExchange string `mapstructure:"DONATION_EXCHANGE"`
	DonationQueue    string `mapstructure:"DONATION_QUEUE"`

	// Pending sweep (empty schedule disables it)
	PendingSweepSchedule   string `mapstructure:"PENDING_SWEEP_SCHEDULE"`
	PendingSweepAgeMinutes int    `mapstructure:"PENDING_SWEEP_AGE_MINUTES"`

	// Pipeline and image handling
	PipelineTimeoutSeconds   int    `mapstructure:"PIPELINE_TIMEOUT_SECONDS"`
	ImageFetchTimeoutSeconds int    `mapstructure:"IMAGE_FETCH_TIMEOUT_SECONDS"`
	MaxImageBytes            int64  `mapstructure:"MAX_IMAGE_BYTES"`
	EnableImagePreprocessing bool   `mapstructure:"ENABLE_IMAGE_PREPROCESSING"`
	MaxImageDimension        int    `mapstructure:"MAX_IMAGE_DIMENSION"`
	AWSRegion                string `mapstructure:"AWS_REGION"`
	ReferenceCacheTTLSeconds int    `mapstructure:"REFERENCE_CACHE_TTL_SECONDS"`

	// Matching policy
	NameSimilarityThreshold float64 `mapstructure:"NAME_SIMILARITY_THRESHOLD"`
	AmountTolerance         float64 `mapstructure:"AMOUNT_TOLERANCE"`
	BankAliasesFile         string  `mapstructure:"BANK_ALIASES_FILE"`
}

var defaults = map[string]interface{}{
	"MODEL_NAME":                       "gemini-2.5-flash",
	"GEMINI_INPUT_PRICE_PER_MILLION":   0.30,
	"GEMINI_OUTPUT_PRICE_PER_MILLION":  2.50,
	"GEMINI_RATE_LIMIT_TOKENS":         12,
	"GEMINI_RATE_LIMIT_REFILL_SECONDS": 5,
	"PORT":                             "8080",
	"ALLOWED_ORIGINS":                  "*",
	"MONGO_URI":                        "mongodb://localhost:27017",
	"MONGO_DB_NAME":                    "relief",
	"DONATION_EXCHANGE":                "donations",
	"DONATION_QUEUE":                   "donation-verifier",
	"PENDING_SWEEP_SCHEDULE":           "*/10 * * * *",
	"PENDING_SWEEP_AGE_MINUTES":        15,
	"PIPELINE_TIMEOUT_SECONDS":         60,
	"IMAGE_FETCH_TIMEOUT_SECONDS":      15,
	"MAX_IMAGE_BYTES":                  10 << 20,
	"ENABLE_IMAGE_PREPROCESSING":       true,
	"MAX_IMAGE_DIMENSION":              2000,
	"AWS_REGION":                       "ap-south-1",
	"REFERENCE_CACHE_TTL_SECONDS":      300,
	"NAME_SIMILARITY_THRESHOLD":        0.8,
	"AMOUNT_TOLERANCE":                 0.05,
}

// LoadConfig loads configuration from .env (if present) and the environment.
func LoadConfig() (*Config, error) {
	// Load .env file if exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}
	viper.AutomaticEnv()

	// Unmarshal only sees keys viper already knows about
	for _, key := range []string{"GEMINI_API_KEY", "JWT_SECRET", "AMQP_URL", "BANK_ALIASES_FILE"} {
		_ = viper.BindEnv(key)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log.Println("✓ Configuration loaded successfully")
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.GeminiAPIKey == "" {
		return errors.New("GEMINI_API_KEY environment variable is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET environment variable is required")
	}
	if c.NameSimilarityThreshold <= 0 || c.NameSimilarityThreshold > 1 {
		return fmt.Errorf("NAME_SIMILARITY_THRESHOLD must be in (0, 1], got %v", c.NameSimilarityThreshold)
	}
	if c.AmountTolerance < 0 {
		return fmt.Errorf("AMOUNT_TOLERANCE must not be negative, got %v", c.AmountTolerance)
	}
	if c.PipelineTimeoutSeconds <= 0 {
		return fmt.Errorf("PIPELINE_TIMEOUT_SECONDS must be positive, got %d", c.PipelineTimeoutSeconds)
	}
	return nil
}

// PipelineTimeout is the wall-clock budget for one verification run.
func (c *Config) PipelineTimeout() time.Duration {
	return time.Duration(c.PipelineTimeoutSeconds) * time.Second
}

func (c *Config) ImageFetchTimeout() time.Duration {
	return time.Duration(c.ImageFetchTimeoutSeconds) * time.Second
}

func (c *Config) ReferenceCacheTTL() time.Duration {
	return time.Duration(c.ReferenceCacheTTLSeconds) * time.Second
}

func (c *Config) PendingSweepAge() time.Duration {
	return time.Duration(c.PendingSweepAgeMinutes) * time.Minute
}

func (c *Config) GeminiRateLimitRefill() time.Duration {
	return time.Duration(c.GeminiRateLimitRefillSecs) * time.Second
}

// AllowedOriginList splits ALLOWED_ORIGINS on commas.
func (c *Config) AllowedOriginList() []string {
	var origins []string
	for _, origin := range strings.Split(c.AllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

// LoadBankAliases reads the bank_aliases table from a YAML or JSON file.
// It returns nil when no file is configured.
func LoadBankAliases(path string) (map[string][]string, error) {
	if path == "" {
		return nil, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read bank aliases file %s: %w", path, err)
	}

	var aliases map[string][]string
	if err := v.UnmarshalKey("bank_aliases", &aliases); err != nil {
		return nil, fmt.Errorf("failed to decode bank aliases: %w", err)
	}
	if len(aliases) == 0 {
		return nil, fmt.Errorf("bank aliases file %s has no bank_aliases entries", path)
	}
	return aliases, nil
}
