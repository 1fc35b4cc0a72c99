package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port          string
	AllowedOrigin string

	DatabaseURL       string
	MongoURI          string
	MongoDatabase     string
	MongoTransactions bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StoreID               string
	AuthSecret            string
	AccessTokenTTLMinutes int
	SeedAdminPassword     string

	SaleMaxAttempts    int
	SaleRetryBackoff   time.Duration
	SaleAtomicity      string
	GroupingBucket     time.Duration
	Timezone           string
	RecentSalesLimit   int
	BackfillScheduleAt string

	BlobProvider      string
	MinioEndpoint     string
	MinioAccessKey    string
	MinioSecretKey    string
	MinioBucket       string
	MinioUseSSL       bool
	BlobPublicBaseURL string
	GCSBucket         string
	GCSCredentials    string
	ReceiptMaxWidth   int

	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

// Load reads .env when present and then the process environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),

		DatabaseURL:       os.Getenv("DATABASE_URL"),
		MongoURI:          os.Getenv("MONGO_URI"),
		MongoDatabase:     getEnv("MONGO_DATABASE", "localventas"),
		MongoTransactions: getBool("MONGO_TRANSACTIONS", true),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0, 0),

		StoreID:               getEnv("DEFAULT_STORE_ID", "main-store"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		SeedAdminPassword:     strings.TrimSpace(os.Getenv("SEED_ADMIN_PASSWORD")),

		SaleMaxAttempts:    getInt("SALE_MAX_ATTEMPTS", 3, 1),
		SaleRetryBackoff:   time.Duration(getInt("SALE_RETRY_BACKOFF_MS", 50, 0)) * time.Millisecond,
		SaleAtomicity:      strings.ToLower(getEnv("SALE_ATOMICITY", "auto")),
		GroupingBucket:     time.Duration(getInt("GROUPING_BUCKET_SECONDS", 60, 1)) * time.Second,
		Timezone:           getEnv("TIMEZONE", "UTC"),
		RecentSalesLimit:   getInt("RECENT_SALES_LIMIT", 5, 1),
		BackfillScheduleAt: strings.TrimSpace(os.Getenv("BACKFILL_SCHEDULE_AT")),

		BlobProvider:      strings.ToLower(getEnv("BLOB_PROVIDER", "memory")),
		MinioEndpoint:     os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey:    os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey:    os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:       getEnv("MINIO_BUCKET", "receipts"),
		MinioUseSSL:       getBool("MINIO_USE_SSL", false),
		BlobPublicBaseURL: os.Getenv("BLOB_PUBLIC_BASE_URL"),
		GCSBucket:         os.Getenv("GCS_BUCKET"),
		GCSCredentials:    os.Getenv("GCS_CREDENTIALS_JSON"),
		ReceiptMaxWidth:   getInt("RECEIPT_MAX_WIDTH", 1280, 1),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "json"),
		LogFile:       os.Getenv("LOG_FILE"),
		LogMaxSizeMB:  getInt("LOG_MAX_SIZE_MB", 50, 1),
		LogMaxBackups: getInt("LOG_MAX_BACKUPS", 5, 0),
		LogMaxAgeDays: getInt("LOG_MAX_AGE_DAYS", 28, 0),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Location resolves TIMEZONE, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getInt(key string, fallback int, min int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < min {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return b
}
