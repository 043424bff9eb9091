// Package config provides environment-based configuration for mediabroker.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every mediabroker configuration value loaded from the
// environment, with sensible defaults for local development.
type Config struct {
	// Port is the HTTP listen port for the API server.
	Port int

	// DatabaseURL is the Postgres connection string backing the Store.
	DatabaseURL string

	// RedisURL backs the activity log mirror.
	RedisURL string

	// MinIOEndpoint/AccessKey/SecretKey/UseSSL configure the default
	// delivery Transport when a storage server is MinIO-backed.
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOUseSSL    bool

	// TorrentDataDir is where the torrent client stores downloads before
	// FileMapper/Encode pick files up.
	TorrentDataDir string

	// CatalogBaseURL/IndexerBaseURL/IndexerAPIKey/EncoderPoolBaseURL/
	// LibraryScannerBaseURL locate the external services behind
	// MetadataProvider, IndexerClient, EncoderPool and LibraryScanner.
	CatalogBaseURL        string
	IndexerBaseURL        string
	IndexerAPIKey         string
	EncoderPoolBaseURL    string
	LibraryScannerBaseURL string

	// DeliveryBasePath is the local-filesystem delivery root used when no
	// object-storage/SFTP server is configured.
	DeliveryBasePath string

	// IdempotencyTokenSecret signs the createRequest idempotency tokens.
	IdempotencyTokenSecret string

	// MovieTimeout/TVTimeout/StallWindow/PollInterval tune the
	// DownloadReconciler (§4.5).
	MovieDownloadTimeout time.Duration
	TVDownloadTimeout    time.Duration
	DownloadStallWindow  time.Duration
	DownloadPollInterval time.Duration

	// EncodePollInterval tunes the EncodeCoordinator (§4.7).
	EncodePollInterval time.Duration

	// Scheduler sweep cadences (§4.10).
	RetryAwaitingInterval   time.Duration
	StuckDetectorInterval   time.Duration
	StuckThreshold          time.Duration
	DownloadHealthInterval  time.Duration
	NewEpisodeCheckInterval time.Duration

	// IndexerQPS/Burst bound concurrent indexer queries (ReleaseSelector).
	IndexerQPS   float64
	IndexerBurst int

	// LogLevel controls the verbosity of structured logging.
	LogLevel string
}

// Load reads configuration from environment variables with sensible
// defaults for local development.
func Load() *Config {
	return &Config{
		Port:        getEnvInt("PORT", 8090),
		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost:5432/mediabroker?sslmode=disable"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),

		MinIOEndpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey: getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey: getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		TorrentDataDir:         getEnv("TORRENT_DATA_DIR", "/data/downloads"),
		IdempotencyTokenSecret: getEnv("IDEMPOTENCY_TOKEN_SECRET", "change-me"),

		CatalogBaseURL:        getEnv("CATALOG_BASE_URL", "http://localhost:9001"),
		IndexerBaseURL:        getEnv("INDEXER_BASE_URL", "http://localhost:9002"),
		IndexerAPIKey:         getEnv("INDEXER_API_KEY", ""),
		EncoderPoolBaseURL:    getEnv("ENCODER_POOL_BASE_URL", "http://localhost:9003"),
		LibraryScannerBaseURL: getEnv("LIBRARY_SCANNER_BASE_URL", "http://localhost:9004"),
		DeliveryBasePath:      getEnv("DELIVERY_BASE_PATH", "/data/library"),

		MovieDownloadTimeout: getEnvDuration("MOVIE_DOWNLOAD_TIMEOUT", 24*time.Hour),
		TVDownloadTimeout:    getEnvDuration("TV_DOWNLOAD_TIMEOUT", 48*time.Hour),
		DownloadStallWindow:  getEnvDuration("DOWNLOAD_STALL_WINDOW", time.Hour),
		DownloadPollInterval: getEnvDuration("DOWNLOAD_POLL_INTERVAL", 5*time.Second),

		EncodePollInterval: getEnvDuration("ENCODE_POLL_INTERVAL", 2*time.Second),

		RetryAwaitingInterval:   getEnvDuration("RETRY_AWAITING_INTERVAL", 30*time.Minute),
		StuckDetectorInterval:   getEnvDuration("STUCK_DETECTOR_INTERVAL", 15*time.Minute),
		StuckThreshold:          getEnvDuration("STUCK_THRESHOLD", time.Hour),
		DownloadHealthInterval:  getEnvDuration("DOWNLOAD_HEALTH_INTERVAL", 5*time.Minute),
		NewEpisodeCheckInterval: getEnvDuration("NEW_EPISODE_CHECK_INTERVAL", 6*time.Hour),

		IndexerQPS:   getEnvFloat("INDEXER_QPS", 2),
		IndexerBurst: getEnvInt("INDEXER_BURST", 5),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
