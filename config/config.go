package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Prefix              string
	UpstreamURL         string
	ManagementKey       string
	AdminToken          string
	DatabaseURL         string
	DataDir             string
	ExportInterval      time.Duration
	PollInterval        time.Duration
	UsageSyncInterval   time.Duration
	ExpiryCheckInterval time.Duration
	ExpiryWarning       time.Duration
	UpstreamTimeout     time.Duration
	RestartTolerance    int64
	RecycleRevoked      bool
	FeishuAppID         string
	FeishuAppSecret     string
}

var AppConfig *Config

func LoadConfig() {
	_ = godotenv.Load() // Load from .env if it exists, ignore error if not

	AppConfig = &Config{
		Prefix:              getEnv("KEYPORTAL_PREFIX", "/api"),
		UpstreamURL:         getEnv("KEYPORTAL_UPSTREAM_URL", "http://localhost:8317"),
		ManagementKey:       getEnv("KEYPORTAL_MANAGEMENT_KEY", ""),
		AdminToken:          getEnv("KEYPORTAL_ADMIN_TOKEN", ""),
		DatabaseURL:         getEnv("KEYPORTAL_DATABASE_URL", "file:keyportal.db?cache=shared&mode=rwc"),
		DataDir:             getEnv("KEYPORTAL_DATA_DIR", "./data"),
		ExportInterval:      getEnvDuration("KEYPORTAL_EXPORT_INTERVAL", 5*time.Minute),
		PollInterval:        getEnvDuration("KEYPORTAL_POLL_INTERVAL", 3*time.Second),
		UsageSyncInterval:   getEnvDuration("KEYPORTAL_USAGE_SYNC_INTERVAL", time.Hour),
		ExpiryCheckInterval: getEnvDuration("KEYPORTAL_EXPIRY_CHECK_INTERVAL", 30*time.Minute),
		ExpiryWarning:       getEnvDuration("KEYPORTAL_EXPIRY_WARNING", 2*time.Hour),
		UpstreamTimeout:     getEnvDuration("KEYPORTAL_UPSTREAM_TIMEOUT", 10*time.Second),
		RestartTolerance:    getEnvInt64("KEYPORTAL_RESTART_TOLERANCE", 0),
		RecycleRevoked:      getEnvBool("KEYPORTAL_RECYCLE_REVOKED", false),
		FeishuAppID:         getEnv("KEYPORTAL_FEISHU_APP_ID", ""),
		FeishuAppSecret:     getEnv("KEYPORTAL_FEISHU_APP_SECRET", ""),
	}

	if AppConfig.ManagementKey == "" {
		log.Println("Warning: KEYPORTAL_MANAGEMENT_KEY is not set.")
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	strValue := getEnv(key, "")
	if strValue == "" {
		return fallback
	}
	if value, err := strconv.ParseInt(strValue, 10, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	strValue := getEnv(key, "")
	if strValue == "" {
		return fallback
	}
	if value, err := strconv.ParseBool(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if strValue == "" {
		return fallback
	}
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}
