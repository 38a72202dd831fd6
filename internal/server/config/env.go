package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// parseEnv overlays Config fields from environment variables. A .env file
// in the working directory is loaded first if present; real environment
// variables win over file values (godotenv does not override them).
//
// Supported variables:
//
//	ADDRESS               HTTP bind address
//	DATABASE_DSN          PostgreSQL DSN
//	REDIS_URL             Redis connection URL
//	SCAN_SERVICE_URL      scan submission/result service base URL
//	RENDER_SERVICE_URL    report renderer base URL
//	MAIL_SERVICE_URL      notification service base URL
//	SESSION_TTL           session lifetime, Go duration syntax ("24h")
//	EXPIRY_SWEEP_INTERVAL durable expiry sweep period ("30s")
//	S3_ROOT_USER / S3_ROOT_PASSWORD / S3_BUCKET / S3_REGION / S3_BASE_ENDPOINT
func parseEnv(config *Config) {
	_ = godotenv.Load()

	setString := func(name string, target *string) {
		if v, ok := os.LookupEnv(name); ok {
			*target = v
		}
	}
	setDuration := func(name string, target *time.Duration) {
		if v, ok := os.LookupEnv(name); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*target = d
			}
		}
	}

	setString("ADDRESS", &config.EndpointAddrHTTP)
	setString("DATABASE_DSN", &config.DatabaseDSN)
	setString("REDIS_URL", &config.RedisURL)
	setString("SCAN_SERVICE_URL", &config.ScanServiceURL)
	setString("RENDER_SERVICE_URL", &config.RenderServiceURL)
	setString("MAIL_SERVICE_URL", &config.MailServiceURL)
	setDuration("SESSION_TTL", &config.SessionTTL)
	setDuration("EXPIRY_SWEEP_INTERVAL", &config.ExpirySweepInterval)
	setString("S3_ROOT_USER", &config.S3RootUser)
	setString("S3_ROOT_PASSWORD", &config.S3RootPassword)
	setString("S3_BUCKET", &config.S3Bucket)
	setString("S3_REGION", &config.S3Region)
	setString("S3_BASE_ENDPOINT", &config.S3BaseEndpoint)
}
