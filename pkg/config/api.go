package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	ImportMaxFileBytes int64
	ImportPasswordLen  int
	PageSize           int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	AuditStreamBuffer  int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://bkdnoj:bkdnoj@db:5432/bkdnoj?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL:     time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 15)) * time.Minute,
		RefreshTokenTTL:    time.Duration(GetInt("REFRESH_TOKEN_TTL_HOURS", 24)) * time.Hour,
		ImportMaxFileBytes: int64(GetInt("IMPORT_MAX_FILE_BYTES", 1<<20)),
		ImportPasswordLen:  GetInt("IMPORT_PASSWORD_LENGTH", 16),
		PageSize:           GetInt("USER_LIST_PAGE_SIZE", 50),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		AuditStreamBuffer:  GetInt("AUDIT_STREAM_BUFFER", 100),
	}
}
