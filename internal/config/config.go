package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverCouchDB  = "couchdb"
	DriverPostgres = "postgres"

	StorageLocal = "local"
	StorageS3    = "s3"

	AuthModeJWKS = "jwks"
	AuthModeHMAC = "hmac"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Admins    []string
	Storage   StorageConfig
	WebSocket WebSocketConfig
	CORS      CORSConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	Env          string
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	Driver      string
	Host        string
	Port        string
	User        string
	Password    string
	Name        string
	PostgresDSN string
}

type AuthConfig struct {
	Mode            string
	JWKSURL         string
	RefreshInterval time.Duration
	Issuer          string
	Audience        string
	Leeway          time.Duration
	JWTSecret       string
	CacheSize       int
	CacheTTL        time.Duration
}

type StorageConfig struct {
	Driver           string
	UploadDir        string
	MaxUploadSize    int64
	AllowedMimeTypes []string
	S3               S3Config
}

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
}

type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	MaxConnPerUser  int
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

type LoggingConfig struct {
	Level  slog.Level
	Format string
}

type adminFile struct {
	Admins []string `yaml:"admins"`
}

func Load() (*Config, error) {
	godotenv.Load()

	writeTimeout, err := getEnvAsDuration("SERVER_WRITE_TIMEOUT", "60s")
	if err != nil {
		return nil, err
	}
	refresh, err := getEnvAsDuration("JWKS_REFRESH_INTERVAL", "1h")
	if err != nil {
		return nil, err
	}
	leeway, err := getEnvAsDuration("AUTH_LEEWAY", "30s")
	if err != nil {
		return nil, err
	}
	cacheTTL, err := getEnvAsDuration("AUTH_CACHE_TTL", "5m")
	if err != nil {
		return nil, err
	}

	level, err := parseLogLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	format := strings.ToLower(getEnv("LOG_FORMAT", "json"))
	if format != "json" && format != "text" {
		return nil, fmt.Errorf("invalid LOG_FORMAT %q: expected json or text", format)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "5000"),
			Host:         getEnv("HOST", "0.0.0.0"),
			Env:          getEnv("ENV", "development"),
			WriteTimeout: writeTimeout,
		},
		Database: DatabaseConfig{
			Driver:      strings.ToLower(getEnv("DB_DRIVER", DriverCouchDB)),
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnv("DB_PORT", "5984"),
			User:        getEnv("DB_USER", "admin"),
			Password:    getEnv("DB_PASSWORD", "password"),
			Name:        getEnv("DB_NAME", "notes"),
			PostgresDSN: getEnv("POSTGRES_DSN", ""),
		},
		Auth: AuthConfig{
			Mode:            strings.ToLower(getEnv("AUTH_MODE", AuthModeJWKS)),
			JWKSURL:         getEnv("JWKS_URL", ""),
			RefreshInterval: refresh,
			Issuer:          getEnv("AUTH_ISSUER", ""),
			Audience:        getEnv("AUTH_AUDIENCE", ""),
			Leeway:          leeway,
			JWTSecret:       getEnv("JWT_SECRET", ""),
			CacheSize:       getEnvAsInt("AUTH_CACHE_SIZE", 1024),
			CacheTTL:        cacheTTL,
		},
		Storage: StorageConfig{
			Driver:           strings.ToLower(getEnv("STORAGE_DRIVER", StorageLocal)),
			UploadDir:        getEnv("UPLOAD_DIR", "uploads"),
			MaxUploadSize:    int64(getEnvAsInt("MAX_UPLOAD_SIZE", 10*1024*1024)),
			AllowedMimeTypes: splitList(getEnv("ALLOWED_MIME_TYPES", "")),
			S3: S3Config{
				Endpoint:  getEnv("S3_ENDPOINT", ""),
				Region:    getEnv("S3_REGION", "garage"),
				AccessKey: getEnv("S3_ACCESS_KEY", ""),
				SecretKey: getEnv("S3_SECRET_KEY", ""),
				Bucket:    getEnv("S3_BUCKET", "notes"),
			},
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  getEnvAsInt("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize: getEnvAsInt("WS_WRITE_BUFFER_SIZE", 1024),
			MaxMessageSize:  int64(getEnvAsInt("WS_MAX_MESSAGE_SIZE", 4096)),
			WriteWait:       10 * time.Second,
			PongWait:        60 * time.Second,
			PingPeriod:      54 * time.Second,
			MaxConnPerUser:  getEnvAsInt("WS_MAX_CONN_PER_USER", 5),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,POST,PATCH,OPTIONS"),
			AllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization"),
		},
		Logging: LoggingConfig{
			Level:  level,
			Format: format,
		},
	}

	admins, err := loadAdmins(getEnv("ADMIN_IDS", ""), getEnv("ADMIN_IDS_FILE", ""))
	if err != nil {
		return nil, err
	}
	cfg.Admins = admins

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case DriverCouchDB:
	case DriverPostgres:
		if c.Database.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("invalid DB_DRIVER %q", c.Database.Driver)
	}

	switch c.Auth.Mode {
	case AuthModeJWKS:
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("JWKS_URL is required when AUTH_MODE=jwks")
		}
	case AuthModeHMAC:
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required when AUTH_MODE=hmac")
		}
	default:
		return fmt.Errorf("invalid AUTH_MODE %q", c.Auth.Mode)
	}

	switch c.Storage.Driver {
	case StorageLocal:
	case StorageS3:
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return fmt.Errorf("S3_ENDPOINT and S3_BUCKET are required when STORAGE_DRIVER=s3")
		}
	default:
		return fmt.Errorf("invalid STORAGE_DRIVER %q", c.Storage.Driver)
	}

	if c.Storage.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}

	return nil
}

// CouchURL builds the CouchDB connection URL with embedded credentials.
func (c *Config) CouchURL() string {
	u := url.URL{
		Scheme: "http",
		User:   url.UserPassword(c.Database.User, c.Database.Password),
		Host:   net.JoinHostPort(c.Database.Host, c.Database.Port),
	}
	return u.String()
}

// TokenTTL returns JWT_EXPIRATION, the lifetime of development tokens.
func TokenTTL() (time.Duration, error) {
	godotenv.Load()
	return getEnvAsDuration("JWT_EXPIRATION", "1h")
}

// LoadAdmins resolves only the admin allow-set from .env and the
// environment, without validating the rest of the configuration.
func LoadAdmins() ([]string, error) {
	godotenv.Load()
	return loadAdmins(getEnv("ADMIN_IDS", ""), getEnv("ADMIN_IDS_FILE", ""))
}

// loadAdmins merges the comma separated list with the optional YAML file.
func loadAdmins(list, path string) ([]string, error) {
	seen := make(map[string]bool)
	var admins []string
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		admins = append(admins, id)
	}

	for _, id := range splitList(list) {
		add(id)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read ADMIN_IDS_FILE: %w", err)
		}
		var f adminFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse ADMIN_IDS_FILE: %w", err)
		}
		for _, id := range f.Admins {
			add(id)
		}
	}

	return admins, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q", s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// SetupLogger builds the process logger from the logging settings and makes
// it the slog default.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Logging.Level}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
