// Package config defines the configuration contract and handles loading and
// validating environment configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// Canonical environment variable keys.
	KeyTelegramToken         = "TELEGRAM_TOKEN"
	KeyBotOwner              = "BOT_OWNER"
	KeyAdminIDs              = "ADMIN_IDS"
	KeyMongoURI              = "MONGO_URI"
	KeyMongoDB               = "MONGO_DB"
	KeyMongoMaxPoolSize      = "MONGO_MAX_POOL_SIZE"
	KeyMongoMinPoolSize      = "MONGO_MIN_POOL_SIZE"
	KeyMongoMaxIdleMS        = "MONGO_MAX_IDLE_MS"
	KeyMongoWaitQueueTimeout = "MONGO_WAIT_QUEUE_TIMEOUT_MS"
	KeyStatsCacheTTL         = "STATS_CACHE_TTL_SECONDS"
	KeyUsersCacheTTL         = "USERS_CACHE_TTL_SECONDS"
	KeyExportDir             = "EXPORT_DIR"
	KeyAppEnv                = "APP_ENV"
	KeyLogLevel              = "LOG_LEVEL"
	KeyHTTPPort              = "HTTP_PORT"

	// Allowed environment values.
	EnvDevelopment = "development"
	EnvProduction  = "production"

	// Defaults for optional settings.
	DefaultAppEnv                = EnvProduction
	DefaultLogLevel              = "info"
	DefaultHTTPPort              = 8080
	DefaultMongoMaxPoolSize      = 20
	DefaultMongoMinPoolSize      = 5
	DefaultMongoMaxIdleMS        = 30000
	DefaultMongoWaitQueueTimeout = 5000
	DefaultStatsCacheTTLSeconds  = 60
	DefaultUsersCacheTTLSeconds  = 180
	DefaultExportDir             = "logs"

	// Recommended database names by environment.
	DefaultMongoDBProd = "aibotdb"
	DefaultMongoDBDev  = "aibotdb_dev"
)

// VarSpec describes a single configuration key.
type VarSpec struct {
	Key         string // environment variable name
	Example     string // human-friendly sample value
	Required    bool   // whether the bot must refuse to start without this value
	Default     string // default when unset (empty when required)
	Description string // what the variable controls
	Notes       string // extra guidance or policies
}

// Contract enumerates the authoritative configuration keys for the bot.
// .env loading is only permitted when APP_ENV=development; production must rely
// on environment variables supplied by the runtime.
var Contract = []VarSpec{
	{
		Key:         KeyTelegramToken,
		Example:     "123:ABC",
		Required:    true,
		Description: "Telegram Bot Token issued by BotFather.",
	},
	{
		Key:         KeyBotOwner,
		Example:     "123456789",
		Required:    true,
		Description: "Owner Telegram user_id; always part of the admin set.",
	},
	{
		Key:         KeyAdminIDs,
		Example:     "111,222",
		Description: "Additional admin user_ids, comma separated.",
	},
	{
		Key:         KeyMongoURI,
		Example:     "mongodb://localhost:27017",
		Required:    true,
		Description: "MongoDB connection string.",
	},
	{
		Key:         KeyMongoDB,
		Example:     DefaultMongoDBProd + " / " + DefaultMongoDBDev,
		Required:    true,
		Description: "MongoDB database name.",
		Notes:       "Recommended: production=" + DefaultMongoDBProd + ", development=" + DefaultMongoDBDev + ".",
	},
	{
		Key:         KeyMongoMaxPoolSize,
		Example:     strconv.Itoa(DefaultMongoMaxPoolSize),
		Default:     strconv.Itoa(DefaultMongoMaxPoolSize),
		Description: "Upper bound of pooled Mongo connections.",
	},
	{
		Key:         KeyMongoMinPoolSize,
		Example:     strconv.Itoa(DefaultMongoMinPoolSize),
		Default:     strconv.Itoa(DefaultMongoMinPoolSize),
		Description: "Connections kept warm in the pool.",
	},
	{
		Key:         KeyMongoMaxIdleMS,
		Example:     strconv.Itoa(DefaultMongoMaxIdleMS),
		Default:     strconv.Itoa(DefaultMongoMaxIdleMS),
		Description: "Idle time in milliseconds before a pooled connection is closed.",
	},
	{
		Key:         KeyMongoWaitQueueTimeout,
		Example:     strconv.Itoa(DefaultMongoWaitQueueTimeout),
		Default:     strconv.Itoa(DefaultMongoWaitQueueTimeout),
		Description: "Milliseconds an operation may wait for a pooled connection and complete.",
	},
	{
		Key:         KeyStatsCacheTTL,
		Example:     strconv.Itoa(DefaultStatsCacheTTLSeconds),
		Default:     strconv.Itoa(DefaultStatsCacheTTLSeconds),
		Description: "Seconds a statistics snapshot stays cached.",
		Notes:       "0 disables the cache.",
	},
	{
		Key:         KeyUsersCacheTTL,
		Example:     strconv.Itoa(DefaultUsersCacheTTLSeconds),
		Default:     strconv.Itoa(DefaultUsersCacheTTLSeconds),
		Description: "Seconds a user list page stays cached.",
		Notes:       "0 disables the cache.",
	},
	{
		Key:         KeyExportDir,
		Example:     DefaultExportDir,
		Default:     DefaultExportDir,
		Description: "Directory receiving exported statistics files.",
	},
	{
		Key:         KeyAppEnv,
		Example:     EnvDevelopment + " / " + EnvProduction,
		Default:     DefaultAppEnv,
		Description: "Runtime environment; controls log format and dotenv usage.",
		Notes:       "Load .env files only when APP_ENV=" + EnvDevelopment + ".",
	},
	{
		Key:         KeyLogLevel,
		Example:     DefaultLogLevel,
		Default:     DefaultLogLevel,
		Description: "Overrides default log level.",
	},
	{
		Key:         KeyHTTPPort,
		Example:     strconv.Itoa(DefaultHTTPPort),
		Default:     strconv.Itoa(DefaultHTTPPort),
		Description: "HTTP health/diagnostics port.",
	},
}

// Config mirrors resolved configuration values after loading.
type Config struct {
	TelegramToken string
	BotOwnerID    int64
	AdminIDs      []int64
	MongoURI      string
	MongoDB       string
	MongoPool     PoolConfig
	StatsCacheTTL time.Duration
	UsersCacheTTL time.Duration
	ExportDir     string
	AppEnv        string
	LogLevel      string
	HTTPPort      int
}

// PoolConfig bounds the shared Mongo connection pool.
type PoolConfig struct {
	MaxSize          uint64
	MinSize          uint64
	MaxIdle          time.Duration
	WaitQueueTimeout time.Duration
}

// DefaultPoolConfig returns the pool bounds used when nothing is configured.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:          DefaultMongoMaxPoolSize,
		MinSize:          DefaultMongoMinPoolSize,
		MaxIdle:          time.Duration(DefaultMongoMaxIdleMS) * time.Millisecond,
		WaitQueueTimeout: time.Duration(DefaultMongoWaitQueueTimeout) * time.Millisecond,
	}
}

// Load resolves configuration from the environment (with optional dotenv in development).
func Load() (Config, error) {
	appEnv, err := resolveAppEnv()
	if err != nil {
		return Config{}, err
	}

	if err := loadDotEnv(appEnv); err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:        firstNonEmpty(normalizeEnv(os.Getenv(KeyAppEnv)), appEnv),
		TelegramToken: strings.TrimSpace(os.Getenv(KeyTelegramToken)),
		MongoURI:      strings.TrimSpace(os.Getenv(KeyMongoURI)),
		MongoDB:       strings.TrimSpace(os.Getenv(KeyMongoDB)),
		LogLevel:      firstNonEmpty(strings.TrimSpace(os.Getenv(KeyLogLevel)), DefaultLogLevel),
		ExportDir:     firstNonEmpty(strings.TrimSpace(os.Getenv(KeyExportDir)), DefaultExportDir),
		HTTPPort:      DefaultHTTPPort,
		MongoPool:     DefaultPoolConfig(),
		StatsCacheTTL: DefaultStatsCacheTTLSeconds * time.Second,
		UsersCacheTTL: DefaultUsersCacheTTLSeconds * time.Second,
	}

	if err := validateAppEnv(cfg.AppEnv); err != nil {
		return Config{}, err
	}

	missing := make([]string, 0)

	if cfg.TelegramToken == "" {
		missing = append(missing, KeyTelegramToken)
	}

	ownerRaw := strings.TrimSpace(os.Getenv(KeyBotOwner))
	if ownerRaw == "" {
		missing = append(missing, KeyBotOwner)
	} else {
		ownerID, parseErr := strconv.ParseInt(ownerRaw, 10, 64)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyBotOwner, parseErr)
		}
		cfg.BotOwnerID = ownerID
	}

	if cfg.MongoURI == "" {
		missing = append(missing, KeyMongoURI)
	}

	if cfg.MongoDB == "" {
		missing = append(missing, KeyMongoDB)
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	if err := validateMongoURI(cfg.MongoURI); err != nil {
		return Config{}, err
	}

	adminIDs, err := parseAdminIDs(os.Getenv(KeyAdminIDs))
	if err != nil {
		return Config{}, err
	}
	cfg.AdminIDs = adminIDs

	if cfg.HTTPPort, err = positiveInt(KeyHTTPPort, DefaultHTTPPort); err != nil {
		return Config{}, err
	}

	maxPool, err := positiveInt(KeyMongoMaxPoolSize, DefaultMongoMaxPoolSize)
	if err != nil {
		return Config{}, err
	}
	minPool, err := nonNegativeInt(KeyMongoMinPoolSize, DefaultMongoMinPoolSize)
	if err != nil {
		return Config{}, err
	}
	if minPool > maxPool {
		return Config{}, fmt.Errorf("%s must not exceed %s", KeyMongoMinPoolSize, KeyMongoMaxPoolSize)
	}
	maxIdle, err := positiveInt(KeyMongoMaxIdleMS, DefaultMongoMaxIdleMS)
	if err != nil {
		return Config{}, err
	}
	waitQueue, err := positiveInt(KeyMongoWaitQueueTimeout, DefaultMongoWaitQueueTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MongoPool = PoolConfig{
		MaxSize:          uint64(maxPool),
		MinSize:          uint64(minPool),
		MaxIdle:          time.Duration(maxIdle) * time.Millisecond,
		WaitQueueTimeout: time.Duration(waitQueue) * time.Millisecond,
	}

	statsTTL, err := nonNegativeInt(KeyStatsCacheTTL, DefaultStatsCacheTTLSeconds)
	if err != nil {
		return Config{}, err
	}
	cfg.StatsCacheTTL = time.Duration(statsTTL) * time.Second

	usersTTL, err := nonNegativeInt(KeyUsersCacheTTL, DefaultUsersCacheTTLSeconds)
	if err != nil {
		return Config{}, err
	}
	cfg.UsersCacheTTL = time.Duration(usersTTL) * time.Second

	return cfg, nil
}

// IsDevelopment reports if APP_ENV is development.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == EnvDevelopment
}

// Admins returns the de-duplicated admin set, owner included.
func (c Config) Admins() []int64 {
	seen := make(map[int64]struct{}, len(c.AdminIDs)+1)
	out := make([]int64, 0, len(c.AdminIDs)+1)
	for _, id := range append([]int64{c.BotOwnerID}, c.AdminIDs...) {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FormatRedacted renders the resolved configuration with secrets masked.
func FormatRedacted(cfg Config) string {
	lines := []string{
		"app_env: " + cfg.AppEnv,
		"log_level: " + cfg.LogLevel,
		"http_port: " + strconv.Itoa(cfg.HTTPPort),
		"telegram_token: " + redactToken(cfg.TelegramToken),
		"bot_owner: " + strconv.FormatInt(cfg.BotOwnerID, 10),
		"admin_ids: " + joinIDs(cfg.AdminIDs),
		"mongo_uri: " + redactMongoURI(cfg.MongoURI),
		"mongo_db: " + cfg.MongoDB,
		fmt.Sprintf("mongo_pool: max=%d min=%d idle=%s wait=%s", cfg.MongoPool.MaxSize, cfg.MongoPool.MinSize, cfg.MongoPool.MaxIdle, cfg.MongoPool.WaitQueueTimeout),
		"stats_cache_ttl: " + cfg.StatsCacheTTL.String(),
		"users_cache_ttl: " + cfg.UsersCacheTTL.String(),
		"export_dir: " + cfg.ExportDir,
	}

	return strings.Join(lines, "\n")
}

func resolveAppEnv() (string, error) {
	if explicit := normalizeEnv(os.Getenv(KeyAppEnv)); explicit != "" {
		return explicit, nil
	}

	dotEnvValues, err := godotenv.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultAppEnv, nil
		}
		return "", fmt.Errorf("read .env: %w", err)
	}

	if envFromFile := normalizeEnv(dotEnvValues[KeyAppEnv]); envFromFile != "" {
		return envFromFile, nil
	}

	return DefaultAppEnv, nil
}

func loadDotEnv(appEnv string) error {
	if appEnv != EnvDevelopment {
		return nil
	}

	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}

	return nil
}

func validateAppEnv(appEnv string) error {
	if appEnv == EnvDevelopment || appEnv == EnvProduction {
		return nil
	}

	return fmt.Errorf("invalid %s: must be %q or %q", KeyAppEnv, EnvDevelopment, EnvProduction)
}

func validateMongoURI(raw string) error {
	if strings.HasPrefix(raw, "mongodb://") || strings.HasPrefix(raw, "mongodb+srv://") {
		return nil
	}

	return fmt.Errorf("invalid %s: must start with mongodb:// or mongodb+srv://", KeyMongoURI)
}

func parseAdminIDs(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", KeyAdminIDs, err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

func positiveInt(key string, fallback int) (int, error) {
	value, err := intFromEnv(key, fallback)
	if err != nil {
		return 0, err
	}
	if value <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}
	return value, nil
}

func nonNegativeInt(key string, fallback int) (int, error) {
	value, err := intFromEnv(key, fallback)
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return value, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return value, nil
}

func redactToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return "...redacted"
	}
	return token[:4] + "...redacted"
}

func redactMongoURI(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "redacted"
	}
	parsed.User = nil
	return parsed.String()
}

func joinIDs(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}

func normalizeEnv(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}
