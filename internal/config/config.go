package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/gateway.ini"
	envPrefix        = "CREDITGW_"
	dotEnvFile       = ".env"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// Config describes runtime options shared by creditd and creditctl.
type Config struct {
	Environment string
	HTTPAddress string
	LogFile     string
	LogLevel    string

	ProxyPrefix    string
	APIKeyHeader   string
	MaxRequestBody int64

	LedgerDriver string
	LedgerDSN    string
	AuditDriver  string
	AuditDSN     string

	AuditAsync         bool
	AuditBatchSize     int
	AuditFlushInterval time.Duration
	AuditBuffer        int

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	UpstreamBaseURL    string
	UpstreamAPIKey     string
	UpstreamAuthHeader string
	UpstreamAuthScheme string
	UpstreamTimeout    time.Duration

	DefaultRequestCost decimal.Decimal
}

// Load reads config/setting.ini, merges the active environment's
// gateway.ini over it and applies CREDITGW_* environment overrides. A .env
// file in root seeds variables that are not already set.
func Load(root string) (Config, error) {
	if root == "" {
		root = "."
	}
	if err := loadDotEnv(filepath.Join(root, dotEnvFile)); err != nil {
		return Config{}, err
	}
	s, err := loadSettings(root)
	if err != nil {
		return Config{}, err
	}
	env := firstNonEmpty(os.Getenv(envPrefix+"ENVIRONMENT"), s.Environment)

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, env)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return Config{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	get := func(key string, fallback ...string) string {
		values := append([]string{os.Getenv(envPrefix + strings.ToUpper(key)), merged[key]}, fallback...)
		return strings.TrimSpace(firstNonEmpty(values...))
	}

	cfg := Config{
		Environment:        env,
		HTTPAddress:        get("http_address", ":8080"),
		LogFile:            get("log_file"),
		LogLevel:           strings.ToLower(get("log_level", "info")),
		ProxyPrefix:        "/" + strings.Trim(get("proxy_prefix", "/api/proxy"), "/"),
		APIKeyHeader:       get("api_key_header", "X-API-Key"),
		LedgerDriver:       strings.ToLower(get("ledger_driver", "sqlite")),
		LedgerDSN:          get("ledger_dsn", DefaultLedgerPath()),
		AuditDriver:        strings.ToLower(get("audit_driver", "sqlite")),
		AuditDSN:           get("audit_dsn", DefaultAuditPath()),
		AuditAsync:         parseOptionalBool(get("audit_async"), false),
		AuditBatchSize:     parseOptionalInt(get("audit_batch_size"), 100),
		AuditBuffer:        parseOptionalInt(get("audit_buffer"), 10000),
		DBMaxOpenConns:     parseOptionalInt(get("db_max_open_conns"), 25),
		DBMaxIdleConns:     parseOptionalInt(get("db_max_idle_conns"), 5),
		UpstreamBaseURL:    get("upstream_base_url"),
		UpstreamAPIKey:     get("upstream_api_key"),
		UpstreamAuthHeader: get("upstream_auth_header", "Authorization"),
		UpstreamAuthScheme: get("upstream_auth_scheme", "Bearer"),
	}
	if strings.EqualFold(get("upstream_auth_scheme"), "none") {
		cfg.UpstreamAuthScheme = ""
	}

	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"audit_flush_interval", "1s", &cfg.AuditFlushInterval},
		{"db_conn_max_lifetime", "5m", &cfg.DBConnMaxLifetime},
		{"upstream_timeout", "30s", &cfg.UpstreamTimeout},
	}
	for _, d := range durations {
		v := get(d.key, d.fallback)
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", d.key, v, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q: must be positive", d.key, v)
		}
		*d.dst = parsed
	}

	if v := get("max_request_body", "10485760"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed <= 0 {
			return Config{}, fmt.Errorf("invalid max_request_body %q", v)
		}
		cfg.MaxRequestBody = parsed
	}

	cost := get("default_request_cost", "0.01")
	parsed, err := decimal.NewFromString(cost)
	if err != nil {
		return Config{}, fmt.Errorf("invalid default_request_cost %q: %w", cost, err)
	}
	if parsed.IsNegative() {
		return Config{}, fmt.Errorf("invalid default_request_cost %q: must not be negative", cost)
	}
	cfg.DefaultRequestCost = parsed

	for _, drv := range []struct{ key, value string }{{"ledger_driver", cfg.LedgerDriver}, {"audit_driver", cfg.AuditDriver}} {
		switch drv.value {
		case "sqlite", "postgres":
		default:
			return Config{}, fmt.Errorf("invalid %s %q: want sqlite or postgres", drv.key, drv.value)
		}
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultLedgerPath returns the fallback ledger location under the user's home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".creditgw", "ledger.db")
}

// DefaultAuditPath returns the fallback audit database path.
func DefaultAuditPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "audit.db"
	}
	return filepath.Join(home, ".creditgw", "audit.db")
}
