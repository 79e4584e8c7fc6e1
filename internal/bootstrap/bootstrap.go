package bootstrap

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tokligence/credit-gateway/internal/config"
	"github.com/tokligence/credit-gateway/internal/pricing"
)

// InitOptions configures the bootstrap process for generating config files.
type InitOptions struct {
	Root         string
	Environment  string
	HTTPAddress  string
	UpstreamURL  string
	LedgerDriver string
	LedgerDSN    string
	AuditDSN     string
	RequestCost  decimal.Decimal
	Force        bool
}

// Init scaffolds config/setting.ini and config/<env>/gateway.ini.
func Init(opts InitOptions) error {
	applyDefaults(&opts)
	if err := Validate(opts); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(opts.Root, "config", opts.Environment), 0o755); err != nil {
		return err
	}
	settingPath := filepath.Join(opts.Root, "config", "setting.ini")
	if err := writeFile(settingPath, settingTemplate(opts), opts.Force); err != nil {
		return err
	}
	gatewayPath := filepath.Join(opts.Root, "config", opts.Environment, "gateway.ini")
	return writeFile(gatewayPath, gatewayTemplate(opts), opts.Force)
}

func applyDefaults(opts *InitOptions) {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.Environment) == "" {
		opts.Environment = "dev"
	}
	if strings.TrimSpace(opts.HTTPAddress) == "" {
		opts.HTTPAddress = ":8080"
	}
	if strings.TrimSpace(opts.LedgerDriver) == "" {
		opts.LedgerDriver = "sqlite"
	}
	if strings.TrimSpace(opts.LedgerDSN) == "" && opts.LedgerDriver == "sqlite" {
		opts.LedgerDSN = config.DefaultLedgerPath()
	}
	if strings.TrimSpace(opts.AuditDSN) == "" && opts.LedgerDriver == "sqlite" {
		opts.AuditDSN = config.DefaultAuditPath()
	}
	if opts.RequestCost.IsZero() {
		opts.RequestCost = decimal.RequireFromString("0.01")
	}
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(contents), 0o600)
}

func settingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Credit gateway settings
environment=%s
log_level=info
proxy_prefix=/api/proxy
api_key_header=X-API-Key
`, opts.Environment)
}

func gatewayTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Environment specific overrides for %s
http_address=%s
# Dash '-' disables file output.
log_file=logs/creditd.log
upstream_base_url=%s
# upstream_api_key is best supplied as CREDITGW_UPSTREAM_API_KEY
upstream_auth_header=Authorization
upstream_auth_scheme=Bearer
upstream_timeout=30s
ledger_driver=%s
ledger_dsn=%s
audit_driver=%s
audit_dsn=%s
audit_async=false
default_request_cost=%s
`, opts.Environment, opts.HTTPAddress, opts.UpstreamURL, opts.LedgerDriver, opts.LedgerDSN,
		opts.LedgerDriver, opts.AuditDSN, pricing.Format(opts.RequestCost))
}

// Validate checks the options without touching the filesystem.
func Validate(opts InitOptions) error {
	applyDefaults(&opts)
	if opts.LedgerDriver != "sqlite" && opts.LedgerDriver != "postgres" {
		return fmt.Errorf("unsupported ledger driver %q", opts.LedgerDriver)
	}
	if opts.LedgerDriver == "postgres" && (opts.LedgerDSN == "" || opts.AuditDSN == "") {
		return errors.New("postgres requires both ledger and audit DSNs")
	}
	if opts.RequestCost.IsNegative() {
		return errors.New("request cost must not be negative")
	}
	if raw := strings.TrimSpace(opts.UpstreamURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("upstream url %q must be absolute", raw)
		}
	}
	return nil
}
