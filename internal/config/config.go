// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Captcha   CaptchaConfig   `mapstructure:"captcha"`
	Portal    PortalConfig    `mapstructure:"portal"`
	Search    SearchConfig    `mapstructure:"search"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Publish   PublishConfig   `mapstructure:"publish"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// LogConfig toggles zap development features.
type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// StoreConfig selects the relational store.
type StoreConfig struct {
	// Driver is one of postgres, sqlite or memory.
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// LedgerConfig locates the category ledger.
type LedgerConfig struct {
	Path string `mapstructure:"path"`
	// Seeds are appended at startup so a fresh ledger has work to do.
	Seeds []string `mapstructure:"seeds"`
}

// BrowserConfig configures the headless Chrome session.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless"`
	ExecPath          string        `mapstructure:"exec_path"`
	UserAgent         string        `mapstructure:"user_agent"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	DownloadTimeout   time.Duration `mapstructure:"download_timeout"`
	DownloadDir       string        `mapstructure:"download_dir"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// CaptchaConfig controls the gate and its OCR oracle.
type CaptchaConfig struct {
	MinConfidence  float64       `mapstructure:"min_confidence"`
	SettleTimeout  time.Duration `mapstructure:"settle_timeout"`
	FailurePhrases []string      `mapstructure:"failure_phrases"`
	Oracle         OracleConfig  `mapstructure:"oracle"`
}

// OracleConfig points at the OCR service.
type OracleConfig struct {
	Endpoint           string        `mapstructure:"endpoint"`
	APIKey             string        `mapstructure:"api_key"`
	Timeout            time.Duration `mapstructure:"timeout"`
	BreakerMaxFailures uint32        `mapstructure:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout"`
}

// PortalConfig holds the portal URL and every selector the phases touch.
type PortalConfig struct {
	SearchURL string          `mapstructure:"search_url"`
	Category  CategorySelects `mapstructure:"category"`
	Dates     DateSelects     `mapstructure:"dates"`
	Results   ResultSelects   `mapstructure:"results"`
	Gate      GateSelects     `mapstructure:"gate"`
	Detail    DetailSelects   `mapstructure:"detail"`
}

// CategorySelects locate the category dropdown.
type CategorySelects struct {
	Dropdown string `mapstructure:"dropdown"`
	Search   string `mapstructure:"search"`
	Options  string `mapstructure:"options"`
}

// DateSelects locate the contract date range inputs.
type DateSelects struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

// ResultSelects locate the result card fields.
type ResultSelects struct {
	BidNumber     string `mapstructure:"bid_number"`
	ItemTitle     string `mapstructure:"item_title"`
	Quantity      string `mapstructure:"quantity"`
	TotalValue    string `mapstructure:"total_value"`
	Buyer         string `mapstructure:"buyer"`
	BuyingMode    string `mapstructure:"buying_mode"`
	ContractDate  string `mapstructure:"contract_date"`
	OrderStatus   string `mapstructure:"order_status"`
	NoResults     string `mapstructure:"no_results"`
	NoResultsText string `mapstructure:"no_results_text"`
}

// FormSelects locate one CAPTCHA form.
type FormSelects struct {
	Image  string   `mapstructure:"image"`
	Input  string   `mapstructure:"input"`
	Submit string   `mapstructure:"submit"`
	Errors []string `mapstructure:"errors"`
}

// GateSelects hold the search-level and detail-level CAPTCHA forms.
type GateSelects struct {
	Search FormSelects `mapstructure:"search"`
	Detail FormSelects `mapstructure:"detail"`
}

// DetailSelects locate the bid lookup and download controls.
type DetailSelects struct {
	BidInput string `mapstructure:"bid_input"`
	Download string `mapstructure:"download"`
	Dismiss  string `mapstructure:"dismiss"`
}

// SearchConfig controls Phase 1.
type SearchConfig struct {
	DateWindowDays int           `mapstructure:"date_window_days"`
	DateLayout     string        `mapstructure:"date_layout"`
	TimeZone       string        `mapstructure:"time_zone"`
	ResultsTimeout time.Duration `mapstructure:"results_timeout"`
}

// QueueConfig controls the retry budget.
type QueueConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// FetchConfig controls Phase 2.
type FetchConfig struct {
	MaxPasses   int           `mapstructure:"max_passes"`
	CardTimeout time.Duration `mapstructure:"card_timeout"`
}

// ArtifactsConfig sets where downloaded documents live.
type ArtifactsConfig struct {
	Dir         string `mapstructure:"dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	GCSPrefix   string `mapstructure:"gcs_prefix"`
	ContentType string `mapstructure:"content_type"`
}

// ExtractConfig controls Phase 3.
type ExtractConfig struct {
	JSONDir    string `mapstructure:"json_dir"`
	ReportPath string `mapstructure:"report_path"`
	// Workers sizes the extraction pool; zero means GOMAXPROCS.
	Workers int `mapstructure:"workers"`
}

// PublishConfig holds Pub/Sub metadata for seller records.
type PublishConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// MetricsConfig controls the optional metrics server.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CONTRACTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.development", true)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "data/contracts.db")
	v.SetDefault("store.max_conns", 4)

	v.SetDefault("ledger.path", "data/categories.csv")
	v.SetDefault("ledger.seeds", []string{})

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "contract-harvester/0.1")
	v.SetDefault("browser.action_timeout", "15s")
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.download_timeout", "60s")
	v.SetDefault("browser.download_dir", "data/downloads")
	v.SetDefault("browser.requests_per_second", 0.5)
	v.SetDefault("browser.burst", 1)

	v.SetDefault("captcha.min_confidence", 0.55)
	v.SetDefault("captcha.settle_timeout", "4s")
	v.SetDefault("captcha.failure_phrases", []string{
		"Please enter correct Confirmation Code",
		"Please enter",
	})
	v.SetDefault("captcha.oracle.endpoint", "http://127.0.0.1:8866/solve")
	v.SetDefault("captcha.oracle.timeout", "20s")
	v.SetDefault("captcha.oracle.breaker_max_failures", 5)
	v.SetDefault("captcha.oracle.breaker_open_timeout", "30s")

	v.SetDefault("portal.search_url", "https://gem.gov.in/view_contracts")
	v.SetDefault("portal.category.dropdown", ".select2-selection")
	v.SetDefault("portal.category.search", "input.select2-search__field")
	v.SetDefault("portal.category.options", "li.select2-results__option:not(.select2-results__message)")
	v.SetDefault("portal.dates.from", "#from_date_contract_search1")
	v.SetDefault("portal.dates.to", "#to_date_contract_search1")
	v.SetDefault("portal.results.bid_number", "span.ajxtag_order_number")
	v.SetDefault("portal.results.item_title", "span.ajxtag_item_title")
	v.SetDefault("portal.results.quantity", "span.ajxtag_quantity")
	v.SetDefault("portal.results.total_value", "span.ajxtag_totalvalue")
	v.SetDefault("portal.results.buyer", "span.ajxtag_buyer_dept_org")
	v.SetDefault("portal.results.buying_mode", "span.ajxtag_buying_mode")
	v.SetDefault("portal.results.contract_date", "span.ajxtag_contract_date")
	v.SetDefault("portal.results.order_status", "span.ajxtag_order_status")
	v.SetDefault("portal.results.no_results", "div[style*='color:red']")
	v.SetDefault("portal.results.no_results_text", "No Result Found")
	v.SetDefault("portal.gate.search.image", "#captchaimg1")
	v.SetDefault("portal.gate.search.input", "#captcha_code1")
	v.SetDefault("portal.gate.search.submit", "#searchlocation1")
	v.SetDefault("portal.gate.search.errors", []string{"#pcaptcha_code1"})
	v.SetDefault("portal.gate.detail.image", "#captchaimg")
	v.SetDefault("portal.gate.detail.input", "#captcha_code")
	v.SetDefault("portal.gate.detail.submit", "#modelsbt")
	v.SetDefault("portal.gate.detail.errors", []string{"#pcaptcha_code1", "#pcaptcha_code"})
	v.SetDefault("portal.detail.bid_input", "#bno")
	v.SetDefault("portal.detail.download", "a#dwnbtn")
	v.SetDefault("portal.detail.dismiss", "button[data-dismiss='modal']")

	v.SetDefault("search.date_window_days", 2)
	v.SetDefault("search.date_layout", "02-01-2006")
	v.SetDefault("search.time_zone", "Asia/Kolkata")
	v.SetDefault("search.results_timeout", "20s")

	v.SetDefault("queue.max_attempts", 6)

	v.SetDefault("fetch.max_passes", 0)
	v.SetDefault("fetch.card_timeout", "20s")

	v.SetDefault("artifacts.dir", "data/ContractPDF")
	v.SetDefault("artifacts.gcs_prefix", "contracts")
	v.SetDefault("artifacts.content_type", "application/pdf")

	v.SetDefault("extract.json_dir", "data/extracted")
	v.SetDefault("extract.report_path", "data/seller_report.csv")
	v.SetDefault("extract.workers", 0)

	v.SetDefault("publish.enabled", false)
	v.SetDefault("publish.topic", "contract-sellers")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for driver %q", c.Store.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path must be set")
	}
	if c.Captcha.MinConfidence < 0 || c.Captcha.MinConfidence > 1 {
		return fmt.Errorf("captcha.min_confidence must be within [0,1]")
	}
	if c.Captcha.SettleTimeout <= 0 {
		return fmt.Errorf("captcha.settle_timeout must be > 0")
	}
	if c.Browser.ActionTimeout <= 0 || c.Browser.NavigationTimeout <= 0 {
		return fmt.Errorf("browser timeouts must be > 0")
	}
	if c.Browser.RequestsPerSecond < 0 {
		return fmt.Errorf("browser.requests_per_second must be >= 0")
	}
	if c.Portal.SearchURL == "" {
		return fmt.Errorf("portal.search_url must be set")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Search.DateWindowDays < 0 {
		return fmt.Errorf("search.date_window_days must be >= 0")
	}
	if c.Fetch.MaxPasses < 0 {
		return fmt.Errorf("fetch.max_passes must be >= 0")
	}
	if c.Artifacts.Dir == "" {
		return fmt.Errorf("artifacts.dir must be set")
	}
	if c.Extract.Workers < 0 {
		return fmt.Errorf("extract.workers must be >= 0")
	}
	if c.Publish.Enabled && (c.Publish.ProjectID == "" || c.Publish.Topic == "") {
		return fmt.Errorf("publish.project_id and publish.topic must be set when publishing is enabled")
	}
	return nil
}
