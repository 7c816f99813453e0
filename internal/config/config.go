// Package config loads the application configuration and fund watchlist
// from YAML, with environment overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/fundtrack/fundtrack/internal/domain/holdings"
)

// EdgarConfig controls the SEC EDGAR client.
type EdgarConfig struct {
	// UserAgent is required by SEC fair access policy and must identify
	// the operator with a contact address.
	UserAgent    string  `yaml:"user_agent"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	MaxRetries   int     `yaml:"max_retries"`
}

// FigiConfig controls CUSIP resolution via OpenFIGI.
type FigiConfig struct {
	// APIKey is optional; without it OpenFIGI enforces much lower batch
	// sizes and request rates.
	APIKey string `yaml:"api_key"`
}

// ProviderConfig selects the market data provider by name. Providers are
// statically enumerated in the registry; there is no runtime discovery.
type ProviderConfig struct {
	Name string `yaml:"name"`
}

// DatabaseConfig controls the Postgres connection.
type DatabaseConfig struct {
	DSN            string `yaml:"dsn"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-query timeout.
func (d DatabaseConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// RedisConfig controls the derived-result cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	TTLHours int    `yaml:"ttl_hours"`
}

// TTL returns the cache entry lifetime.
func (r RedisConfig) TTL() time.Duration {
	return time.Duration(r.TTLHours) * time.Hour
}

// HTTPConfig controls the JSON API server.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// AnalysisConfig carries every analysis threshold in one place.
type AnalysisConfig struct {
	MinWindow           int     `yaml:"min_window"`
	WindowSize          int     `yaml:"window_size"`
	ConsensusThreshold  int     `yaml:"consensus_threshold"`
	AddThreshold        float64 `yaml:"add_threshold"`
	TrimThreshold       float64 `yaml:"trim_threshold"`
	TopNConcentration   int     `yaml:"top_n_concentration"`
	TopFindings         int     `yaml:"top_findings"`
	SharedHoldingsTopK  int     `yaml:"shared_holdings_top_k"`
	WidelyHeldTopN      int     `yaml:"widely_held_top_n"`
	StaleFilingDays     int     `yaml:"stale_filing_days"`
	SurpriseAggregation string  `yaml:"surprise_aggregation"`
	Workers             int     `yaml:"workers"`
}

// Config is the root application configuration.
type Config struct {
	Edgar    EdgarConfig    `yaml:"edgar"`
	Figi     FigiConfig     `yaml:"openfigi"`
	Provider ProviderConfig `yaml:"provider"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	HTTP     HTTPConfig     `yaml:"http"`
	Analysis AnalysisConfig `yaml:"analysis"`

	WatchlistPath string `yaml:"watchlist_path"`
	ThemesPath    string `yaml:"themes_path"`
}

// Default returns the built-in configuration. Values match the product
// defaults: four trailing quarters minimum for baselines, three funds for
// consensus, 50%/60% add/trim thresholds, top 20 findings.
func Default() Config {
	return Config{
		Edgar: EdgarConfig{
			UserAgent:    "fundtrack contact@example.com",
			RateLimitRPS: 5.0,
			MaxRetries:   4,
		},
		Provider: ProviderConfig{Name: "yahoo"},
		Database: DatabaseConfig{
			DSN:            "postgres://localhost:5432/fundtrack?sslmode=disable",
			TimeoutSeconds: 30,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			TTLHours: 24,
		},
		HTTP: HTTPConfig{Listen: ":8086"},
		Analysis: AnalysisConfig{
			MinWindow:           4,
			WindowSize:          8,
			ConsensusThreshold:  3,
			AddThreshold:        0.50,
			TrimThreshold:       0.60,
			TopNConcentration:   10,
			TopFindings:         20,
			SharedHoldingsTopK:  10,
			WidelyHeldTopN:      20,
			StaleFilingDays:     50,
			SurpriseAggregation: "max_abs",
			Workers:             4,
		},
		WatchlistPath: "config/watchlist.yaml",
		ThemesPath:    "config/themes.yaml",
	}
}

// Load reads the configuration file, layering it over the defaults, and
// then applies environment overrides for secrets.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FUNDTRACK_EDGAR_USER_AGENT"); v != "" {
		cfg.Edgar.UserAgent = v
	}
	if v := os.Getenv("FUNDTRACK_OPENFIGI_API_KEY"); v != "" {
		cfg.Figi.APIKey = v
	}
	if v := os.Getenv("FUNDTRACK_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("FUNDTRACK_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Edgar.UserAgent == "" {
		return fmt.Errorf("config: edgar.user_agent is required by SEC fair access policy")
	}
	if c.Edgar.RateLimitRPS <= 0 || c.Edgar.RateLimitRPS > 10 {
		return fmt.Errorf("config: edgar.rate_limit_rps %.1f outside (0, 10]", c.Edgar.RateLimitRPS)
	}
	if c.Analysis.MinWindow < 1 {
		return fmt.Errorf("config: analysis.min_window must be at least 1")
	}
	if c.Analysis.WindowSize < c.Analysis.MinWindow {
		return fmt.Errorf("config: analysis.window_size %d below min_window %d",
			c.Analysis.WindowSize, c.Analysis.MinWindow)
	}
	if c.Analysis.ConsensusThreshold < 2 {
		return fmt.Errorf("config: analysis.consensus_threshold must be at least 2")
	}
	if c.Analysis.AddThreshold <= 0 || c.Analysis.TrimThreshold <= 0 {
		return fmt.Errorf("config: add/trim thresholds must be positive")
	}
	if c.Analysis.Workers < 1 {
		return fmt.Errorf("config: analysis.workers must be at least 1")
	}
	return nil
}

// Watchlist is the static set of tracked funds.
type Watchlist struct {
	Funds []holdings.FundInfo `yaml:"funds"`
}

// ByCIK returns the watchlist indexed by fund CIK.
func (w *Watchlist) ByCIK() map[string]holdings.FundInfo {
	out := make(map[string]holdings.FundInfo, len(w.Funds))
	for _, f := range w.Funds {
		out[f.CIK] = f
	}
	return out
}

// LoadWatchlist reads and validates the fund watchlist YAML.
func LoadWatchlist(path string) (*Watchlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read watchlist: %w", err)
	}
	var w Watchlist
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to parse watchlist YAML: %w", err)
	}
	seen := make(map[string]bool, len(w.Funds))
	for _, f := range w.Funds {
		if f.CIK == "" || f.Name == "" {
			return nil, fmt.Errorf("watchlist: fund entries require name and cik")
		}
		if !f.Tier.Valid() {
			return nil, fmt.Errorf("watchlist: fund %s has unknown tier %q", f.Name, f.Tier)
		}
		if seen[f.CIK] {
			return nil, fmt.Errorf("watchlist: duplicate CIK %s", f.CIK)
		}
		seen[f.CIK] = true
	}
	return &w, nil
}

// Themes maps thematic labels to member tickers, for report grouping.
type Themes struct {
	Themes []struct {
		Name    string   `yaml:"name"`
		Tickers []string `yaml:"tickers"`
	} `yaml:"themes"`
}

// ByTicker inverts the theme list into a ticker to theme-names map.
func (t *Themes) ByTicker() map[string][]string {
	out := make(map[string][]string)
	for _, th := range t.Themes {
		for _, ticker := range th.Tickers {
			out[ticker] = append(out[ticker], th.Name)
		}
	}
	return out
}

// LoadThemes reads the theme YAML. A missing file is not an error: themes
// are presentation sugar.
func LoadThemes(path string) (*Themes, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Themes{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read themes: %w", err)
	}
	var t Themes
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse themes YAML: %w", err)
	}
	return &t, nil
}
