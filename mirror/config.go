package mirror

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pagemirror/internal/store"
	"pagemirror/internal/urlx"
)

// Config carries the domain lists and network settings of a run. The two
// domain lists have separate roles and are never used for each other.
type Config struct {
	// LocalizeDomains are hosts whose resources are downloaded and whose
	// literal URLs may not survive in the output.
	LocalizeDomains []string `yaml:"localize_domains"`
	// HintDomains are hosts whose preconnect/dns-prefetch/preload hints are
	// dropped because the mirror never contacts them.
	HintDomains []string `yaml:"hint_domains"`

	Timeout      time.Duration     `yaml:"timeout"`
	UserAgent    string            `yaml:"user_agent"`
	Headers      map[string]string `yaml:"headers"`
	RateLimit    float64           `yaml:"rate_limit"`
	MaxBodyBytes int64             `yaml:"max_body_bytes"`
}

// DefaultConfig returns the built-in domain lists and network defaults.
func DefaultConfig() Config {
	return Config{
		LocalizeDomains: []string{
			"ladicdn.com", "w.ladicdn.com", "s.ladicdn.com",
			"cdn.ladicdn.com", "static.ladipage.net",
			"a.ladipage.com", "api1.ldpform.com", "api.sales.ldpform.net",
		},
		HintDomains: []string{
			"ladicdn.com", "ladipage.com", "ldpform.com", "ldpform.net",
			"fonts.googleapis.com", "fonts.gstatic.com",
		},
		Timeout:   store.DefaultTimeout,
		UserAgent: store.DefaultUserAgent,
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Lists present in the
// file replace the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// IsLocalizeDomain reports whether rawURL's host is a localize domain.
func (c Config) IsLocalizeDomain(rawURL string) bool {
	return urlx.MatchDomain(rawURL, c.LocalizeDomains)
}

// IsHintDomain reports whether rawURL's host is a hint domain.
func (c Config) IsHintDomain(rawURL string) bool {
	return urlx.MatchDomain(rawURL, c.HintDomains)
}

func (c Config) fetcherOptions() store.FetcherOptions {
	return store.FetcherOptions{
		Timeout:      c.Timeout,
		UserAgent:    c.UserAgent,
		Headers:      c.Headers,
		RateLimit:    c.RateLimit,
		MaxBodyBytes: c.MaxBodyBytes,
	}
}

// ValidateEntryURL checks that raw is an absolute http(s) URL.
func ValidateEntryURL(raw string) (*url.URL, error) {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return u, nil
}

// DefaultOutputDir derives an output root from the entry URL's host,
// replacing ':' so that host:port stays a valid directory name everywhere.
func DefaultOutputDir(entryURL string) string {
	u, err := url.Parse(entryURL)
	if err != nil || u.Host == "" {
		return "mirror"
	}
	return strings.ReplaceAll(u.Host, ":", "_")
}
