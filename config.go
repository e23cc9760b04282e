package ldapcache

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/ldap-cache/ldap-cache/directory"

	"github.com/rs/zerolog/log"

	"gopkg.in/yaml.v3"
)

// filterPlaceholder marks where the caller-supplied name is substituted
// into an endpoint's search filter.
const filterPlaceholder = "{}"

// ResultProcessingDnTranslation treats every value of the primary search
// as a DN and fetches a different attribute from that entry.
const ResultProcessingDnTranslation = "dn_translation"

type Config struct {
	Ldap      LdapConfig       `yaml:"ldap"`
	Server    ServerConfig     `yaml:"server"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

type LdapConfig struct {
	URL          string `yaml:"url"`
	BindDn       string `yaml:"bind_dn"`
	BindPassword string `yaml:"bind_password"`
}

type ServerConfig struct {
	ListenAddr          string `yaml:"listen_addr"`
	RefreshIntervalSecs int    `yaml:"refresh_interval_secs"`
}

// RefreshInterval is the period of the background refresh cycle.
func (s ServerConfig) RefreshInterval() time.Duration {
	return time.Duration(s.RefreshIntervalSecs) * time.Second
}

// EndpointConfig describes one queryable entity class exposed as one
// HTTP path. The set of endpoints is fixed at process start.
type EndpointConfig struct {
	Path             string            `yaml:"path"`
	SearchBase       string            `yaml:"search_base"`
	SearchFilter     string            `yaml:"search_filter"`
	SearchScope      string            `yaml:"search_scope"`
	Attribute        string            `yaml:"attribute"`
	ResultProcessing *ResultProcessing `yaml:"result_processing"`
}

type ResultProcessing struct {
	Type      string `yaml:"type"`
	Attribute string `yaml:"attribute"`
}

func (l LdapConfig) validate() error {
	if l.URL == "" {
		return fmt.Errorf("ldap url cannot be empty")
	}
	if !strings.HasPrefix(l.URL, "ldap://") && !strings.HasPrefix(l.URL, "ldaps://") {
		return fmt.Errorf("ldap url must start with 'ldap://' or 'ldaps://'")
	}
	if l.BindDn == "" {
		return fmt.Errorf("ldap bind dn cannot be empty")
	}
	if l.BindPassword == "" {
		return fmt.Errorf("ldap bind password cannot be empty")
	}
	return nil
}

func (s ServerConfig) validate() error {
	if s.ListenAddr == "" {
		return fmt.Errorf("server listen address cannot be empty")
	}
	if s.RefreshIntervalSecs < 1 {
		return fmt.Errorf("refresh interval must be at least 1 second")
	}
	if s.RefreshIntervalSecs > 86400 {
		return fmt.Errorf("refresh interval cannot exceed 24 hours (86400 seconds)")
	}
	return nil
}

func (e EndpointConfig) validate(index int) error {
	if e.Path == "" {
		return fmt.Errorf("endpoint %d: path cannot be empty", index)
	}
	if !strings.HasPrefix(e.Path, "/") {
		return fmt.Errorf("endpoint %d: path must start with '/'", index)
	}
	if e.SearchBase == "" {
		return fmt.Errorf("endpoint %d: search_base cannot be empty", index)
	}
	if e.SearchFilter == "" {
		return fmt.Errorf("endpoint %d: search_filter cannot be empty", index)
	}
	if strings.Count(e.SearchFilter, filterPlaceholder) != 1 {
		return fmt.Errorf("endpoint %d: search_filter must contain the '%s' placeholder exactly once",
			index, filterPlaceholder)
	}
	if _, err := directory.ParseScope(e.SearchScope); err != nil {
		return fmt.Errorf("endpoint %d: %s", index, err)
	}
	if e.Attribute == "" {
		return fmt.Errorf("endpoint %d: attribute cannot be empty", index)
	}
	if e.ResultProcessing != nil {
		return e.ResultProcessing.validate(index)
	}
	return nil
}

func (p ResultProcessing) validate(index int) error {
	if p.Type != ResultProcessingDnTranslation {
		return fmt.Errorf("endpoint %d: result_processing.type must be one of: %s",
			index, ResultProcessingDnTranslation)
	}
	if p.Attribute == "" {
		return fmt.Errorf("endpoint %d: result_processing.attribute cannot be empty", index)
	}
	return nil
}

func (c Config) validate() error {
	if err := c.Ldap.validate(); err != nil {
		return err
	}
	if err := c.Server.validate(); err != nil {
		return err
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("no endpoints configured, at least one is required")
	}
	paths := make(map[string]bool)
	for i, endpoint := range c.Endpoints {
		if err := endpoint.validate(i); err != nil {
			return err
		}
		if paths[endpoint.Path] {
			return fmt.Errorf("duplicate endpoint path: %s", endpoint.Path)
		}
		paths[endpoint.Path] = true
	}
	return nil
}

// checkConfigPermissions refuses config files that anyone but root can
// read, since the file carries the directory bind password. Setting
// DONTBLAMEME=1 skips the check for development.
func checkConfigPermissions(filename string) error {
	if os.Getenv("DONTBLAMEME") == "1" {
		log.Warn().Msg("DONTBLAMEME=1 set, skipping config file permission checks")
		return nil
	}
	info, err := os.Stat(filename)
	if err != nil {
		return fmt.Errorf("could not stat config file: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o, must be 0600 or more restrictive",
			filename, mode)
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok && stat.Uid != 0 {
		return fmt.Errorf("config file %s is not owned by root (uid %d)", filename, stat.Uid)
	}
	return nil
}

// LoadConfig reads, permission-checks, and validates the daemon config.
func LoadConfig(filename string) (Config, error) {
	var config Config
	if err := checkConfigPermissions(filename); err != nil {
		return config, err
	}
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, fmt.Errorf("could not read config file: %w", err)
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, fmt.Errorf("could not parse config file: %w", err)
	}
	if err := config.validate(); err != nil {
		return config, err
	}
	return config, nil
}
