package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/polisai/bey-transport/pkg/domain"
)

// MtlsConfig is static per transport instance.
type MtlsConfig struct {
	Enabled               bool          `yaml:"enabled" json:"enabled"`
	CertificatesDir       string        `yaml:"certificates_dir" json:"certificates_dir"`
	EnableConfigCache     bool          `yaml:"enable_config_cache" json:"enable_config_cache"`
	ConfigCacheTTL        time.Duration `yaml:"config_cache_ttl" json:"config_cache_ttl"`
	MaxConfigCacheEntries int           `yaml:"max_config_cache_entries" json:"max_config_cache_entries"`
	DeviceIDPrefix        string        `yaml:"device_id_prefix" json:"device_id_prefix"`
	OrganizationName      string        `yaml:"organization_name" json:"organization_name"`
	CountryCode           string        `yaml:"country_code" json:"country_code"`
}

// DefaultMtlsConfig returns the documented defaults.
func DefaultMtlsConfig() MtlsConfig {
	return MtlsConfig{
		Enabled:               true,
		CertificatesDir:       "./certs",
		EnableConfigCache:     true,
		ConfigCacheTTL:        3600 * time.Second,
		MaxConfigCacheEntries: 100,
		DeviceIDPrefix:        "bey",
		OrganizationName:      "BEY",
		CountryCode:           "CN",
	}
}

// Validate checks cache bounds and identity metadata.
func (c *MtlsConfig) Validate() error {
	if c.ConfigCacheTTL <= 0 {
		return domain.NewError(domain.CodeInvalidCacheTTL, fmt.Sprintf("config_cache_ttl must be positive, got %s", c.ConfigCacheTTL)).
			WithContext("field", "config_cache_ttl")
	}
	if c.MaxConfigCacheEntries <= 0 {
		return invalidConfig("max_config_cache_entries", c.MaxConfigCacheEntries, "must be positive")
	}
	if strings.TrimSpace(c.DeviceIDPrefix) == "" {
		c.DeviceIDPrefix = "bey"
	}
	return nil
}

// LocalIdentity returns the certificate identity used for deviceID.
func (c MtlsConfig) LocalIdentity(deviceID string) string {
	prefix := strings.TrimSpace(c.DeviceIDPrefix)
	if prefix == "" {
		return deviceID
	}
	return prefix + "-" + deviceID
}
