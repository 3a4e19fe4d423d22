package config

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
}

// TLSConfig enables TLS termination on the HTTP listener.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version,omitempty" json:"min_version,omitempty"`
}

// ParseTLSVersion maps "1.2" or "1.3" onto its crypto/tls constant. An empty
// version is 1.2; older protocol versions are refused.
func ParseTLSVersion(version string) (uint16, error) {
	switch strings.TrimSpace(version) {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q, supported versions: 1.2, 1.3", version)
	}
}

// Validate checks that an enabled listener has a key pair.
func (c *TLSConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.CertFile) == "" {
		return &ConfigError{Field: "cert_file", Reason: "required when tls is enabled"}
	}
	if strings.TrimSpace(c.KeyFile) == "" {
		return &ConfigError{Field: "key_file", Reason: "required when tls is enabled"}
	}
	if _, err := ParseTLSVersion(c.MinVersion); err != nil {
		return &ConfigError{Field: "min_version", Value: c.MinVersion, Reason: err.Error()}
	}
	return nil
}

// ServerTLSConfig loads the key pair. It returns nil when TLS is disabled.
func (c *TLSConfig) ServerTLSConfig() (*tls.Config, error) {
	if c == nil || !c.Enabled {
		return nil, nil
	}
	minVersion, err := ParseTLSVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}, nil
}
