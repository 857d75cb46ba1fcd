package replication

import (
	"fmt"
	"regexp"
	"time"
)

// portIDFormat matches the array's FC port identifiers, e.g. "I0040".
var portIDFormat = regexp.MustCompile(`^I[0-9a-fA-F]{4}$`)

// ArrayConfig describes the connection to one physical array.
type ArrayConfig struct {
	// BackendID is the operator-assigned identifier of the array.
	BackendID string `yaml:"backend_id"`

	// Endpoint is the base URL of the array's REST control plane.
	Endpoint string `yaml:"endpoint"`

	// Username and Password authenticate against the control plane.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// VerifyTLS enables certificate verification on the endpoint.
	VerifyTLS bool `yaml:"verify_tls"`

	// ReservedGroupLSS lists the LSS IDs set aside for consistency group
	// volumes on this array. Both arrays must reserve the same count.
	ReservedGroupLSS []string `yaml:"reserved_group_lss"`
}

// Config describes one replication-capable backend: the primary array and a
// single replication target.
type Config struct {
	Primary ArrayConfig `yaml:"primary"`
	Target  ArrayConfig `yaml:"target"`

	// ConnectionType selects the volume addressing scheme, "fb" or "ckd".
	ConnectionType string `yaml:"connection_type"`

	// PortPairs optionally pins the physical FC port pairs used for
	// replication. When empty the port pairs are auto-selected from the
	// discovered physical links.
	PortPairs []PortPair `yaml:"port_pairs"`

	// PollInterval is the delay between successive copy state polls.
	PollInterval time.Duration `yaml:"-"`
}

// UnmarshalYAML decodes the configuration, accepting the poll interval in
// Go duration notation ("3s", "500ms").
func (c *Config) UnmarshalYAML(unmarshal func(any) error) error {
	type rawConfig Config

	var raw struct {
		rawConfig    `yaml:",inline"`
		PollInterval string `yaml:"poll_interval"`
	}

	err := unmarshal(&raw)
	if err != nil {
		return err
	}

	*c = Config(raw.rawConfig)

	if raw.PollInterval != "" {
		c.PollInterval, err = time.ParseDuration(raw.PollInterval)
		if err != nil {
			return fmt.Errorf("Invalid poll interval %q: %w", raw.PollInterval, err)
		}
	}

	return nil
}

// fillDefaults populates unset configuration values.
func (c *Config) fillDefaults() {
	if c.ConnectionType == "" {
		c.ConnectionType = ConnTypeFB
	}

	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
}

// Validate checks the configuration for operator mistakes. Validation
// failures are configuration errors and are never retried.
func (c *Config) Validate() error {
	checks := []struct {
		name  string
		check func() error
	}{
		{"connection_type", func() error {
			if c.ConnectionType != ConnTypeFB && c.ConnectionType != ConnTypeCKD {
				return fmt.Errorf("Must be %q or %q, got %q", ConnTypeFB, ConnTypeCKD, c.ConnectionType)
			}

			return nil
		}},
		{"primary", func() error { return c.Primary.validate() }},
		{"target", func() error { return c.Target.validate() }},
		{"target.backend_id", func() error {
			if c.Primary.BackendID == c.Target.BackendID {
				return fmt.Errorf("Primary and target must use distinct backend IDs")
			}

			return nil
		}},
		{"port_pairs", func() error {
			for _, pair := range c.PortPairs {
				if !portIDFormat.MatchString(pair.SourcePortID) || !portIDFormat.MatchString(pair.TargetPortID) {
					return fmt.Errorf("Invalid port pair %s:%s", pair.SourcePortID, pair.TargetPortID)
				}
			}

			return nil
		}},
		{"reserved_group_lss", func() error {
			if len(c.Primary.ReservedGroupLSS) != len(c.Target.ReservedGroupLSS) {
				return fmt.Errorf("Primary and target must reserve the same number of consistency group LSSes")
			}

			return nil
		}},
	}

	for _, rule := range checks {
		err := rule.check()
		if err != nil {
			return fmt.Errorf("Invalid configuration %q: %w", rule.name, err)
		}
	}

	return nil
}

// validate checks one array section.
func (c *ArrayConfig) validate() error {
	if c.BackendID == "" {
		return fmt.Errorf("Missing backend ID")
	}

	if c.Endpoint == "" {
		return fmt.Errorf("Missing endpoint")
	}

	for _, id := range c.ReservedGroupLSS {
		_, err := lssNumber(id)
		if err != nil {
			return fmt.Errorf("Invalid reserved LSS ID %q", id)
		}
	}

	return nil
}
