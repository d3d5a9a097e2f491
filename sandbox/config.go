package sandbox

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// Config describes the simulated discovery service and its operators.
type Config struct {
	// PublicURL is the externally visible base URL. When empty it is
	// derived from each request.
	PublicURL string `yaml:"public_url"`
	// ClientID and ClientSecret are the relying party's discovery
	// credentials. The secret may be given as a bcrypt hash.
	ClientID     string           `yaml:"client_id"`
	ClientSecret string           `yaml:"client_secret"`
	TTL          time.Duration    `yaml:"ttl"`
	CodeTTL      time.Duration    `yaml:"code_ttl"`
	AccessTTL    time.Duration    `yaml:"access_ttl"`
	Operators    []OperatorConfig `yaml:"operators"`
}

// OperatorConfig is one simulated mobile network operator.
type OperatorConfig struct {
	Name         string `yaml:"name"`
	MCC          string `yaml:"mcc"`
	MNC          string `yaml:"mnc"`
	Country      string `yaml:"country"`
	Currency     string `yaml:"currency"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// Networks lists the CIDRs whose source addresses the operator serves.
	Networks []string `yaml:"networks"`
	// Subscriber is the subject returned for every login.
	Subscriber  string `yaml:"subscriber"`
	PhoneNumber string `yaml:"phone_number"`
}

// DefaultConfig returns a sandbox with a single test operator.
func DefaultConfig() Config {
	return Config{
		ClientID:     "sandbox-client",
		ClientSecret: "sandbox-secret",
		TTL:          24 * time.Hour,
		CodeTTL:      2 * time.Minute,
		AccessTTL:    time.Hour,
		Operators: []OperatorConfig{{
			Name:         "testop",
			MCC:          "901",
			MNC:          "01",
			Country:      "ZZ",
			Currency:     "USD",
			ClientID:     "testop-client",
			ClientSecret: "testop-secret",
			Networks:     []string{"10.90.1.0/24"},
			Subscriber:   "testop-subscriber",
			PhoneNumber:  "+999000000001",
		}},
	}
}

// Validate checks the sandbox configuration.
func (c Config) Validate() error {
	var problems []error
	if c.ClientID == "" || c.ClientSecret == "" {
		problems = append(problems, errors.New("sandbox.client_id and sandbox.client_secret required"))
	}
	if len(c.Operators) == 0 {
		problems = append(problems, errors.New("sandbox.operators must not be empty"))
	}
	names := map[string]bool{}
	codes := map[string]bool{}
	for i, op := range c.Operators {
		if op.Name == "" || op.MCC == "" || op.MNC == "" {
			problems = append(problems, fmt.Errorf("sandbox.operators[%d]: name, mcc and mnc required", i))
			continue
		}
		if names[op.Name] {
			problems = append(problems, fmt.Errorf("sandbox.operators[%d]: duplicate name %q", i, op.Name))
		}
		names[op.Name] = true
		code := op.MCC + "_" + op.MNC
		if codes[code] {
			problems = append(problems, fmt.Errorf("sandbox.operators[%d]: duplicate mcc_mnc %s", i, code))
		}
		codes[code] = true
		if op.ClientID == "" || op.ClientSecret == "" {
			problems = append(problems, fmt.Errorf("sandbox.operators[%d]: client_id and client_secret required", i))
		}
		for _, n := range op.Networks {
			if _, err := netip.ParsePrefix(n); err != nil {
				problems = append(problems, fmt.Errorf("sandbox.operators[%d]: invalid network %q", i, n))
			}
		}
	}
	return errors.Join(problems...)
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = 2 * time.Minute
	}
	if c.AccessTTL <= 0 {
		c.AccessTTL = time.Hour
	}
}
