package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models autoflow.yml: the accepted-denom set, role addresses and
// fee-routing parameters the engine runs under.
type Config struct {
	Chain struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"chain" json:"chain"`
	Denoms []DenomConfig `yaml:"denoms" json:"denoms"`
	Roles  struct {
		Owner                  string   `yaml:"owner" json:"owner"`
		Crank                  string   `yaml:"crank" json:"crank"`
		WorkflowManager        string   `yaml:"workflow_manager" json:"workflow_manager"`
		AllowedPublishers      []string `yaml:"allowed_publishers" json:"allowed_publishers"`
		AllowedActionExecutors []string `yaml:"allowed_action_executors" json:"allowed_action_executors"`
	} `yaml:"roles" json:"roles"`
	Fees struct {
		ExecutionDestination      string `yaml:"execution_destination" json:"execution_destination"`
		DistributionDestination   string `yaml:"distribution_destination" json:"distribution_destination"`
		CreatorDistributionFeeBps uint64 `yaml:"creator_distribution_fee_bps" json:"creator_distribution_fee_bps"`
	} `yaml:"fees" json:"fees"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// DenomConfig is one accepted denom with its debt cap and low-balance line.
type DenomConfig struct {
	Denom               string `yaml:"denom" json:"denom"`
	MaxDebt             uint64 `yaml:"max_debt" json:"max_debt"`
	MinBalanceThreshold int64  `yaml:"min_balance_threshold" json:"min_balance_threshold"`
}

// WebhookConfig is one event-delivery target.
type WebhookConfig struct {
	URL    string   `yaml:"url" json:"url"`
	Secret string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Types  []string `yaml:"types,omitempty" json:"types,omitempty"`
}

// Default returns a runnable single-denom local config.
func Default(chainID string) *Config {
	c := &Config{}
	c.Chain.ID = chainID
	c.Denoms = []DenomConfig{{Denom: "uusdc", MaxDebt: 1_000_000, MinBalanceThreshold: 0}}
	c.Roles.Owner = "owner"
	c.Roles.Crank = "crank"
	c.Roles.WorkflowManager = "workflow-manager"
	c.Roles.AllowedPublishers = []string{"publisher"}
	c.Roles.AllowedActionExecutors = []string{"executor"}
	c.Fees.ExecutionDestination = "execution-fees"
	c.Fees.DistributionDestination = "distribution-fees"
	c.Fees.CreatorDistributionFeeBps = 5
	return c
}

// FromYAML parses and validates config bytes.
func FromYAML(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ToYAML serializes the config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ValidateAddress rejects empty or whitespace-bearing addresses.
func ValidateAddress(addr, field string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("%s address is required", field)
	}
	if strings.ContainsAny(addr, " \t\n") {
		return fmt.Errorf("%s address %q contains whitespace", field, addr)
	}
	return nil
}

// Validate ensures the config meets the required structure.
func (c *Config) Validate() error {
	if c.Chain.ID == "" {
		return fmt.Errorf("config.chain.id is required")
	}
	if len(c.Denoms) == 0 {
		return fmt.Errorf("config.denoms cannot be empty")
	}
	seen := map[string]bool{}
	for _, d := range c.Denoms {
		if d.Denom == "" {
			return fmt.Errorf("config.denoms contains an empty denom")
		}
		if seen[d.Denom] {
			return fmt.Errorf("config.denoms lists %s twice", d.Denom)
		}
		seen[d.Denom] = true
		if d.MinBalanceThreshold < 0 {
			return fmt.Errorf("denom %s: min_balance_threshold cannot be negative", d.Denom)
		}
	}
	if err := ValidateAddress(c.Roles.Owner, "roles.owner"); err != nil {
		return err
	}
	if err := ValidateAddress(c.Roles.Crank, "roles.crank"); err != nil {
		return err
	}
	if err := ValidateAddress(c.Roles.WorkflowManager, "roles.workflow_manager"); err != nil {
		return err
	}
	for _, p := range c.Roles.AllowedPublishers {
		if err := ValidateAddress(p, "roles.allowed_publishers entry"); err != nil {
			return err
		}
	}
	for _, e := range c.Roles.AllowedActionExecutors {
		if err := ValidateAddress(e, "roles.allowed_action_executors entry"); err != nil {
			return err
		}
	}
	if err := ValidateAddress(c.Fees.ExecutionDestination, "fees.execution_destination"); err != nil {
		return err
	}
	if err := ValidateAddress(c.Fees.DistributionDestination, "fees.distribution_destination"); err != nil {
		return err
	}
	for _, w := range c.Webhooks {
		if strings.TrimSpace(w.URL) == "" {
			return fmt.Errorf("config.webhooks entry missing url")
		}
	}
	return nil
}

// AcceptedDenom returns the config for denom, or false when not accepted.
func (c *Config) AcceptedDenom(denom string) (DenomConfig, bool) {
	for _, d := range c.Denoms {
		if d.Denom == denom {
			return d, true
		}
	}
	return DenomConfig{}, false
}

// IsPublisher reports whether addr is on the publisher allow-list.
func (c *Config) IsPublisher(addr string) bool {
	return contains(c.Roles.AllowedPublishers, addr)
}

// IsActionExecutor reports whether addr may drive workflow actions.
func (c *Config) IsActionExecutor(addr string) bool {
	return contains(c.Roles.AllowedActionExecutors, addr)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
