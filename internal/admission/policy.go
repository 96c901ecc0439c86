package admission

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const PolicySchemaV1 = "runplane.admission.v1"

const (
	DefaultLimit  = 5
	DefaultWindow = 24 * time.Hour
)

// Policy is the admission policy file. Everything is optional: an empty
// policy means the defaults apply to every principal.
type Policy struct {
	Schema            string     `json:"schema" yaml:"schema"`
	DefaultLimit      int        `json:"default_limit,omitempty" yaml:"default_limit,omitempty"`
	Window            string     `json:"window,omitempty" yaml:"window,omitempty"`
	TrustedPrincipals []string   `json:"trusted_principals,omitempty" yaml:"trusted_principals,omitempty"`
	Overrides         []Override `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

type Override struct {
	Principal string `json:"principal" yaml:"principal"`
	Limit     int    `json:"limit" yaml:"limit"`
}

func DefaultPolicy() Policy {
	return Policy{Schema: PolicySchemaV1, DefaultLimit: DefaultLimit}
}

func ParsePolicy(input []byte) (Policy, error) {
	var policy Policy
	if err := yaml.Unmarshal(input, &policy); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	if policy.DefaultLimit == 0 {
		policy.DefaultLimit = DefaultLimit
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// LoadPolicy reads the policy file at path; an empty path yields defaults.
func LoadPolicy(path string) (Policy, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPolicy(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(raw)
}

func (p Policy) Validate() error {
	if strings.TrimSpace(p.Schema) != PolicySchemaV1 {
		return fmt.Errorf("policy.schema must be %q", PolicySchemaV1)
	}
	if p.DefaultLimit < 1 {
		return errors.New("policy.default_limit must be positive")
	}
	if p.Window != "" {
		window, err := time.ParseDuration(p.Window)
		if err != nil {
			return fmt.Errorf("policy.window invalid: %w", err)
		}
		if window <= 0 {
			return errors.New("policy.window must be positive")
		}
	}

	seen := make(map[string]struct{}, len(p.TrustedPrincipals))
	for i, principal := range p.TrustedPrincipals {
		principal = strings.TrimSpace(principal)
		if principal == "" {
			return fmt.Errorf("policy.trusted_principals[%d] is empty", i)
		}
		if _, ok := seen[principal]; ok {
			return fmt.Errorf("policy.trusted_principals[%d] duplicates %q", i, principal)
		}
		seen[principal] = struct{}{}
	}

	overridden := make(map[string]struct{}, len(p.Overrides))
	for i, override := range p.Overrides {
		principal := strings.TrimSpace(override.Principal)
		if principal == "" {
			return fmt.Errorf("policy.overrides[%d].principal is required", i)
		}
		if _, ok := overridden[principal]; ok {
			return fmt.Errorf("policy.overrides[%d].principal must be unique (duplicate %q)", i, principal)
		}
		overridden[principal] = struct{}{}
		if override.Limit < 1 {
			return fmt.Errorf("policy.overrides[%d].limit must be positive", i)
		}
	}
	return nil
}

// WindowDuration returns the configured trailing window, or the default.
func (p Policy) WindowDuration() time.Duration {
	if p.Window == "" {
		return DefaultWindow
	}
	window, err := time.ParseDuration(p.Window)
	if err != nil || window <= 0 {
		return DefaultWindow
	}
	return window
}

// LimitFor resolves the concurrent-run limit for a principal.
func (p Policy) LimitFor(principalID string) int {
	for _, override := range p.Overrides {
		if strings.TrimSpace(override.Principal) == principalID {
			return override.Limit
		}
	}
	if p.DefaultLimit > 0 {
		return p.DefaultLimit
	}
	return DefaultLimit
}

// Trusted reports whether a principal bypasses admission entirely.
func (p Policy) Trusted(principalID string) bool {
	for _, principal := range p.TrustedPrincipals {
		if strings.TrimSpace(principal) == principalID {
			return true
		}
	}
	return false
}
