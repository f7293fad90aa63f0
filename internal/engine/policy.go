package engine

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/butterr12/iskomunidad-guard/internal/counter"
	"gopkg.in/yaml.v3"
)

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

// Policy is the full guard configuration: global mode, rate limit tiers, and
// the ordered rules per action.
type Policy struct {
	Mode     Mode                    `yaml:"mode"`
	LogAllow bool                    `yaml:"log_allow"`
	FailOpen *bool                   `yaml:"fail_open"` // nil = true
	Tiers    []TierConfig            `yaml:"tiers"`
	Actions  map[string]ActionPolicy `yaml:"actions"`
}

// TierConfig is a named rate limit tier for the plain limiter.
type TierConfig struct {
	Name   string   `yaml:"name"`
	Window Duration `yaml:"window"`
	Max    int      `yaml:"max"`
}

// ActionPolicy holds the rules for one action.
type ActionPolicy struct {
	Mode  *Mode  `yaml:"mode"` // nil = policy mode
	Rules []Rule `yaml:"rules"`
}

// LongestWindow is the widest window among the action's rules.
func (a ActionPolicy) LongestWindow() time.Duration {
	var longest time.Duration
	for _, r := range a.Rules {
		if w := r.Window.Std(); w > longest {
			longest = w
		}
	}
	return longest
}

// Rule trips once its counter reaches Threshold within Window.
type Rule struct {
	Name      string   `yaml:"name"`
	Key       KeyKind  `yaml:"key"`
	Window    Duration `yaml:"window"`
	Threshold int      `yaml:"threshold"`
	Outcome   Decision `yaml:"outcome"`
}

// CounterTier returns the counter tier backing this rule for action.
func (r Rule) CounterTier(action string) counter.Tier {
	return counter.Tier{
		Name:   "rule:" + action + ":" + r.Name,
		Window: r.Window.Std(),
		Max:    r.Threshold,
	}
}

// IsFailOpen reports whether counter failures allow the request.
// A nil FailOpen defaults to true.
func (p *Policy) IsFailOpen() bool {
	if p.FailOpen == nil {
		return true
	}
	return *p.FailOpen
}

// ModeFor returns the effective mode for action.
func (p *Policy) ModeFor(action string) Mode {
	if ap, ok := p.Actions[action]; ok && ap.Mode != nil {
		return *ap.Mode
	}
	return p.Mode
}

// CounterTiers converts the configured tiers, falling back to counter.DefaultTiers.
func (p *Policy) CounterTiers() []counter.Tier {
	if len(p.Tiers) == 0 {
		return counter.DefaultTiers()
	}
	out := make([]counter.Tier, 0, len(p.Tiers))
	for _, t := range p.Tiers {
		out = append(out, counter.Tier{Name: t.Name, Window: t.Window.Std(), Max: t.Max})
	}
	return out
}

// Validate checks the policy for values the engine cannot act on.
func (p *Policy) Validate() error {
	var errs []error
	if p.Mode == 0 {
		p.Mode = ModeShadow
	}
	seenTier := make(map[string]bool)
	for i, t := range p.Tiers {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("tiers[%d]: name is required", i))
		}
		if seenTier[t.Name] {
			errs = append(errs, fmt.Errorf("tiers[%d]: duplicate tier %q", i, t.Name))
		}
		seenTier[t.Name] = true
		if t.Window <= 0 || t.Max <= 0 {
			errs = append(errs, fmt.Errorf("tier %q: window and max must be positive", t.Name))
		}
	}
	for action, ap := range p.Actions {
		seen := make(map[string]bool)
		for i, r := range ap.Rules {
			where := fmt.Sprintf("actions.%s.rules[%d]", action, i)
			if r.Name == "" {
				errs = append(errs, fmt.Errorf("%s: name is required", where))
			}
			if seen[r.Name] {
				errs = append(errs, fmt.Errorf("%s: duplicate rule %q", where, r.Name))
			}
			seen[r.Name] = true
			if !r.Key.valid() {
				errs = append(errs, fmt.Errorf("%s: unknown key %q", where, r.Key))
			}
			if r.Window <= 0 {
				errs = append(errs, fmt.Errorf("%s: window must be positive", where))
			}
			if r.Threshold <= 0 {
				errs = append(errs, fmt.Errorf("%s: threshold must be positive", where))
			}
			if r.Outcome == 0 || r.Outcome == DecisionAllow {
				errs = append(errs, fmt.Errorf("%s: outcome must be throttle, deny or degrade_to_review", where))
			}
		}
	}
	return errors.Join(errs...)
}

// ParsePolicy decodes and validates a YAML policy.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("ParsePolicy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("ParsePolicy: %w", err)
	}
	return &p, nil
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	p, err := ParsePolicy(defaultPolicyYAML)
	if err != nil {
		panic("engine: invalid embedded policy: " + err.Error())
	}
	return p
}

// LoadPolicy reads the policy at path, or the built-in policy when path is empty.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadPolicy: %w", err)
	}
	return ParsePolicy(data)
}
