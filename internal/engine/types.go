package engine

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Decision is the outcome of evaluating an action.
type Decision int

const (
	DecisionAllow Decision = iota + 1
	DecisionThrottle
	DecisionDeny
	DecisionDegradeToReview
)

// String returns the lowercase decision name.
func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionThrottle:
		return "throttle"
	case DecisionDeny:
		return "deny"
	case DecisionDegradeToReview:
		return "degrade_to_review"
	default:
		return "unspecified"
	}
}

// Rejects reports whether the caller should be turned away (429).
func (d Decision) Rejects() bool {
	return d == DecisionThrottle || d == DecisionDeny
}

// ParseDecision is the inverse of String.
func ParseDecision(s string) (Decision, error) {
	switch s {
	case "allow":
		return DecisionAllow, nil
	case "throttle":
		return DecisionThrottle, nil
	case "deny":
		return DecisionDeny, nil
	case "degrade_to_review":
		return DecisionDegradeToReview, nil
	}
	return 0, fmt.Errorf("unknown decision %q", s)
}

func (d Decision) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Decision) UnmarshalText(b []byte) error {
	v, err := ParseDecision(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d *Decision) UnmarshalYAML(n *yaml.Node) error {
	return d.UnmarshalText([]byte(n.Value))
}

// Mode controls whether decisions are enforced or only recorded.
type Mode int

const (
	ModeShadow Mode = iota + 1
	ModeEnforce
)

func (m Mode) String() string {
	switch m {
	case ModeShadow:
		return "shadow"
	case ModeEnforce:
		return "enforce"
	default:
		return "unspecified"
	}
}

// ParseMode is the inverse of String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "shadow":
		return ModeShadow, nil
	case "enforce":
		return ModeEnforce, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func (m *Mode) UnmarshalYAML(n *yaml.Node) error {
	return m.UnmarshalText([]byte(n.Value))
}

// KeyKind selects which identity hash a rule counts against.
type KeyKind string

const (
	KeyIP      KeyKind = "ip"
	KeyDevice  KeyKind = "device"
	KeyUser    KeyKind = "user"
	KeySubject KeyKind = "subject" // user, else device, else ip
)

func (k KeyKind) valid() bool {
	switch k {
	case KeyIP, KeyDevice, KeyUser, KeySubject:
		return true
	}
	return false
}

// Duration is a time.Duration that reads "90s" style strings from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
