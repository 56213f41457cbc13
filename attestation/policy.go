// Package attestation implements the canonical evidence model: an
// operator policy, a verifier that reduces heterogeneous vendor
// evidence to a single trust decision, and the per-vendor evidence
// producers and proof checkers.
package attestation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

// Rule whitelists one (TEE kind, measurement) pair with a minimum TCB
// version. Matching is exact; there is no prefix or wildcard matching.
type Rule struct {
	TEEKind       interfaces.TEEKind     `json:"tee_kind"`
	Measurement   interfaces.Measurement `json:"measurement"`
	MinTCBVersion uint32                 `json:"min_tcb_version"`
}

// Policy holds the operator-configured trust rules. A policy is
// read-only once handed to the verifier and sessions; updates are
// applied by swapping in a new policy for future verifications, never
// retroactively.
type Policy struct {
	Rules []Rule `json:"rules"`

	// MaxEvidenceAge bounds how old evidence may be before it is
	// rejected as stale and must be re-produced.
	MaxEvidenceAge time.Duration `json:"-"`
}

type policyJSON struct {
	Rules                 []Rule `json:"rules"`
	MaxEvidenceAgeSeconds int64  `json:"max_evidence_age_seconds"`
}

// MarshalJSON encodes the freshness window in seconds.
func (p Policy) MarshalJSON() ([]byte, error) {
	return json.Marshal(policyJSON{
		Rules:                 p.Rules,
		MaxEvidenceAgeSeconds: int64(p.MaxEvidenceAge / time.Second),
	})
}

// UnmarshalJSON decodes the freshness window from seconds.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var raw policyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Rules = raw.Rules
	p.MaxEvidenceAge = time.Duration(raw.MaxEvidenceAgeSeconds) * time.Second
	return nil
}

// LoadPolicy reads and validates a JSON policy.
func LoadPolicy(r io.Reader) (*Policy, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("could not read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses and validates a JSON policy.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("could not parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the policy is usable.
func (p *Policy) Validate() error {
	if len(p.Rules) == 0 {
		return errors.New("policy has no rules")
	}
	if p.MaxEvidenceAge <= 0 {
		return errors.New("policy max evidence age must be positive")
	}
	for i, rule := range p.Rules {
		if rule.TEEKind == "" {
			return fmt.Errorf("rule %d: missing tee_kind", i)
		}
	}
	return nil
}

// KnowsKind reports whether any rule covers the given TEE kind.
func (p *Policy) KnowsKind(kind interfaces.TEEKind) bool {
	for _, rule := range p.Rules {
		if rule.TEEKind == kind {
			return true
		}
	}
	return false
}

// RuleFor returns the rule exactly matching the kind and measurement.
func (p *Policy) RuleFor(kind interfaces.TEEKind, m interfaces.Measurement) (Rule, bool) {
	for _, rule := range p.Rules {
		if rule.TEEKind == kind && rule.Measurement.Equal(m) {
			return rule, true
		}
	}
	return Rule{}, false
}
