package attestation

import (
	"fmt"
	"time"

	"github.com/confidential-compute/tee-execution-backend/interfaces"
	"github.com/confidential-compute/tee-execution-backend/metrics"
)

// ProofChecker validates the opaque vendor proof of one TEE kind
// against its root of trust. The canonical evidence record stays
// vendor-agnostic; only the checker interprets the proof blob.
type ProofChecker interface {
	TEEKind() interfaces.TEEKind

	// CheckProof validates the proof and its binding to the expected
	// report data. Returns interfaces.ErrInvalidProof (wrapped) on any
	// failure.
	CheckProof(evidence interfaces.AttestationEvidence, reportData [64]byte) error
}

// Verifier reduces vendor evidence to a single trust decision. It is
// stateless apart from its configured proof checkers: it never mutates
// the policy or session state, and is invoked by the dispatcher which
// acts on the verdict.
type Verifier struct {
	checkers map[interfaces.TEEKind]ProofChecker
}

// NewVerifier creates a verifier with the given kind-specific proof
// checkers. Evidence of a kind without a registered checker is
// rejected as unknown.
func NewVerifier(checkers ...ProofChecker) *Verifier {
	m := make(map[interfaces.TEEKind]ProofChecker, len(checkers))
	for _, c := range checkers {
		m[c.TEEKind()] = c
	}
	return &Verifier{checkers: m}
}

// Verify validates evidence against the policy at the given time,
// short-circuiting on the first failure, in order: kind match,
// measurement whitelist, TCB minimum, vendor proof, freshness.
//
// A nil return means Trusted. Every rejection wraps one of the
// sentinel reasons in interfaces; staleness is deliberately checked
// last and kept distinct from proof failure because it is recoverable
// by re-attesting.
func (v *Verifier) Verify(evidence interfaces.AttestationEvidence, policy *Policy, reportData [64]byte, now time.Time) error {
	verdict := v.verify(evidence, policy, reportData, now)
	outcome := "trusted"
	if verdict != nil {
		outcome = "rejected"
	}
	metrics.VerificationsTotal.WithLabelValues(string(evidence.TEEKind), outcome).Inc()
	return verdict
}

func (v *Verifier) verify(evidence interfaces.AttestationEvidence, policy *Policy, reportData [64]byte, now time.Time) error {
	// 1. Kind match.
	checker, ok := v.checkers[evidence.TEEKind]
	if !ok || !policy.KnowsKind(evidence.TEEKind) {
		return &interfaces.VerificationError{
			TEEKind: evidence.TEEKind,
			Reason:  interfaces.ErrUnknownKind,
		}
	}

	// 2. Measurement whitelist, exact match only.
	rule, ok := policy.RuleFor(evidence.TEEKind, evidence.Measurement)
	if !ok {
		return &interfaces.VerificationError{
			TEEKind: evidence.TEEKind,
			Reason:  interfaces.ErrMeasurementNotWhitelisted,
			Detail:  evidence.Measurement.String(),
		}
	}

	// 3. TCB minimum for the matched measurement.
	if evidence.TCBVersion < rule.MinTCBVersion {
		return &interfaces.VerificationError{
			TEEKind: evidence.TEEKind,
			Reason:  interfaces.ErrTcbTooOld,
			Detail:  fmt.Sprintf("have %d, need %d", evidence.TCBVersion, rule.MinTCBVersion),
		}
	}

	// 4. Vendor proof against the kind's root of trust.
	if err := checker.CheckProof(evidence, reportData); err != nil {
		return &interfaces.VerificationError{
			TEEKind: evidence.TEEKind,
			Reason:  interfaces.ErrInvalidProof,
			Detail:  err.Error(),
		}
	}

	// 5. Freshness.
	if evidence.Age(now) > policy.MaxEvidenceAge {
		return &interfaces.VerificationError{
			TEEKind: evidence.TEEKind,
			Reason:  interfaces.ErrStaleEvidence,
			Detail:  fmt.Sprintf("issued %s ago, max age %s", evidence.Age(now), policy.MaxEvidenceAge),
		}
	}

	return nil
}
