// Package dispatcher owns the mapping from execution intent to a
// concrete, currently-trusted backend session. It enforces the single
// global invariant of the subsystem: no un-attested or rejected result
// is ever surfaced to the caller.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/confidential-compute/tee-execution-backend/attestation"
	"github.com/confidential-compute/tee-execution-backend/backend"
	"github.com/confidential-compute/tee-execution-backend/interfaces"
	"github.com/confidential-compute/tee-execution-backend/metrics"
)

// Config holds the dispatcher's policy knobs.
type Config struct {
	// FallbackOnStale lets a stale-escalated-to-fatal primary fall
	// back to the other configured backend kind instead of failing the
	// request. Off by default: a stale escalation re-attests the same
	// backend once and then fails.
	FallbackOnStale bool
}

// Dispatcher exclusively owns its sessions and their lifecycle.
// Execution is strictly sequential: requests are served in submission
// order and never reordered or batched.
type Dispatcher struct {
	primary  *backend.Session
	fallback *backend.Session
	verifier *attestation.Verifier
	policy   *attestation.Policy
	cfg      Config
	log      *slog.Logger

	// now is overridable for tests.
	now func() time.Time

	// mu serializes Run so the per-session single-in-flight rule can
	// never be violated by this dispatcher itself.
	mu sync.Mutex
}

// New creates a dispatcher over a primary session and an optional
// fallback (nil for the single-backend production path).
func New(primary, fallback *backend.Session, verifier *attestation.Verifier, policy *attestation.Policy, cfg Config, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		primary:  primary,
		fallback: fallback,
		verifier: verifier,
		policy:   policy,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// SubmitExecution is the single call the consensus path makes. It never
// exposes backend selection details beyond the kind tag on the result.
func (d *Dispatcher) SubmitExecution(ctx context.Context, codeHash interfaces.CodeHash, environment string, message []byte, priorStateRoot interfaces.StateRoot) (interfaces.ExecutionResult, error) {
	return d.Run(ctx, interfaces.ExecutionRequest{
		CodeHash:       codeHash,
		Environment:    environment,
		Message:        message,
		PriorStateRoot: priorStateRoot,
	})
}

// Run selects a trusted session, executes the request on it, verifies
// any newly produced evidence, and returns the result tagged with the
// producing backend kind.
func (d *Dispatcher) Run(ctx context.Context, req interfaces.ExecutionRequest) (interfaces.ExecutionResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var selectionErrs []error
	for i, sess := range []*backend.Session{d.primary, d.fallback} {
		if sess == nil {
			continue
		}

		result, fallbackOK, err := d.runOn(ctx, sess, req)
		if err == nil {
			if i > 0 {
				metrics.FallbacksTotal.Inc()
				d.log.Info("Request completed on fallback session", "backend", sess.Kind().String())
			}
			metrics.DispatchesTotal.WithLabelValues(sess.Kind().String(), "ok").Inc()
			return result, nil
		}

		if !fallbackOK {
			metrics.DispatchesTotal.WithLabelValues(sess.Kind().String(), "fatal").Inc()
			return interfaces.ExecutionResult{}, err
		}

		metrics.DispatchesTotal.WithLabelValues(sess.Kind().String(), "unavailable").Inc()
		selectionErrs = append(selectionErrs, fmt.Errorf("%s: %w", sess.Kind(), err))
	}

	return interfaces.ExecutionResult{}, fmt.Errorf("%w: %w", interfaces.ErrNoBackendAvailable, errors.Join(selectionErrs...))
}

// Query evaluates a read-only request on the first available trusted
// session.
func (d *Dispatcher) Query(ctx context.Context, req interfaces.ExecutionRequest) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var selectionErrs []error
	for _, sess := range []*backend.Session{d.primary, d.fallback} {
		if sess == nil {
			continue
		}
		if err := d.ensureTrusted(ctx, sess); err != nil {
			selectionErrs = append(selectionErrs, fmt.Errorf("%s: %w", sess.Kind(), err))
			continue
		}
		return sess.Query(ctx, req)
	}
	return nil, fmt.Errorf("%w: %w", interfaces.ErrNoBackendAvailable, errors.Join(selectionErrs...))
}

// Close tears down all owned sessions.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for _, sess := range []*backend.Session{d.primary, d.fallback} {
		if sess != nil {
			errs = append(errs, sess.Close())
		}
	}
	return errors.Join(errs...)
}

// runOn executes the request on one session. The bool reports whether a
// failure still permits trying the fallback: selection-phase
// unavailability does, anything after the backend produced a result
// does not. A trust failure on produced evidence is a rejection of the
// whole attempt, never silently retried elsewhere.
func (d *Dispatcher) runOn(ctx context.Context, sess *backend.Session, req interfaces.ExecutionRequest) (interfaces.ExecutionResult, bool, error) {
	if err := d.ensureTrusted(ctx, sess); err != nil {
		fallbackOK := !errors.Is(err, interfaces.ErrStaleEvidence) || d.cfg.FallbackOnStale
		if interfaces.IsTrustFailure(err) {
			// A rejected primary is unavailable for selection purposes,
			// but the rejection itself is permanent for that session.
			fallbackOK = true
		}
		return interfaces.ExecutionResult{}, fallbackOK, err
	}

	result, evidence, err := sess.Execute(ctx, req)
	if err != nil {
		if errors.Is(err, interfaces.ErrUnreachable) {
			sess.MarkUnreachable()
			return interfaces.ExecutionResult{}, true, err
		}
		// Execution-level failure on a trusted session. Not retried on
		// another backend: replaying a possibly-side-effecting request
		// elsewhere is how divergence hides.
		return interfaces.ExecutionResult{}, false, err
	}

	// Sessions may re-attest opportunistically; verify whenever the
	// accompanying evidence is not the one already verified.
	last, _ := sess.VerifiedEvidence()
	if !evidenceEqual(evidence, last) {
		if err := d.verifyAndRecord(ctx, sess, evidence); err != nil {
			// The result is discarded: it was produced under evidence
			// that did not verify.
			return interfaces.ExecutionResult{}, false, err
		}
	}

	return result, false, nil
}

// ensureTrusted gets the session into a trusted state, performing at
// most one re-attestation attempt. Returns nil if the session can serve
// requests.
func (d *Dispatcher) ensureTrusted(ctx context.Context, sess *backend.Session) error {
	switch sess.TrustState() {
	case interfaces.TrustTrusted:
		evidence, _ := sess.VerifiedEvidence()
		if evidence.Age(d.now()) <= d.policy.MaxEvidenceAge {
			return nil
		}
		sess.MarkExpired()

	case interfaces.TrustRejected:
		return fmt.Errorf("session permanently rejected: %w", interfaces.ErrInvalidProof)

	case interfaces.TrustUnreachable:
		if err := sess.Probe(ctx); err != nil {
			return err
		}
		sess.MarkReachable()
	}

	// Untrusted, expired, or just recovered: one attestation exchange.
	return d.reattest(ctx, sess)
}

// reattest performs one attestation exchange and records the verdict on
// the session.
func (d *Dispatcher) reattest(ctx context.Context, sess *backend.Session) error {
	metrics.ReattestationsTotal.WithLabelValues(sess.Kind().String()).Inc()

	var (
		evidence interfaces.AttestationEvidence
		err      error
	)
	if !sess.Opened() {
		evidence, err = sess.Open(ctx)
	} else {
		evidence, err = sess.Attest(ctx)
	}
	if err != nil {
		if errors.Is(err, interfaces.ErrUnreachable) {
			sess.MarkUnreachable()
		}
		return err
	}

	verdict := d.verifier.Verify(evidence, d.policy, sess.ReportData(), d.now())
	if verdict == nil {
		sess.MarkTrusted(evidence, d.now())
		return nil
	}
	if interfaces.IsTrustFailure(verdict) {
		sess.MarkRejected(verdict)
	}
	return verdict
}

// verifyAndRecord verifies freshly produced evidence. Stale evidence
// triggers exactly one re-attestation of the same session; if that also
// fails the error escalates to fatal per the configured policy.
func (d *Dispatcher) verifyAndRecord(ctx context.Context, sess *backend.Session, evidence interfaces.AttestationEvidence) error {
	verdict := d.verifier.Verify(evidence, d.policy, sess.ReportData(), d.now())
	if verdict == nil {
		sess.MarkTrusted(evidence, d.now())
		return nil
	}

	if errors.Is(verdict, interfaces.ErrStaleEvidence) {
		d.log.Warn("Evidence stale, re-attesting once", "backend", sess.Kind().String())
		if err := d.reattest(ctx, sess); err != nil {
			return fmt.Errorf("stale evidence escalated: %w", err)
		}
		return nil
	}

	if interfaces.IsTrustFailure(verdict) {
		sess.MarkRejected(verdict)
	}
	return verdict
}

func evidenceEqual(a, b interfaces.AttestationEvidence) bool {
	return a.TEEKind == b.TEEKind &&
		a.Measurement.Equal(b.Measurement) &&
		a.TCBVersion == b.TCBVersion &&
		a.Timestamp == b.Timestamp &&
		string(a.VendorProof) == string(b.VendorProof)
}
