package backend

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

// Session is one live execution channel to a confidential backend. It
// owns the trust bookkeeping: current trust state, the last verified
// evidence and when it was verified, and the single-in-flight guard.
//
// The session never decides trust itself. The dispatcher feeds verifier
// verdicts back through the Mark methods; everything else only reads.
type Session struct {
	id      uuid.UUID
	backend interfaces.ExecutionBackend
	log     *slog.Logger

	inflight atomic.Bool
	closed   atomic.Bool
	opened   atomic.Bool

	mu           sync.Mutex
	trust        interfaces.TrustState
	evidence     interfaces.AttestationEvidence
	verifiedAt   time.Time
	lastActivity time.Time
}

func NewSession(backend interfaces.ExecutionBackend, log *slog.Logger) *Session {
	id := uuid.Must(uuid.NewRandom())
	return &Session{
		id:      id,
		backend: backend,
		log:     log.With("sessionID", id.String(), "backend", backend.Kind().String()),
		trust:   interfaces.TrustUntrusted,
	}
}

func (s *Session) ID() uuid.UUID                  { return s.id }
func (s *Session) Kind() interfaces.BackendKind   { return s.backend.Kind() }
func (s *Session) ReportData() [64]byte           { return s.backend.ReportData() }

// Open establishes the backend's confidential environment and returns
// its initial evidence for verification. The session stays untrusted
// until the dispatcher records a verdict.
func (s *Session) Open(ctx context.Context) (interfaces.AttestationEvidence, error) {
	if s.closed.Load() {
		return interfaces.AttestationEvidence{}, interfaces.ErrSessionClosed
	}
	evidence, err := s.backend.Open(ctx)
	if err != nil {
		return interfaces.AttestationEvidence{}, err
	}
	s.opened.Store(true)
	s.touch()
	return evidence, nil
}

// Opened reports whether the backend environment has been established.
func (s *Session) Opened() bool { return s.opened.Load() }

// Execute runs exactly one request. A second concurrent call is a
// programming error and fails with ErrSessionBusy instead of queueing.
func (s *Session) Execute(ctx context.Context, req interfaces.ExecutionRequest) (interfaces.ExecutionResult, interfaces.AttestationEvidence, error) {
	if s.closed.Load() {
		return interfaces.ExecutionResult{}, interfaces.AttestationEvidence{}, interfaces.ErrSessionClosed
	}
	if !s.inflight.CompareAndSwap(false, true) {
		return interfaces.ExecutionResult{}, interfaces.AttestationEvidence{}, interfaces.ErrSessionBusy
	}
	defer s.inflight.Store(false)

	result, evidence, err := s.backend.Execute(ctx, req)
	s.touch()
	return result, evidence, err
}

// Query runs a read-only request; it does not count as in-flight state
// mutation but still respects the single-in-flight rule to preserve
// ordering.
func (s *Session) Query(ctx context.Context, req interfaces.ExecutionRequest) ([]byte, error) {
	if s.closed.Load() {
		return nil, interfaces.ErrSessionClosed
	}
	if !s.inflight.CompareAndSwap(false, true) {
		return nil, interfaces.ErrSessionBusy
	}
	defer s.inflight.Store(false)

	output, err := s.backend.Query(ctx, req)
	s.touch()
	return output, err
}

// Attest obtains fresh evidence for re-verification.
func (s *Session) Attest(ctx context.Context) (interfaces.AttestationEvidence, error) {
	if s.closed.Load() {
		return interfaces.AttestationEvidence{}, interfaces.ErrSessionClosed
	}
	evidence, err := s.backend.Attest(ctx)
	s.touch()
	return evidence, err
}

// Probe checks reachability for backends that support it. Backends
// without a health probe report healthy.
func (s *Session) Probe(ctx context.Context) error {
	if prober, ok := s.backend.(interfaces.HealthProber); ok {
		return prober.Probe(ctx)
	}
	return nil
}

// Close tears the session down. Idempotent; the trust state is
// discarded with the session, never reused.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.backend.Close()
}

// TrustState returns the session's current standing.
func (s *Session) TrustState() interfaces.TrustState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trust
}

// VerifiedEvidence returns the last evidence the verifier accepted and
// when it was accepted.
func (s *Session) VerifiedEvidence() (interfaces.AttestationEvidence, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evidence, s.verifiedAt
}

// MarkTrusted records an accepting verdict for the given evidence.
func (s *Session) MarkTrusted(evidence interfaces.AttestationEvidence, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trust = interfaces.TrustTrusted
	s.evidence = evidence
	s.verifiedAt = at
	s.log.Debug("Session trusted", "teeKind", evidence.TEEKind.String(), "tcbVersion", evidence.TCBVersion)
}

// MarkRejected records a fatal trust failure. The session must not
// serve further requests.
func (s *Session) MarkRejected(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trust = interfaces.TrustRejected
	s.log.Error("Session rejected", "err", reason)
}

// MarkExpired records that cached evidence aged out; recoverable by
// re-attestation.
func (s *Session) MarkExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trust == interfaces.TrustTrusted {
		s.trust = interfaces.TrustExpired
	}
}

// MarkUnreachable excludes the session from dispatch until a probe
// succeeds.
func (s *Session) MarkUnreachable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trust != interfaces.TrustRejected {
		s.trust = interfaces.TrustUnreachable
	}
	s.log.Warn("Session unreachable")
}

// MarkReachable restores an unreachable session to expired so that the
// next selection re-attests before use.
func (s *Session) MarkReachable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trust == interfaces.TrustUnreachable {
		s.trust = interfaces.TrustExpired
	}
}

// LastActivity returns when the session last touched its backend.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}
