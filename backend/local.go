// Package backend implements the confidential backend variants and the
// session wrapper that owns their trust state. Local runs the executor
// in-process next to a local quoting mechanism; Remote talks to an
// executor daemon over a mutually authenticated channel.
package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/confidential-compute/tee-execution-backend/attestation"
	"github.com/confidential-compute/tee-execution-backend/enclave"
	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

// DefaultLocalCallTimeout bounds in-process calls. The local path is
// not subject to network-class timeouts but is still bounded so a
// wedged enclave cannot stall the dispatcher indefinitely.
const DefaultLocalCallTimeout = 5 * time.Second

// LocalConfig configures the in-process backend.
type LocalConfig struct {
	Executor *enclave.Executor
	Provider attestation.Provider

	// CallTimeout bounds each call; zero means DefaultLocalCallTimeout.
	CallTimeout time.Duration
}

// LocalBackend is the in-process enclave call path.
type LocalBackend struct {
	executor    *enclave.Executor
	provider    attestation.Provider
	callTimeout time.Duration

	sessionID  uuid.UUID
	reportData [64]byte

	mu       sync.Mutex
	evidence interfaces.AttestationEvidence
	opened   bool
	closed   bool
}

func NewLocalBackend(cfg LocalConfig) (*LocalBackend, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("local backend requires an executor")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("local backend requires an attestation provider")
	}

	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = DefaultLocalCallTimeout
	}

	sessionID := uuid.Must(uuid.NewRandom())
	return &LocalBackend{
		executor:    cfg.Executor,
		provider:    cfg.Provider,
		callTimeout: timeout,
		sessionID:   sessionID,
		reportData:  attestation.SessionReportData(sessionID, interfaces.KindLocal),
	}, nil
}

func (b *LocalBackend) Kind() interfaces.BackendKind { return interfaces.KindLocal }

func (b *LocalBackend) ReportData() [64]byte { return b.reportData }

// Open performs the initial attestation exchange. The local environment
// itself needs no establishment beyond being able to quote.
func (b *LocalBackend) Open(ctx context.Context) (interfaces.AttestationEvidence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return interfaces.AttestationEvidence{}, interfaces.ErrSessionClosed
	}

	evidence, err := b.provider.Attest(b.reportData)
	if err != nil {
		return interfaces.AttestationEvidence{}, fmt.Errorf("initial attestation failed: %w", err)
	}
	b.evidence = evidence
	b.opened = true
	return evidence, nil
}

func (b *LocalBackend) Execute(ctx context.Context, req interfaces.ExecutionRequest) (interfaces.ExecutionResult, interfaces.AttestationEvidence, error) {
	b.mu.Lock()
	if b.closed || !b.opened {
		b.mu.Unlock()
		return interfaces.ExecutionResult{}, interfaces.AttestationEvidence{}, interfaces.ErrSessionClosed
	}
	evidence := b.evidence
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	var (
		output  []byte
		newRoot interfaces.StateRoot
		err     error
	)
	if req.PriorStateRoot.IsZero() {
		output, newRoot, err = b.executor.Init(ctx, req)
	} else {
		output, newRoot, err = b.executor.Execute(ctx, req)
	}
	if err != nil {
		return interfaces.ExecutionResult{}, interfaces.AttestationEvidence{}, err
	}

	return interfaces.ExecutionResult{
		Output:       output,
		NewStateRoot: newRoot,
		Backend:      interfaces.KindLocal,
	}, evidence, nil
}

func (b *LocalBackend) Query(ctx context.Context, req interfaces.ExecutionRequest) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	return b.executor.Query(ctx, req)
}

func (b *LocalBackend) Attest(ctx context.Context) (interfaces.AttestationEvidence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return interfaces.AttestationEvidence{}, interfaces.ErrSessionClosed
	}

	evidence, err := b.provider.Attest(b.reportData)
	if err != nil {
		return interfaces.AttestationEvidence{}, fmt.Errorf("re-attestation failed: %w", err)
	}
	b.evidence = evidence
	return evidence, nil
}

func (b *LocalBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
