package backend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/confidential-compute/tee-execution-backend/api"
	"github.com/confidential-compute/tee-execution-backend/attestation"
	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

// RemoteConfig configures a backend reached over the network.
type RemoteConfig struct {
	// Kind tags this backend. It must match the kind the executor
	// daemon was started with, since evidence is bound to it.
	Kind interfaces.BackendKind

	// ServerAddr is the daemon's base URL.
	ServerAddr string

	// TLS configures the mutually authenticated channel. Transport
	// protection only; attestation stands on its own.
	TLS *tls.Config

	// AllowInsecureTransport permits a plaintext channel for local
	// development. Without it a nil TLS config is a configuration
	// error, mirroring how mock attestation must be named explicitly.
	AllowInsecureTransport bool

	// RequestTimeout bounds each call; zero means api.DefaultTimeout.
	RequestTimeout time.Duration

	// MaxRetries bounds transient retries before the session is
	// reported unreachable.
	MaxRetries uint64

	// InitialBackoff seeds the exponential backoff between retries;
	// zero means 250ms.
	InitialBackoff time.Duration
}

// RemoteBackend is the networked confidential VM call path.
type RemoteBackend struct {
	cfg    RemoteConfig
	client *api.Client

	mu         sync.Mutex
	sessionID  uuid.UUID
	reportData [64]byte
	opened     bool
	closed     bool
}

func NewRemoteBackend(cfg RemoteConfig) (*RemoteBackend, error) {
	if cfg.ServerAddr == "" {
		return nil, fmt.Errorf("remote backend requires a server address")
	}
	if cfg.Kind == "" {
		return nil, fmt.Errorf("remote backend requires a kind tag")
	}
	if cfg.TLS == nil && !cfg.AllowInsecureTransport {
		return nil, fmt.Errorf("remote backend requires mutual TLS; set AllowInsecureTransport to opt out for development")
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 250 * time.Millisecond
	}

	return &RemoteBackend{
		cfg: cfg,
		client: &api.Client{
			ServerAddr: cfg.ServerAddr,
			TLS:        cfg.TLS,
			Timeout:    cfg.RequestTimeout,
		},
	}, nil
}

func (b *RemoteBackend) Kind() interfaces.BackendKind { return b.cfg.Kind }

func (b *RemoteBackend) ReportData() [64]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reportData
}

// Open performs the remote handshake: it discovers the daemon's session
// identity and fetches its initial evidence. The evidence binding is
// derived from the daemon's session id and kind, so a daemon serving a
// different kind tag fails verification.
func (b *RemoteBackend) Open(ctx context.Context) (interfaces.AttestationEvidence, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return interfaces.AttestationEvidence{}, interfaces.ErrSessionClosed
	}
	b.mu.Unlock()

	var resp *api.AttestationResponse
	err := b.retryTransient(ctx, func() error {
		var err error
		resp, err = b.client.GetAttestation(ctx, "current")
		return err
	})
	if err != nil {
		return interfaces.AttestationEvidence{}, err
	}

	sessionID, err := uuid.Parse(resp.SessionID)
	if err != nil {
		return interfaces.AttestationEvidence{}, fmt.Errorf("daemon returned malformed session id %q: %w", resp.SessionID, err)
	}

	b.mu.Lock()
	b.sessionID = sessionID
	b.reportData = attestation.SessionReportData(sessionID, b.cfg.Kind)
	b.opened = true
	b.mu.Unlock()

	return resp.Evidence, nil
}

func (b *RemoteBackend) Execute(ctx context.Context, req interfaces.ExecutionRequest) (interfaces.ExecutionResult, interfaces.AttestationEvidence, error) {
	b.mu.Lock()
	if b.closed || !b.opened {
		b.mu.Unlock()
		return interfaces.ExecutionResult{}, interfaces.AttestationEvidence{}, interfaces.ErrSessionClosed
	}
	b.mu.Unlock()

	var resp *api.ExecutionResponse
	err := b.retryTransient(ctx, func() error {
		var err error
		if req.PriorStateRoot.IsZero() {
			resp, err = b.client.InitContract(ctx, api.InitContractRequest{
				CodeHash:    req.CodeHash,
				InitMessage: req.Message,
				Environment: req.Environment,
			})
		} else {
			resp, err = b.client.ExecuteContract(ctx, api.ExecuteContractRequest{
				CodeHash:       req.CodeHash,
				Message:        req.Message,
				Environment:    req.Environment,
				PriorStateRoot: req.PriorStateRoot,
			})
		}
		return err
	})
	if err != nil {
		return interfaces.ExecutionResult{}, interfaces.AttestationEvidence{}, err
	}

	return interfaces.ExecutionResult{
		Output:       resp.Output,
		NewStateRoot: resp.NewStateRoot,
		Backend:      b.cfg.Kind,
	}, resp.Evidence, nil
}

func (b *RemoteBackend) Query(ctx context.Context, req interfaces.ExecutionRequest) ([]byte, error) {
	var resp *api.QueryResponse
	err := b.retryTransient(ctx, func() error {
		var err error
		resp, err = b.client.QueryContract(ctx, api.QueryContractRequest{
			CodeHash:    req.CodeHash,
			Message:     req.Message,
			Environment: req.Environment,
			StateRoot:   req.PriorStateRoot,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp.Output, nil
}

func (b *RemoteBackend) Attest(ctx context.Context) (interfaces.AttestationEvidence, error) {
	b.mu.Lock()
	sessionID := b.sessionID
	opened := b.opened && !b.closed
	b.mu.Unlock()
	if !opened {
		return interfaces.AttestationEvidence{}, interfaces.ErrSessionClosed
	}

	var resp *api.AttestationResponse
	err := b.retryTransient(ctx, func() error {
		var err error
		resp, err = b.client.GetAttestation(ctx, sessionID.String())
		return err
	})
	if err != nil {
		return interfaces.AttestationEvidence{}, err
	}
	return resp.Evidence, nil
}

// Probe checks the daemon's liveness endpoint, without retries.
func (b *RemoteBackend) Probe(ctx context.Context) error {
	if err := b.client.Livez(ctx); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrUnreachable, err)
	}
	return nil
}

func (b *RemoteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// retryTransient runs op, retrying connection-level failures with
// exponential backoff up to the configured budget. Protocol-level
// errors (an HTTP status from the daemon) are never retried. Exhausting
// the budget yields ErrUnreachable.
func (b *RemoteBackend) retryTransient(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.InitialBackoff

	var bo backoff.BackOff = backoff.WithContext(policy, ctx)
	bo = backoff.WithMaxRetries(bo, b.cfg.MaxRetries)

	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}

		var reqErr *api.RequestError
		if errors.As(err, &reqErr) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
	if err == nil {
		return nil
	}

	var reqErr *api.RequestError
	if errors.As(err, &reqErr) {
		return err
	}
	return fmt.Errorf("%w: %v", interfaces.ErrUnreachable, err)
}
