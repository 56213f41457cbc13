package backend

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confidential-compute/tee-execution-backend/attestation"
	"github.com/confidential-compute/tee-execution-backend/enclave"
	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend is a scripted in-memory backend for session tests.
type fakeBackend struct {
	kind     interfaces.BackendKind
	evidence interfaces.AttestationEvidence

	mu       sync.Mutex
	executeC chan struct{} // when set, Execute blocks until closed
	enteredC chan struct{} // when set, closed once Execute is entered
	probeErr error
	closed   bool
}

func (f *fakeBackend) Kind() interfaces.BackendKind { return f.kind }
func (f *fakeBackend) ReportData() [64]byte         { return [64]byte{} }

func (f *fakeBackend) Open(ctx context.Context) (interfaces.AttestationEvidence, error) {
	return f.evidence, nil
}

func (f *fakeBackend) Execute(ctx context.Context, req interfaces.ExecutionRequest) (interfaces.ExecutionResult, interfaces.AttestationEvidence, error) {
	f.mu.Lock()
	blocker := f.executeC
	entered := f.enteredC
	f.enteredC = nil
	f.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if blocker != nil {
		<-blocker
	}
	return interfaces.ExecutionResult{
		Output:  []byte("ok"),
		Backend: f.kind,
	}, f.evidence, nil
}

func (f *fakeBackend) Query(ctx context.Context, req interfaces.ExecutionRequest) ([]byte, error) {
	return []byte("query"), nil
}

func (f *fakeBackend) Attest(ctx context.Context) (interfaces.AttestationEvidence, error) {
	return f.evidence, nil
}

func (f *fakeBackend) Probe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeErr
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestSessionSingleInFlight(t *testing.T) {
	blocker := make(chan struct{})
	entered := make(chan struct{})
	fake := &fakeBackend{kind: interfaces.KindRemoteA, executeC: blocker, enteredC: entered}
	sess := NewSession(fake, testLogger())

	_, err := sess.Open(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := sess.Execute(context.Background(), interfaces.ExecutionRequest{})
		done <- err
	}()

	<-entered
	_, _, err = sess.Execute(context.Background(), interfaces.ExecutionRequest{})
	assert.ErrorIs(t, err, interfaces.ErrSessionBusy)
	_, err = sess.Query(context.Background(), interfaces.ExecutionRequest{})
	assert.ErrorIs(t, err, interfaces.ErrSessionBusy)

	fake.mu.Lock()
	fake.executeC = nil
	fake.mu.Unlock()
	close(blocker)
	assert.NoError(t, <-done)

	// Slot is released after completion.
	_, _, err = sess.Execute(context.Background(), interfaces.ExecutionRequest{})
	assert.NoError(t, err)
}

func TestSessionTrustTransitions(t *testing.T) {
	fake := &fakeBackend{kind: interfaces.KindRemoteA}
	sess := NewSession(fake, testLogger())

	assert.Equal(t, interfaces.TrustUntrusted, sess.TrustState())

	evidence := interfaces.AttestationEvidence{TEEKind: interfaces.TEEKindMock, Timestamp: time.Now().Unix()}
	now := time.Now()
	sess.MarkTrusted(evidence, now)
	assert.Equal(t, interfaces.TrustTrusted, sess.TrustState())

	got, at := sess.VerifiedEvidence()
	assert.Equal(t, evidence.Timestamp, got.Timestamp)
	assert.Equal(t, now, at)

	sess.MarkExpired()
	assert.Equal(t, interfaces.TrustExpired, sess.TrustState())

	sess.MarkUnreachable()
	assert.Equal(t, interfaces.TrustUnreachable, sess.TrustState())

	sess.MarkReachable()
	assert.Equal(t, interfaces.TrustExpired, sess.TrustState())

	sess.MarkRejected(interfaces.ErrInvalidProof)
	assert.Equal(t, interfaces.TrustRejected, sess.TrustState())

	// Rejection is permanent: unreachable and reachable transitions
	// must not resurrect the session.
	sess.MarkUnreachable()
	assert.Equal(t, interfaces.TrustRejected, sess.TrustState())
	sess.MarkReachable()
	assert.Equal(t, interfaces.TrustRejected, sess.TrustState())
}

func TestSessionExpireOnlyFromTrusted(t *testing.T) {
	fake := &fakeBackend{kind: interfaces.KindRemoteA}
	sess := NewSession(fake, testLogger())

	sess.MarkExpired()
	assert.Equal(t, interfaces.TrustUntrusted, sess.TrustState())
}

func TestSessionClose(t *testing.T) {
	fake := &fakeBackend{kind: interfaces.KindRemoteA}
	sess := NewSession(fake, testLogger())

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())

	_, err := sess.Open(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrSessionClosed)
	_, _, err = sess.Execute(context.Background(), interfaces.ExecutionRequest{})
	assert.ErrorIs(t, err, interfaces.ErrSessionClosed)
	_, err = sess.Query(context.Background(), interfaces.ExecutionRequest{})
	assert.ErrorIs(t, err, interfaces.ErrSessionClosed)
	_, err = sess.Attest(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrSessionClosed)
}

func TestSessionProbe(t *testing.T) {
	fake := &fakeBackend{kind: interfaces.KindRemoteA, probeErr: interfaces.ErrUnreachable}
	sess := NewSession(fake, testLogger())
	assert.ErrorIs(t, sess.Probe(context.Background()), interfaces.ErrUnreachable)

	fake.mu.Lock()
	fake.probeErr = nil
	fake.mu.Unlock()
	assert.NoError(t, sess.Probe(context.Background()))
}

func TestLocalBackendRoundTrip(t *testing.T) {
	provider, err := attestation.NewMockProvider([]byte("local-backend-test-seed-000000"), interfaces.Measurement{0x01}, 2)
	require.NoError(t, err)

	local, err := NewLocalBackend(LocalConfig{
		Executor: enclave.NewExecutor(),
		Provider: provider,
	})
	require.NoError(t, err)

	evidence, err := local.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, interfaces.TEEKindMock, evidence.TEEKind)

	// Zero prior root initializes the contract.
	result, execEvidence, err := local.Execute(context.Background(), interfaces.ExecutionRequest{
		CodeHash: interfaces.CodeHash{0x01},
		Message:  []byte("init"),
	})
	require.NoError(t, err)
	assert.Equal(t, interfaces.KindLocal, result.Backend)
	assert.False(t, result.NewStateRoot.IsZero())
	assert.Equal(t, evidence.VendorProof, execEvidence.VendorProof)

	// The returned root chains into the next execution.
	result2, _, err := local.Execute(context.Background(), interfaces.ExecutionRequest{
		CodeHash:       interfaces.CodeHash{0x01},
		Message:        []byte("step"),
		PriorStateRoot: result.NewStateRoot,
	})
	require.NoError(t, err)
	assert.NotEqual(t, result.NewStateRoot, result2.NewStateRoot)
}
