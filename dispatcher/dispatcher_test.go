package dispatcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confidential-compute/tee-execution-backend/attestation"
	"github.com/confidential-compute/tee-execution-backend/backend"
	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

var testMeasurement = interfaces.Measurement{0x01, 0x02, 0x03, 0x04}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedBackend drives dispatcher tests with controlled evidence and
// failure injection.
type scriptedBackend struct {
	kind     interfaces.BackendKind
	rd       [64]byte
	provider *attestation.MockProvider

	openErr      error
	execErr      error
	probeErr     error
	execEvidence *interfaces.AttestationEvidence // overrides provider evidence on Execute
	output       []byte

	openCalls, execCalls, attestCalls int
}

func (f *scriptedBackend) Kind() interfaces.BackendKind { return f.kind }
func (f *scriptedBackend) ReportData() [64]byte         { return f.rd }

func (f *scriptedBackend) Open(ctx context.Context) (interfaces.AttestationEvidence, error) {
	f.openCalls++
	if f.openErr != nil {
		return interfaces.AttestationEvidence{}, f.openErr
	}
	return f.provider.Attest(f.rd)
}

func (f *scriptedBackend) Execute(ctx context.Context, req interfaces.ExecutionRequest) (interfaces.ExecutionResult, interfaces.AttestationEvidence, error) {
	f.execCalls++
	if f.execErr != nil {
		return interfaces.ExecutionResult{}, interfaces.AttestationEvidence{}, f.execErr
	}

	var evidence interfaces.AttestationEvidence
	var err error
	if f.execEvidence != nil {
		evidence = *f.execEvidence
	} else {
		evidence, err = f.provider.Attest(f.rd)
		if err != nil {
			return interfaces.ExecutionResult{}, interfaces.AttestationEvidence{}, err
		}
	}

	output := f.output
	if output == nil {
		output = []byte("ok")
	}
	return interfaces.ExecutionResult{
		Output:       output,
		NewStateRoot: interfaces.StateRoot{0x11},
		Backend:      f.kind,
	}, evidence, nil
}

func (f *scriptedBackend) Query(ctx context.Context, req interfaces.ExecutionRequest) ([]byte, error) {
	return []byte("query"), nil
}

func (f *scriptedBackend) Attest(ctx context.Context) (interfaces.AttestationEvidence, error) {
	f.attestCalls++
	return f.provider.Attest(f.rd)
}

func (f *scriptedBackend) Probe(ctx context.Context) error { return f.probeErr }
func (f *scriptedBackend) Close() error                    { return nil }

type fixture struct {
	provider *attestation.MockProvider
	verifier *attestation.Verifier
	policy   *attestation.Policy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	provider, err := attestation.NewMockProvider([]byte("dispatcher-test-seed-0000000000"), testMeasurement, 3)
	require.NoError(t, err)

	return &fixture{
		provider: provider,
		verifier: attestation.NewVerifier(&attestation.MockChecker{
			TrustedSigners: []ethcommon.Address{provider.SignerAddress()},
		}),
		policy: &attestation.Policy{
			Rules: []attestation.Rule{{
				TEEKind:       interfaces.TEEKindMock,
				Measurement:   testMeasurement,
				MinTCBVersion: 2,
			}},
			MaxEvidenceAge: time.Minute,
		},
	}
}

func (fx *fixture) newBackend(kind interfaces.BackendKind) *scriptedBackend {
	return &scriptedBackend{kind: kind, rd: [64]byte{0x42}, provider: fx.provider}
}

func testRequest() interfaces.ExecutionRequest {
	return interfaces.ExecutionRequest{
		CodeHash: interfaces.CodeHash{0xaa},
		Message:  []byte("step"),
	}
}

func TestRunTrustedPrimary(t *testing.T) {
	fx := newFixture(t)
	primary := fx.newBackend(interfaces.KindLocal)
	sess := backend.NewSession(primary, testLogger())

	d := New(sess, nil, fx.verifier, fx.policy, Config{}, testLogger())

	result, err := d.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, interfaces.KindLocal, result.Backend)
	assert.Equal(t, interfaces.TrustTrusted, sess.TrustState())
	assert.Equal(t, 1, primary.openCalls)
	assert.Equal(t, 1, primary.execCalls)
}

func TestRunFallsBackWhenPrimaryUnreachable(t *testing.T) {
	fx := newFixture(t)
	primary := fx.newBackend(interfaces.KindRemoteA)
	primary.openErr = interfaces.ErrUnreachable
	fallback := fx.newBackend(interfaces.KindRemoteB)

	primarySess := backend.NewSession(primary, testLogger())
	fallbackSess := backend.NewSession(fallback, testLogger())
	d := New(primarySess, fallbackSess, fx.verifier, fx.policy, Config{}, testLogger())

	result, err := d.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, interfaces.KindRemoteB, result.Backend, "result must carry the producing backend's kind")
	assert.Equal(t, interfaces.TrustUnreachable, primarySess.TrustState())
	assert.Equal(t, 0, primary.execCalls)
}

func TestRunProbeRecoversUnreachablePrimary(t *testing.T) {
	fx := newFixture(t)
	primary := fx.newBackend(interfaces.KindRemoteA)
	primary.openErr = interfaces.ErrUnreachable
	sess := backend.NewSession(primary, testLogger())
	d := New(sess, nil, fx.verifier, fx.policy, Config{}, testLogger())

	_, err := d.Run(context.Background(), testRequest())
	require.ErrorIs(t, err, interfaces.ErrNoBackendAvailable)
	require.Equal(t, interfaces.TrustUnreachable, sess.TrustState())

	// While the probe keeps failing the session stays excluded: no
	// attestation exchange, no execution.
	primary.openErr = nil
	primary.probeErr = interfaces.ErrUnreachable
	_, err = d.Run(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, interfaces.TrustUnreachable, sess.TrustState())
	assert.Equal(t, 1, primary.openCalls)
	assert.Equal(t, 0, primary.execCalls)

	// A succeeding probe brings the session back through a fresh
	// attestation exchange before it serves again.
	primary.probeErr = nil
	result, err := d.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, interfaces.KindRemoteA, result.Backend)
	assert.Equal(t, interfaces.TrustTrusted, sess.TrustState())
	assert.Equal(t, 2, primary.openCalls)
	assert.Equal(t, 1, primary.execCalls)
}

func TestRunFallsBackWhenPrimaryRejected(t *testing.T) {
	fx := newFixture(t)

	// The primary presents evidence signed by a key nobody trusts.
	rogue, err := attestation.NewMockProvider([]byte("rogue-provider-seed-00000000000"), testMeasurement, 3)
	require.NoError(t, err)
	primary := fx.newBackend(interfaces.KindRemoteA)
	primary.provider = rogue
	fallback := fx.newBackend(interfaces.KindRemoteB)

	primarySess := backend.NewSession(primary, testLogger())
	fallbackSess := backend.NewSession(fallback, testLogger())
	d := New(primarySess, fallbackSess, fx.verifier, fx.policy, Config{}, testLogger())

	result, err := d.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, interfaces.KindRemoteB, result.Backend)
	assert.Equal(t, interfaces.TrustRejected, primarySess.TrustState())

	// The rejection is permanent: the next request goes straight to the
	// fallback without touching the primary backend again.
	openCalls := primary.openCalls
	result, err = d.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, interfaces.KindRemoteB, result.Backend)
	assert.Equal(t, openCalls, primary.openCalls)
}

func TestRunNoBackendAvailable(t *testing.T) {
	fx := newFixture(t)
	primary := fx.newBackend(interfaces.KindRemoteA)
	primary.openErr = interfaces.ErrUnreachable
	fallback := fx.newBackend(interfaces.KindRemoteB)
	fallback.openErr = interfaces.ErrUnreachable

	d := New(
		backend.NewSession(primary, testLogger()),
		backend.NewSession(fallback, testLogger()),
		fx.verifier, fx.policy, Config{}, testLogger())

	_, err := d.Run(context.Background(), testRequest())
	assert.ErrorIs(t, err, interfaces.ErrNoBackendAvailable)
}

func TestRunExecutionFailureIsNotRetriedElsewhere(t *testing.T) {
	fx := newFixture(t)
	primary := fx.newBackend(interfaces.KindRemoteA)
	fallback := fx.newBackend(interfaces.KindRemoteB)

	d := New(
		backend.NewSession(primary, testLogger()),
		backend.NewSession(fallback, testLogger()),
		fx.verifier, fx.policy, Config{}, testLogger())

	// First request trusts the primary.
	_, err := d.Run(context.Background(), testRequest())
	require.NoError(t, err)

	// An execution-level failure on the trusted primary must fail the
	// request outright rather than replaying it on the fallback.
	primary.execErr = errors.New("prior state root mismatch")
	_, err = d.Run(context.Background(), testRequest())
	require.Error(t, err)
	assert.NotErrorIs(t, err, interfaces.ErrNoBackendAvailable)
	assert.Equal(t, 0, fallback.execCalls)
}

func TestRunDiscardsResultOnInvalidFreshEvidence(t *testing.T) {
	fx := newFixture(t)
	primary := fx.newBackend(interfaces.KindRemoteA)
	fallback := fx.newBackend(interfaces.KindRemoteB)

	primarySess := backend.NewSession(primary, testLogger())
	d := New(
		primarySess,
		backend.NewSession(fallback, testLogger()),
		fx.verifier, fx.policy, Config{}, testLogger())

	_, err := d.Run(context.Background(), testRequest())
	require.NoError(t, err)

	// The next execution arrives with evidence claiming an unknown
	// measurement. The produced result must be discarded.
	bad, err := fx.provider.Attest(primary.rd)
	require.NoError(t, err)
	bad.Measurement[0] ^= 0xff
	primary.execEvidence = &bad

	_, err = d.Run(context.Background(), testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrMeasurementNotWhitelisted)
	assert.Equal(t, interfaces.TrustRejected, primarySess.TrustState())
	assert.Equal(t, 0, fallback.execCalls)
}

func TestRunStaleEvidenceTriggersOneReattest(t *testing.T) {
	fx := newFixture(t)
	primary := fx.newBackend(interfaces.KindLocal)
	sess := backend.NewSession(primary, testLogger())
	d := New(sess, nil, fx.verifier, fx.policy, Config{}, testLogger())

	_, err := d.Run(context.Background(), testRequest())
	require.NoError(t, err)

	// Evidence produced with the execution is already past the age
	// window; one re-attestation of the same session recovers.
	fx.provider.Now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	stale, err := fx.provider.Attest(primary.rd)
	require.NoError(t, err)
	fx.provider.Now = time.Now
	primary.execEvidence = &stale

	result, err := d.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, interfaces.KindLocal, result.Backend)
	assert.Equal(t, 1, primary.attestCalls)
	assert.Equal(t, interfaces.TrustTrusted, sess.TrustState())
}

func TestRunReattestsAfterEvidenceExpiry(t *testing.T) {
	fx := newFixture(t)
	primary := fx.newBackend(interfaces.KindLocal)
	sess := backend.NewSession(primary, testLogger())
	d := New(sess, nil, fx.verifier, fx.policy, Config{}, testLogger())

	_, err := d.Run(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, 1, primary.openCalls)

	// Jump the dispatcher clock past the evidence age window: selection
	// must re-attest before serving.
	d.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, err = d.Run(context.Background(), testRequest())
	require.Error(t, err, "re-attested evidence is immediately stale under the advanced clock")

	// With a provider issuing matching timestamps the session recovers.
	fx.provider.Now = d.now
	_, err = d.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, interfaces.TrustTrusted, sess.TrustState())
}

func TestQueryUsesTrustedSession(t *testing.T) {
	fx := newFixture(t)
	primary := fx.newBackend(interfaces.KindLocal)
	sess := backend.NewSession(primary, testLogger())
	d := New(sess, nil, fx.verifier, fx.policy, Config{}, testLogger())

	output, err := d.Query(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, []byte("query"), output)
	assert.Equal(t, interfaces.TrustTrusted, sess.TrustState())
}
