package attestation

import (
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

var testMeasurement = interfaces.Measurement{0x01, 0x02, 0x03, 0x04}

func newTestProvider(t *testing.T, tcbVersion uint32) *MockProvider {
	t.Helper()
	provider, err := NewMockProvider([]byte("unit-test-seed-0123456789abcdef"), testMeasurement, tcbVersion)
	require.NoError(t, err)
	return provider
}

func testPolicy(minTCB uint32, maxAge time.Duration) *Policy {
	return &Policy{
		Rules: []Rule{{
			TEEKind:       interfaces.TEEKindMock,
			Measurement:   testMeasurement,
			MinTCBVersion: minTCB,
		}},
		MaxEvidenceAge: maxAge,
	}
}

func TestVerifyTrusted(t *testing.T) {
	provider := newTestProvider(t, 4)
	verifier := NewVerifier(&MockChecker{TrustedSigners: []ethcommon.Address{provider.SignerAddress()}})

	reportData := SessionReportData(uuid.New(), interfaces.KindLocal)
	evidence, err := provider.Attest(reportData)
	require.NoError(t, err)

	err = verifier.Verify(evidence, testPolicy(3, time.Minute), reportData, time.Now())
	assert.NoError(t, err)
}

func TestVerifyRejections(t *testing.T) {
	provider := newTestProvider(t, 2)
	verifier := NewVerifier(&MockChecker{TrustedSigners: []ethcommon.Address{provider.SignerAddress()}})
	reportData := SessionReportData(uuid.New(), interfaces.KindLocal)

	tests := []struct {
		name       string
		mutate     func(e *interfaces.AttestationEvidence)
		policy     *Policy
		reportData [64]byte
		now        time.Time
		wantReason error
	}{
		{
			name:       "unknown kind",
			mutate:     func(e *interfaces.AttestationEvidence) { e.TEEKind = "sev-snp" },
			policy:     testPolicy(1, time.Minute),
			reportData: reportData,
			now:        time.Now(),
			wantReason: interfaces.ErrUnknownKind,
		},
		{
			name:       "measurement not whitelisted",
			mutate:     func(e *interfaces.AttestationEvidence) { e.Measurement[0] ^= 0xff },
			policy:     testPolicy(1, time.Minute),
			reportData: reportData,
			now:        time.Now(),
			wantReason: interfaces.ErrMeasurementNotWhitelisted,
		},
		{
			name:       "tcb below minimum",
			mutate:     func(e *interfaces.AttestationEvidence) {},
			policy:     testPolicy(3, time.Minute),
			reportData: reportData,
			now:        time.Now(),
			wantReason: interfaces.ErrTcbTooOld,
		},
		{
			name: "tampered tcb fails proof check",
			// Claiming a higher version passes the TCB gate but breaks
			// the signature over the evidence fields.
			mutate:     func(e *interfaces.AttestationEvidence) { e.TCBVersion = 7 },
			policy:     testPolicy(3, time.Minute),
			reportData: reportData,
			now:        time.Now(),
			wantReason: interfaces.ErrInvalidProof,
		},
		{
			name:       "wrong report data binding",
			mutate:     func(e *interfaces.AttestationEvidence) {},
			policy:     testPolicy(1, time.Minute),
			reportData: SessionReportData(uuid.New(), interfaces.KindRemoteA),
			now:        time.Now(),
			wantReason: interfaces.ErrInvalidProof,
		},
		{
			name:       "stale evidence",
			mutate:     func(e *interfaces.AttestationEvidence) {},
			policy:     testPolicy(1, time.Minute),
			reportData: reportData,
			now:        time.Now().Add(2 * time.Minute),
			wantReason: interfaces.ErrStaleEvidence,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evidence, err := provider.Attest(reportData)
			require.NoError(t, err)
			tt.mutate(&evidence)

			verdict := verifier.Verify(evidence, tt.policy, tt.reportData, tt.now)
			require.Error(t, verdict)
			assert.ErrorIs(t, verdict, tt.wantReason)

			var verr *interfaces.VerificationError
			assert.ErrorAs(t, verdict, &verr)
		})
	}
}

func TestVerifyChecksOrder(t *testing.T) {
	// A non-whitelisted measurement on stale evidence must surface the
	// measurement rejection: staleness is checked last.
	provider := newTestProvider(t, 2)
	verifier := NewVerifier(&MockChecker{TrustedSigners: []ethcommon.Address{provider.SignerAddress()}})

	reportData := SessionReportData(uuid.New(), interfaces.KindLocal)
	evidence, err := provider.Attest(reportData)
	require.NoError(t, err)
	evidence.Measurement[0] ^= 0xff

	verdict := verifier.Verify(evidence, testPolicy(1, time.Minute), reportData, time.Now().Add(time.Hour))
	assert.ErrorIs(t, verdict, interfaces.ErrMeasurementNotWhitelisted)
	assert.NotErrorIs(t, verdict, interfaces.ErrStaleEvidence)
}

func TestVerifyUntrustedSigner(t *testing.T) {
	provider := newTestProvider(t, 2)
	other := newTestProviderWithSeed(t, "another-seed-0123456789abcdef00")
	verifier := NewVerifier(&MockChecker{TrustedSigners: []ethcommon.Address{other.SignerAddress()}})

	reportData := SessionReportData(uuid.New(), interfaces.KindLocal)
	evidence, err := provider.Attest(reportData)
	require.NoError(t, err)

	verdict := verifier.Verify(evidence, testPolicy(1, time.Minute), reportData, time.Now())
	assert.ErrorIs(t, verdict, interfaces.ErrInvalidProof)
}

func newTestProviderWithSeed(t *testing.T, seed string) *MockProvider {
	t.Helper()
	provider, err := NewMockProvider([]byte(seed), testMeasurement, 2)
	require.NoError(t, err)
	return provider
}

func TestTrustFailureClassification(t *testing.T) {
	assert.True(t, interfaces.IsTrustFailure(interfaces.ErrInvalidProof))
	assert.True(t, interfaces.IsTrustFailure(interfaces.ErrMeasurementNotWhitelisted))
	assert.True(t, interfaces.IsTrustFailure(interfaces.ErrTcbTooOld))
	assert.True(t, interfaces.IsTrustFailure(interfaces.ErrUnknownKind))
	assert.False(t, interfaces.IsTrustFailure(interfaces.ErrStaleEvidence))
	assert.False(t, interfaces.IsTrustFailure(interfaces.ErrUnreachable))
}
