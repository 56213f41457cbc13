package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confidential-compute/tee-execution-backend/attestation"
	"github.com/confidential-compute/tee-execution-backend/enclave"
	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

var testMeasurement = interfaces.Measurement{0x0a, 0x0b}

type testDaemon struct {
	handler  *Handler
	provider *attestation.MockProvider
	server   *httptest.Server
	client   *Client
}

func newTestDaemon(t *testing.T) *testDaemon {
	t.Helper()

	provider, err := attestation.NewMockProvider([]byte("api-test-seed-00000000000000000"), testMeasurement, 3)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler, err := NewHandler(enclave.NewExecutor(), provider, interfaces.KindRemoteA, 5*time.Minute, logger)
	require.NoError(t, err)

	router := chi.NewRouter()
	handler.RegisterRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testDaemon{
		handler:  handler,
		provider: provider,
		server:   server,
		client:   &Client{ServerAddr: server.URL},
	}
}

func TestInitExecuteRoundTrip(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	initResp, err := d.client.InitContract(ctx, InitContractRequest{
		CodeHash:    interfaces.CodeHash{0x01},
		InitMessage: []byte("init"),
		Environment: "default",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, initResp.Output)
	assert.False(t, initResp.NewStateRoot.IsZero())
	assert.Equal(t, interfaces.TEEKindMock, initResp.Evidence.TEEKind)
	assert.NotEmpty(t, initResp.Evidence.VendorProof)

	execResp, err := d.client.ExecuteContract(ctx, ExecuteContractRequest{
		CodeHash:       interfaces.CodeHash{0x01},
		Message:        []byte("step"),
		Environment:    "default",
		PriorStateRoot: initResp.NewStateRoot,
	})
	require.NoError(t, err)
	assert.NotEqual(t, initResp.NewStateRoot, execResp.NewStateRoot)
}

func TestExecuteRejectsStaleRoot(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	initResp, err := d.client.InitContract(ctx, InitContractRequest{
		CodeHash:    interfaces.CodeHash{0x01},
		InitMessage: []byte("init"),
	})
	require.NoError(t, err)

	stale := initResp.NewStateRoot
	stale[0] ^= 0xff
	_, err = d.client.ExecuteContract(ctx, ExecuteContractRequest{
		CodeHash:       interfaces.CodeHash{0x01},
		Message:        []byte("step"),
		PriorStateRoot: stale,
	})
	require.Error(t, err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusConflict, reqErr.StatusCode)
}

func TestQueryCarriesNoEvidence(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	initResp, err := d.client.InitContract(ctx, InitContractRequest{
		CodeHash:    interfaces.CodeHash{0x02},
		InitMessage: []byte("init"),
	})
	require.NoError(t, err)

	resp, err := d.client.QueryContract(ctx, QueryContractRequest{
		CodeHash:  interfaces.CodeHash{0x02},
		Message:   []byte("state?"),
		StateRoot: initResp.NewStateRoot,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Output)
}

func TestGetAttestation(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	// "current" discovers the daemon's session.
	current, err := d.client.GetAttestation(ctx, "current")
	require.NoError(t, err)
	assert.Equal(t, d.handler.SessionID().String(), current.SessionID)

	// The discovered id works directly.
	byID, err := d.client.GetAttestation(ctx, current.SessionID)
	require.NoError(t, err)
	assert.Equal(t, current.SessionID, byID.SessionID)

	// Anything else is not served.
	_, err = d.client.GetAttestation(ctx, "b5c1a063-33b1-4a14-9c92-0000deadbeef")
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusNotFound, reqErr.StatusCode)
}

func TestServedEvidenceVerifies(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	resp, err := d.client.GetAttestation(ctx, "current")
	require.NoError(t, err)

	verifier := attestation.NewVerifier(&attestation.MockChecker{
		TrustedSigners: []ethcommon.Address{d.provider.SignerAddress()},
	})
	policy := &attestation.Policy{
		Rules: []attestation.Rule{{
			TEEKind:       interfaces.TEEKindMock,
			Measurement:   testMeasurement,
			MinTCBVersion: 2,
		}},
		MaxEvidenceAge: time.Minute,
	}

	// The wire round trip must preserve the session binding.
	reportData := attestation.SessionReportData(d.handler.SessionID(), interfaces.KindRemoteA)
	assert.NoError(t, verifier.Verify(resp.Evidence, policy, reportData, time.Now()))

	// Evidence does not verify against a different kind's binding.
	wrongKind := attestation.SessionReportData(d.handler.SessionID(), interfaces.KindRemoteB)
	assert.ErrorIs(t, verifier.Verify(resp.Evidence, policy, wrongKind, time.Now()), interfaces.ErrInvalidProof)
}

func TestMalformedBody(t *testing.T) {
	d := newTestDaemon(t)

	resp, err := http.Post(d.server.URL+"/api/v1/contracts/execute", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClientReportsProtocolErrors(t *testing.T) {
	// A daemon that answers with an error status must surface a typed
	// RequestError so the caller can tell protocol failures from
	// transport failures.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := &Client{ServerAddr: server.URL}
	_, err := client.GetAttestation(context.Background(), "current")
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusInternalServerError, reqErr.StatusCode)

	// A dead endpoint is a transport failure, not a RequestError.
	server.Close()
	_, err = client.GetAttestation(context.Background(), "current")
	require.Error(t, err)
	var transportErr *RequestError
	assert.False(t, errors.As(err, &transportErr))
}
