package attestation

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

func TestRemoteQuoteProviderRequestsBoundQuote(t *testing.T) {
	reportData := [64]byte{0x01, 0x02}

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		// Not a parseable quote; the provider must surface that as an
		// error rather than fabricating evidence.
		w.Write([]byte("not-a-quote"))
	}))
	defer srv.Close()

	provider := &RemoteQuoteProvider{Address: srv.URL, Kind: interfaces.TEEKindTDX}
	assert.Equal(t, interfaces.TEEKindTDX, provider.TEEKind())

	_, err := provider.Attest(reportData)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not parse quote")

	// The report data travels in the request so the quote is bound to
	// this session, not whatever the endpoint last quoted.
	assert.Equal(t, fmt.Sprintf("/attest/%x", reportData), gotPath)
}

func TestRemoteQuoteProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quoting device unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	provider := &RemoteQuoteProvider{Address: srv.URL, Kind: interfaces.TEEKindTDX}
	_, err := provider.Attest([64]byte{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestRemoteQuoteProviderUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	provider := &RemoteQuoteProvider{Address: srv.URL, Kind: interfaces.TEEKindTDX}
	_, err := provider.Attest([64]byte{})
	assert.Error(t, err)
}
