package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks the remote execution protocol to an executor daemon.
// Mutual TLS is configured through the TLS field; a bounded timeout is
// applied to every call.
type Client struct {
	// ServerAddr is the base URL of the executor daemon.
	ServerAddr string

	// TLS, when set, is used for the mutually authenticated channel.
	TLS *tls.Config

	// Timeout bounds each request; zero means DefaultTimeout.
	Timeout time.Duration

	httpClient *http.Client
}

// DefaultTimeout bounds remote calls when no timeout is configured.
const DefaultTimeout = 30 * time.Second

func (c *Client) client() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	transport := &http.Transport{TLSClientConfig: c.TLS}
	c.httpClient = &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
	return c.httpClient
}

// InitContract establishes a contract's initial state on the daemon.
func (c *Client) InitContract(ctx context.Context, req InitContractRequest) (*ExecutionResponse, error) {
	var resp ExecutionResponse
	if err := c.post(ctx, "/api/v1/contracts/init", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExecuteContract runs one state-advancing request on the daemon.
func (c *Client) ExecuteContract(ctx context.Context, req ExecuteContractRequest) (*ExecutionResponse, error) {
	var resp ExecutionResponse
	if err := c.post(ctx, "/api/v1/contracts/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueryContract evaluates a read-only request on the daemon.
func (c *Client) QueryContract(ctx context.Context, req QueryContractRequest) (*QueryResponse, error) {
	var resp QueryResponse
	if err := c.post(ctx, "/api/v1/contracts/query", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAttestation fetches standalone evidence for the given session id,
// or "current" to discover the daemon's session.
func (c *Client) GetAttestation(ctx context.Context, sessionID string) (*AttestationResponse, error) {
	url := fmt.Sprintf("%s/api/v1/attestation/%s", c.ServerAddr, sessionID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var resp AttestationResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Livez probes the daemon's liveness endpoint. Used to bring an
// unreachable session back into dispatch.
func (c *Client) Livez(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ServerAddr+"/livez", nil)
	if err != nil {
		return err
	}

	resp, err := c.client().Do(httpReq)
	if err != nil {
		return fmt.Errorf("liveness probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("liveness probe returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, req any, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("could not encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ServerAddr+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return c.do(httpReq, resp)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client().Do(req)
	if err != nil {
		return fmt.Errorf("could not reach executor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return &RequestError{StatusCode: resp.StatusCode, Err: fmt.Errorf("executor returned status %d", resp.StatusCode)}
		}
		return &RequestError{StatusCode: resp.StatusCode, Err: fmt.Errorf("executor returned status %d: %s", resp.StatusCode, string(bodyBytes))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not parse executor response: %w", err)
	}
	return nil
}
