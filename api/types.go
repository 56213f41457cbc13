// Package api defines the vendor-agnostic wire protocol between the
// dispatcher and a remote confidential VM, plus the server and client
// implementing it. All payloads are JSON; hashes and measurements are
// hex strings, byte blobs base64.
package api

import (
	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

// InitContractRequest establishes a contract's initial state.
type InitContractRequest struct {
	CodeHash    interfaces.CodeHash `json:"code_hash"`
	InitMessage []byte              `json:"init_message"`
	Environment string              `json:"environment"`
}

// ExecuteContractRequest runs one state-advancing request.
type ExecuteContractRequest struct {
	CodeHash       interfaces.CodeHash  `json:"code_hash"`
	Message        []byte               `json:"message"`
	Environment    string               `json:"environment"`
	PriorStateRoot interfaces.StateRoot `json:"prior_state_root"`
}

// QueryContractRequest evaluates a read-only request.
type QueryContractRequest struct {
	CodeHash    interfaces.CodeHash  `json:"code_hash"`
	Message     []byte               `json:"query_message"`
	Environment string               `json:"environment"`
	StateRoot   interfaces.StateRoot `json:"state_root"`
}

// ExecutionResponse is returned by InitContract and ExecuteContract.
// Evidence always accompanies a state-advancing result so the caller
// can verify before accepting.
type ExecutionResponse struct {
	Output       []byte                         `json:"output"`
	NewStateRoot interfaces.StateRoot           `json:"new_state_root"`
	Evidence     interfaces.AttestationEvidence `json:"attestation_evidence"`
}

// QueryResponse is returned by QueryContract. Read-only, no state root
// and no evidence.
type QueryResponse struct {
	Output []byte `json:"output"`
}

// AttestationResponse is returned by GetAttestation.
type AttestationResponse struct {
	SessionID string                         `json:"session_id"`
	Evidence  interfaces.AttestationEvidence `json:"attestation_evidence"`
}

// RequestError carries an HTTP status alongside the underlying error.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string { return e.Err.Error() }
func (e *RequestError) Unwrap() error { return e.Err }
