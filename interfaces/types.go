// Package interfaces defines the core types and contracts shared between
// the attestation verifier, backend sessions, the dispatcher and the
// consistency checker. It carries no implementation.
package interfaces

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// BackendKind identifies which confidential environment produced a
// result. The set is closed and fixed at configuration time; a session's
// kind never changes after creation.
type BackendKind string

const (
	KindLocal   BackendKind = "local"
	KindRemoteA BackendKind = "remote-a"
	KindRemoteB BackendKind = "remote-b"
)

// BackendKindFromString validates and converts a configuration string.
func BackendKindFromString(s string) (BackendKind, error) {
	switch BackendKind(s) {
	case KindLocal, KindRemoteA, KindRemoteB:
		return BackendKind(s), nil
	default:
		return "", fmt.Errorf("unknown backend kind: %q", s)
	}
}

func (k BackendKind) String() string { return string(k) }

// TEEKind identifies the attestation flavor carried by a piece of
// evidence. It is independent of BackendKind: a remote backend may run
// under any vendor's TEE.
type TEEKind string

const (
	// TEEKindTDX is an Intel TDX DCAP quote.
	TEEKindTDX TEEKind = "qemu-tdx"

	// TEEKindMock is development-only evidence signed with a derived key.
	// It is never selected implicitly; configurations must name it.
	TEEKindMock TEEKind = "mock"
)

func (k TEEKind) String() string { return string(k) }

// Hash is a 32-byte identity used for code hashes, state roots and
// request identities.
type Hash [32]byte

// NewHashFromBytes creates a hash from exactly 32 bytes.
func NewHashFromBytes(b []byte) (Hash, error) {
	if len(b) != 32 {
		return Hash{}, errors.New("invalid hash length: must be 32 bytes")
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// NewHashFromHex creates a hash from a 64-character hex string, with or
// without a 0x prefix.
func NewHashFromHex(s string) (Hash, error) {
	clean := strings.TrimPrefix(s, "0x")
	if len(clean) != 64 {
		return Hash{}, errors.New("invalid hash length: hex string must be 64 characters")
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hex format: %w", err)
	}
	return NewHashFromBytes(raw)
}

func (h Hash) String() string    { return hex.EncodeToString(h[:]) }
func (h Hash) Bytes() []byte     { return h[:] }
func (h Hash) Equal(o Hash) bool { return h == o }
func (h Hash) IsZero() bool      { return h == Hash{} }

// MarshalText encodes the hash as hex for JSON and text encoders.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex-encoded hash.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := NewHashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// CodeHash identifies the exact contract code image being executed.
type CodeHash = Hash

// StateRoot identifies the contract state before or after execution.
type StateRoot = Hash

// Measurement is a fixed-length code/config identity hash of a TEE
// image, sized for TDX MRTD (48 bytes).
type Measurement [48]byte

// NewMeasurementFromHex creates a measurement from a 96-character hex string.
func NewMeasurementFromHex(s string) (Measurement, error) {
	clean := strings.TrimPrefix(s, "0x")
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return Measurement{}, fmt.Errorf("invalid hex format: %w", err)
	}
	if len(raw) != 48 {
		return Measurement{}, errors.New("invalid measurement length: must be 48 bytes")
	}
	var m Measurement
	copy(m[:], raw)
	return m, nil
}

func (m Measurement) String() string           { return hex.EncodeToString(m[:]) }
func (m Measurement) Bytes() []byte            { return m[:] }
func (m Measurement) Equal(o Measurement) bool { return m == o }

// MarshalText encodes the measurement as hex for JSON and text encoders.
func (m Measurement) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a hex-encoded measurement.
func (m *Measurement) UnmarshalText(text []byte) error {
	parsed, err := NewMeasurementFromHex(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ExecutionRequest is a single deterministic unit of work. Identical
// requests must map to identical results on every trusted backend.
type ExecutionRequest struct {
	// CodeHash is the content hash of the contract code to run.
	CodeHash CodeHash

	// Environment is the chain/environment context the contract sees.
	Environment string

	// Message is the input message, opaque to this subsystem.
	Message []byte

	// PriorStateRoot is the expected state root before execution. Zero
	// for contract initialization.
	PriorStateRoot StateRoot
}

// RequestID computes the canonical identity of the request, binding all
// four determinism-relevant fields. The variable-length fields are
// hashed individually so field boundaries cannot shift between
// distinct requests.
func (r ExecutionRequest) RequestID() Hash {
	return Hash(crypto.Keccak256Hash(
		r.CodeHash[:],
		crypto.Keccak256([]byte(r.Environment)),
		r.PriorStateRoot[:],
		crypto.Keccak256(r.Message),
	))
}

// ExecutionResult is the output of running a request. It is immutable
// once returned and is never surfaced without verified attestation
// evidence bound to the session that produced it.
type ExecutionResult struct {
	Output       []byte
	NewStateRoot StateRoot

	// Backend tags which confidential environment produced the result.
	Backend BackendKind
}

// Equal reports whether two results are byte-identical in their
// determinism-relevant fields (output and new state root). The backend
// tag is deliberately excluded.
func (r ExecutionResult) Equal(o ExecutionResult) bool {
	return bytes.Equal(r.Output, o.Output) && r.NewStateRoot == o.NewStateRoot
}

// AttestationEvidence is the canonical, vendor-agnostic trust claim.
// VendorProof stays opaque to everything except the kind-specific proof
// checker.
// The proof is expected to internally bind the session's report data;
// the kind-specific checker recomputes the expected binding and fails
// verification on any mismatch, so a quote cannot be replayed across
// sessions.
type AttestationEvidence struct {
	TEEKind     TEEKind     `json:"tee_kind"`
	Measurement Measurement `json:"measurement"`
	VendorProof []byte      `json:"vendor_proof"`
	TCBVersion  uint32      `json:"tcb_version"`

	// Timestamp is the evidence issuance time in unix seconds.
	Timestamp int64 `json:"timestamp"`
}

// IssuedAt returns the issuance timestamp as a time.Time.
func (e AttestationEvidence) IssuedAt() time.Time {
	return time.Unix(e.Timestamp, 0)
}

// Age returns how old the evidence is relative to now.
func (e AttestationEvidence) Age(now time.Time) time.Duration {
	return now.Sub(e.IssuedAt())
}

// TrustState tracks a session's standing. Transitions happen only
// through verifier verdicts acted on by the dispatcher.
type TrustState int

const (
	// TrustUntrusted is the initial state before the first verification.
	TrustUntrusted TrustState = iota

	// TrustTrusted means the last verification accepted the evidence.
	TrustTrusted

	// TrustRejected means verification failed on a non-recoverable
	// ground; the session must not serve further requests.
	TrustRejected

	// TrustExpired means the cached evidence aged out; recoverable by
	// re-attestation.
	TrustExpired

	// TrustUnreachable means the (remote) backend timed out or refused
	// connections; excluded from dispatch until a health probe succeeds.
	TrustUnreachable
)

func (s TrustState) String() string {
	switch s {
	case TrustUntrusted:
		return "untrusted"
	case TrustTrusted:
		return "trusted"
	case TrustRejected:
		return "rejected"
	case TrustExpired:
		return "expired"
	case TrustUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// ConsistencyRecord is the outcome of comparing two sessions' outputs
// for the same request. Mismatches are recorded permanently.
type ConsistencyRecord struct {
	RequestID Hash        `json:"request_id"`
	BackendA  BackendKind `json:"backend_a"`
	BackendB  BackendKind `json:"backend_b"`
	Match     bool        `json:"match"`

	OutputA    []byte    `json:"output_a"`
	OutputB    []byte    `json:"output_b"`
	StateRootA StateRoot `json:"state_root_a"`
	StateRootB StateRoot `json:"state_root_b"`

	// ComparedAt is the comparison time in unix seconds.
	ComparedAt int64 `json:"compared_at"`
}
