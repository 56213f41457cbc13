package interfaces

import "context"

// ExecutionBackend is the capability contract every confidential
// backend variant implements. The set of variants is closed: an
// in-process enclave path and networked confidential VMs, tagged by
// BackendKind at configuration time.
//
// All blocking operations take a context and are bounded by the
// backend's configured timeout. Execute runs exactly one request to
// completion; callers serialize their own calls, the backend does not
// queue.
type ExecutionBackend interface {
	// Kind returns the backend's fixed kind tag.
	Kind() BackendKind

	// Open establishes the confidential environment and performs the
	// initial attestation exchange. Fails fatally if the environment
	// cannot be established.
	Open(ctx context.Context) (AttestationEvidence, error)

	// Execute runs one request to completion and returns the result
	// together with the evidence currently vouching for the
	// environment. Evidence may be freshly produced on this call.
	Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, AttestationEvidence, error)

	// Query runs a read-only request. No state root is advanced and no
	// evidence is produced.
	Query(ctx context.Context, req ExecutionRequest) ([]byte, error)

	// Attest obtains fresh evidence for the backend's session.
	Attest(ctx context.Context) (AttestationEvidence, error)

	// ReportData returns the binding all of this backend's evidence
	// must carry. Fixed once Open succeeds.
	ReportData() [64]byte

	// Close releases all backend resources. Idempotent.
	Close() error
}

// HealthProber is implemented by backends that can be probed to bring
// an unreachable session back into dispatch.
type HealthProber interface {
	Probe(ctx context.Context) error
}

// RecordStore persists consistency records. Divergences must never be
// silently lost, so Append only returns once the record is durable in
// at least one configured backend.
type RecordStore interface {
	// Append stores a record and returns its content-addressed ID.
	Append(ctx context.Context, record ConsistencyRecord) (Hash, error)

	// Fetch retrieves a record by its content ID.
	Fetch(ctx context.Context, id Hash) (ConsistencyRecord, error)

	// Available checks whether the store is accessible.
	Available(ctx context.Context) bool

	// Name returns an identifier for logging.
	Name() string

	// LocationURI returns the URI identifying this store.
	LocationURI() string
}
