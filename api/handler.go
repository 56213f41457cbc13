package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/confidential-compute/tee-execution-backend/attestation"
	"github.com/confidential-compute/tee-execution-backend/enclave"
	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Handler serves the remote execution protocol for one confidential
// environment. It owns the daemon's session identity and the evidence
// cache: evidence is produced once at startup and re-produced
// opportunistically once it passes ReattestInterval, never per call.
type Handler struct {
	executor *enclave.Executor
	provider attestation.Provider
	kind     interfaces.BackendKind
	log      *slog.Logger

	sessionID         uuid.UUID
	reattestInterval  time.Duration

	mu         sync.Mutex
	evidence   interfaces.AttestationEvidence
	attestedAt time.Time
}

// NewHandler creates a handler and performs the daemon's initial
// attestation exchange. Startup fails if the environment cannot
// produce evidence.
func NewHandler(executor *enclave.Executor, provider attestation.Provider, kind interfaces.BackendKind, reattestInterval time.Duration, log *slog.Logger) (*Handler, error) {
	h := &Handler{
		executor:         executor,
		provider:         provider,
		kind:             kind,
		log:              log,
		sessionID:        uuid.Must(uuid.NewRandom()),
		reattestInterval: reattestInterval,
	}

	evidence, err := provider.Attest(attestation.SessionReportData(h.sessionID, kind))
	if err != nil {
		return nil, fmt.Errorf("initial attestation failed: %w", err)
	}
	h.evidence = evidence
	h.attestedAt = time.Now()

	log.Info("Executor attested", "sessionID", h.sessionID.String(), "teeKind", evidence.TEEKind.String())
	return h, nil
}

// SessionID returns the daemon's session identity.
func (h *Handler) SessionID() uuid.UUID { return h.sessionID }

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/contracts/init", h.HandleInitContract)
	r.Post("/api/v1/contracts/execute", h.HandleExecuteContract)
	r.Post("/api/v1/contracts/query", h.HandleQueryContract)
	r.Get("/api/v1/attestation/{session_id}", h.HandleGetAttestation)
}

// currentEvidence returns cached evidence, re-attesting if the cache
// has passed the re-attest interval.
func (h *Handler) currentEvidence() (interfaces.AttestationEvidence, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if time.Since(h.attestedAt) <= h.reattestInterval {
		return h.evidence, nil
	}

	evidence, err := h.provider.Attest(attestation.SessionReportData(h.sessionID, h.kind))
	if err != nil {
		return interfaces.AttestationEvidence{}, fmt.Errorf("re-attestation failed: %w", err)
	}
	h.evidence = evidence
	h.attestedAt = time.Now()
	h.log.Info("Executor re-attested", "sessionID", h.sessionID.String())
	return evidence, nil
}

// HandleInitContract processes POST /api/v1/contracts/init.
func (h *Handler) HandleInitContract(w http.ResponseWriter, r *http.Request) {
	var req InitContractRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	output, newRoot, err := h.executor.Init(r.Context(), interfaces.ExecutionRequest{
		CodeHash:    req.CodeHash,
		Environment: req.Environment,
		Message:     req.InitMessage,
	})
	if err != nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusConflict, Err: err})
		return
	}

	h.writeExecution(w, output, newRoot)
}

// HandleExecuteContract processes POST /api/v1/contracts/execute.
func (h *Handler) HandleExecuteContract(w http.ResponseWriter, r *http.Request) {
	var req ExecuteContractRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	output, newRoot, err := h.executor.Execute(r.Context(), interfaces.ExecutionRequest{
		CodeHash:       req.CodeHash,
		Environment:    req.Environment,
		Message:        req.Message,
		PriorStateRoot: req.PriorStateRoot,
	})
	if err != nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusConflict, Err: err})
		return
	}

	h.writeExecution(w, output, newRoot)
}

// HandleQueryContract processes POST /api/v1/contracts/query.
// Read-only: no state root advances and no evidence is attached.
func (h *Handler) HandleQueryContract(w http.ResponseWriter, r *http.Request) {
	var req QueryContractRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	output, err := h.executor.Query(r.Context(), interfaces.ExecutionRequest{
		CodeHash:       req.CodeHash,
		Environment:    req.Environment,
		Message:        req.Message,
		PriorStateRoot: req.StateRoot,
	})
	if err != nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusBadRequest, Err: err})
		return
	}

	writeJSON(w, QueryResponse{Output: output})
}

// HandleGetAttestation processes GET /api/v1/attestation/{session_id}.
// The id must name this daemon's session, or the literal "current" to
// discover it.
func (h *Handler) HandleGetAttestation(w http.ResponseWriter, r *http.Request) {
	requested := chi.URLParam(r, "session_id")
	if requested != "current" && requested != h.sessionID.String() {
		h.writeError(w, &RequestError{StatusCode: http.StatusNotFound, Err: errors.New("unknown session")})
		return
	}

	evidence, err := h.currentEvidence()
	if err != nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusInternalServerError, Err: err})
		return
	}

	writeJSON(w, AttestationResponse{
		SessionID: h.sessionID.String(),
		Evidence:  evidence,
	})
}

func (h *Handler) writeExecution(w http.ResponseWriter, output []byte, newRoot interfaces.StateRoot) {
	evidence, err := h.currentEvidence()
	if err != nil {
		// No evidence means no result: the caller must never see a
		// half-success.
		h.writeError(w, &RequestError{StatusCode: http.StatusInternalServerError, Err: err})
		return
	}

	writeJSON(w, ExecutionResponse{
		Output:       output,
		NewStateRoot: newRoot,
		Evidence:     evidence,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		status = reqErr.StatusCode
	}
	h.log.Error("Request failed", "err", err, "status", status)
	http.Error(w, err.Error(), status)
}

func decodeBody(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("could not parse request body: %w", err)}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}
