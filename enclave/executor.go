// Package enclave holds the deterministic reference executor that runs
// inside the confidential environment. The same executor backs the
// in-process local backend and the remote executor daemon, so a request
// produces byte-identical results wherever it runs.
//
// Contract instruction semantics are out of scope for this subsystem;
// the executor applies a fixed, documented state transition over the
// request tuple instead of interpreting the message.
package enclave

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

// Domain separators for the state transition. Changing either changes
// every state root, so they are part of the executor's identity.
var (
	stateDomain  = []byte("tee-exec/state/v1")
	outputDomain = []byte("tee-exec/output/v1")
)

// Executor applies the deterministic reference transition:
//
//	new_root = keccak(stateDomain || prior_root || code_hash || keccak(env) || keccak(message))
//	output   = keccak(outputDomain || new_root || keccak(message))
//
// and tracks the latest root per code hash so out-of-order submissions
// are caught inside the environment as well as outside it.
type Executor struct {
	mu    sync.Mutex
	roots map[interfaces.CodeHash]interfaces.StateRoot
}

func NewExecutor() *Executor {
	return &Executor{roots: make(map[interfaces.CodeHash]interfaces.StateRoot)}
}

// Init establishes the initial state for a contract. The prior state
// root of the request must be zero.
func (e *Executor) Init(ctx context.Context, req interfaces.ExecutionRequest) ([]byte, interfaces.StateRoot, error) {
	if !req.PriorStateRoot.IsZero() {
		return nil, interfaces.StateRoot{}, fmt.Errorf("init with non-zero prior state root %s", req.PriorStateRoot)
	}
	return e.transition(ctx, req, true)
}

// Execute runs one state-advancing request. The request's prior state
// root must match the executor's current root for the contract.
func (e *Executor) Execute(ctx context.Context, req interfaces.ExecutionRequest) ([]byte, interfaces.StateRoot, error) {
	return e.transition(ctx, req, false)
}

func (e *Executor) transition(ctx context.Context, req interfaces.ExecutionRequest, init bool) ([]byte, interfaces.StateRoot, error) {
	if err := ctx.Err(); err != nil {
		return nil, interfaces.StateRoot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current, known := e.roots[req.CodeHash]
	if init {
		if known {
			return nil, interfaces.StateRoot{}, fmt.Errorf("contract %s already initialized", req.CodeHash)
		}
	} else if known && current != req.PriorStateRoot {
		return nil, interfaces.StateRoot{}, fmt.Errorf("prior state root mismatch: have %s, request says %s", current, req.PriorStateRoot)
	}

	newRoot, output := derive(req)
	e.roots[req.CodeHash] = newRoot
	return output, newRoot, nil
}

// Query evaluates a read-only request. The state root is not advanced.
func (e *Executor) Query(ctx context.Context, req interfaces.ExecutionRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, output := derive(req)
	return output, nil
}

// StateRoot returns the executor's current root for a contract.
func (e *Executor) StateRoot(code interfaces.CodeHash) (interfaces.StateRoot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	root, ok := e.roots[code]
	return root, ok
}

func derive(req interfaces.ExecutionRequest) (interfaces.StateRoot, []byte) {
	envHash := crypto.Keccak256([]byte(req.Environment))
	msgHash := crypto.Keccak256(req.Message)

	newRoot := interfaces.StateRoot(crypto.Keccak256Hash(
		stateDomain,
		req.PriorStateRoot[:],
		req.CodeHash[:],
		envHash,
		msgHash,
	))
	output := crypto.Keccak256(outputDomain, newRoot[:], msgHash)
	return newRoot, output
}
