package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/confidential-compute/tee-execution-backend/attestation"
	"github.com/confidential-compute/tee-execution-backend/backend"
	"github.com/confidential-compute/tee-execution-backend/interfaces"
	"github.com/confidential-compute/tee-execution-backend/metrics"
)

// Checker runs the same request against two backends and compares
// outputs bit-for-bit. Comparison mode only: it never sits on the
// consensus-critical single-backend path.
//
// Each side is driven through the ordinary selection logic with
// fallback disabled, so both executions carry the full verification
// guarantees of the production path.
type Checker struct {
	a, b  *Dispatcher
	store interfaces.RecordStore
	log   *slog.Logger

	// now is overridable for tests.
	now func() int64
}

// NewChecker creates a consistency checker over two sessions. Records
// are appended to the store before Compare returns; a divergence that
// cannot be persisted fails the comparison rather than vanishing.
func NewChecker(a, b *backend.Session, verifier *attestation.Verifier, policy *attestation.Policy, store interfaces.RecordStore, log *slog.Logger) *Checker {
	singleCfg := Config{}
	return &Checker{
		a:     New(a, nil, verifier, policy, singleCfg, log.With("role", "consistency-a")),
		b:     New(b, nil, verifier, policy, singleCfg, log.With("role", "consistency-b")),
		store: store,
		log:   log,
		now:   nil,
	}
}

// Compare executes the identical request on both sessions and performs
// a byte-exact comparison of output and new state root. A mismatch is
// recorded permanently and surfaced as ErrDivergence: it means a
// non-deterministic execution path or a compromised backend, and is
// never auto-resolved by picking one side.
func (c *Checker) Compare(ctx context.Context, req interfaces.ExecutionRequest) (interfaces.ConsistencyRecord, error) {
	resultA, err := c.a.Run(ctx, req)
	if err != nil {
		return interfaces.ConsistencyRecord{}, fmt.Errorf("first session failed: %w", err)
	}

	resultB, err := c.b.Run(ctx, req)
	if err != nil {
		return interfaces.ConsistencyRecord{}, fmt.Errorf("second session failed: %w", err)
	}

	record := interfaces.ConsistencyRecord{
		RequestID:  req.RequestID(),
		BackendA:   resultA.Backend,
		BackendB:   resultB.Backend,
		Match:      resultA.Equal(resultB),
		OutputA:    resultA.Output,
		OutputB:    resultB.Output,
		StateRootA: resultA.NewStateRoot,
		StateRootB: resultB.NewStateRoot,
		ComparedAt: c.comparedAt(),
	}

	if _, err := c.store.Append(ctx, record); err != nil {
		if !record.Match {
			// A lost mismatch is a lost correctness signal.
			return record, fmt.Errorf("divergence detected but could not be recorded: %w", err)
		}
		c.log.Warn("Could not persist consistency record", "err", err, "requestID", record.RequestID.String())
	}

	if !record.Match {
		metrics.DivergencesTotal.Inc()
		c.log.Error("Backend outputs diverged",
			"requestID", record.RequestID.String(),
			"backendA", record.BackendA.String(),
			"backendB", record.BackendB.String(),
			"stateRootA", record.StateRootA.String(),
			"stateRootB", record.StateRootB.String())
		return record, interfaces.ErrDivergence
	}

	return record, nil
}

func (c *Checker) comparedAt() int64 {
	if c.now != nil {
		return c.now()
	}
	return time.Now().Unix()
}
