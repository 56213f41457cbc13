package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

// MultiStore fans record appends out to several stores for redundancy
// and fetches from the first store that has the record.
type MultiStore struct {
	stores []interfaces.RecordStore
	log    *slog.Logger
}

func NewMultiStore(stores []interfaces.RecordStore, log *slog.Logger) *MultiStore {
	if log == nil {
		log = slog.Default()
	}
	return &MultiStore{stores: stores, log: log}
}

// Append stores the record in every available backend. It succeeds if
// at least one append is durable; every individual failure is logged.
func (m *MultiStore) Append(ctx context.Context, record interfaces.ConsistencyRecord) (interfaces.Hash, error) {
	start := time.Now()
	var id interfaces.Hash
	var success bool
	var errs []error

	for _, store := range m.stores {
		if !store.Available(ctx) {
			m.log.Debug("Record store unavailable", slog.String("store", store.Name()))
			continue
		}

		storedID, err := store.Append(ctx, record)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
			m.log.Warn("Failed to append record",
				slog.String("store", store.Name()),
				slog.Any("err", err))
			continue
		}
		id = storedID
		success = true
	}

	if !success {
		m.log.Error("All record stores failed",
			slog.Int("failed_stores", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return interfaces.Hash{}, fmt.Errorf("all record stores failed to append: %v", errs)
	}
	return id, nil
}

func (m *MultiStore) Fetch(ctx context.Context, id interfaces.Hash) (interfaces.ConsistencyRecord, error) {
	var errs []error
	for _, store := range m.stores {
		if !store.Available(ctx) {
			continue
		}

		record, err := store.Fetch(ctx, id)
		if err == nil {
			return record, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
	}
	return interfaces.ConsistencyRecord{}, fmt.Errorf("all record stores failed to fetch %s: %v", id, errs)
}

// Available reports whether any underlying store is accessible.
func (m *MultiStore) Available(ctx context.Context) bool {
	for _, store := range m.stores {
		if store.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiStore) Name() string { return "multi" }

func (m *MultiStore) LocationURI() string {
	uris := make([]string, 0, len(m.stores))
	for _, store := range m.stores {
		uris = append(uris, store.LocationURI())
	}
	return fmt.Sprintf("multi://%v", uris)
}
