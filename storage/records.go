// Package storage persists consistency records behind a URI-selected
// factory. Records are content-addressed by the SHA-256 of their JSON
// encoding; divergence records must never be silently lost, so the
// multi-store fans every append out to all configured backends.
package storage

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

// encodeRecord produces the canonical stored form and its content ID.
func encodeRecord(record interfaces.ConsistencyRecord) ([]byte, interfaces.Hash, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, interfaces.Hash{}, fmt.Errorf("could not encode record: %w", err)
	}
	return data, interfaces.Hash(sha256.Sum256(data)), nil
}

func decodeRecord(data []byte) (interfaces.ConsistencyRecord, error) {
	var record interfaces.ConsistencyRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return interfaces.ConsistencyRecord{}, fmt.Errorf("could not decode record: %w", err)
	}
	return record, nil
}
