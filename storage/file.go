package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

// ErrRecordNotFound is returned when a record is absent from a store.
var ErrRecordNotFound = errors.New("record not found")

// FileStore keeps records on the local filesystem, one JSON file per
// record under a records/ subdirectory.
type FileStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileStore creates a file-backed record store rooted at baseDir.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	recordsDir := filepath.Join(baseDir, "records")
	if err := os.MkdirAll(recordsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create records directory: %w", err)
	}

	return &FileStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

func (s *FileStore) Append(ctx context.Context, record interfaces.ConsistencyRecord) (interfaces.Hash, error) {
	data, id, err := encodeRecord(record)
	if err != nil {
		return interfaces.Hash{}, err
	}

	path := s.recordPath(id)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return id, fmt.Errorf("failed to write record: %w", err)
	}

	s.log.Debug("Stored consistency record",
		slog.String("path", path),
		slog.Bool("match", record.Match))
	return id, nil
}

func (s *FileStore) Fetch(ctx context.Context, id interfaces.Hash) (interfaces.ConsistencyRecord, error) {
	path := s.recordPath(id)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return interfaces.ConsistencyRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return interfaces.ConsistencyRecord{}, fmt.Errorf("failed to read record: %w", err)
	}
	return decodeRecord(data)
}

func (s *FileStore) Available(ctx context.Context) bool {
	_, err := os.Stat(filepath.Join(s.baseDir, "records"))
	return err == nil
}

func (s *FileStore) Name() string        { return "file" }
func (s *FileStore) LocationURI() string { return s.locationURI }

func (s *FileStore) recordPath(id interfaces.Hash) string {
	return filepath.Join(s.baseDir, "records", id.String()+".json")
}
