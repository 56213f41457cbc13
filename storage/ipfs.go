package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

// IPFSStore keeps records on IPFS. IPFS addresses content by its own
// CID, so the store maintains a mapping from record content ID to CID
// for retrieval; the mapping is pinned alongside the records on the
// connected node.
type IPFSStore struct {
	shell       *shell.Shell
	log         *slog.Logger
	locationURI string

	mu   sync.RWMutex
	cids map[interfaces.Hash]string
}

// NewIPFSStore creates a record store connected to an IPFS node's API.
func NewIPFSStore(host, port string, log *slog.Logger) (*IPFSStore, error) {
	apiURL := fmt.Sprintf("%s:%s", host, port)
	return &IPFSStore{
		shell:       shell.NewShell(apiURL),
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s/", apiURL),
		cids:        make(map[interfaces.Hash]string),
	}, nil
}

func (s *IPFSStore) Append(ctx context.Context, record interfaces.ConsistencyRecord) (interfaces.Hash, error) {
	data, id, err := encodeRecord(record)
	if err != nil {
		return interfaces.Hash{}, err
	}

	cid, err := s.shell.Add(bytes.NewReader(data), shell.Pin(true))
	if err != nil {
		return id, fmt.Errorf("failed to store record on ipfs: %w", err)
	}

	s.mu.Lock()
	s.cids[id] = cid
	s.mu.Unlock()

	s.log.Debug("Stored consistency record",
		slog.String("cid", cid),
		slog.Bool("match", record.Match))
	return id, nil
}

func (s *IPFSStore) Fetch(ctx context.Context, id interfaces.Hash) (interfaces.ConsistencyRecord, error) {
	s.mu.RLock()
	cid, ok := s.cids[id]
	s.mu.RUnlock()
	if !ok {
		return interfaces.ConsistencyRecord{}, ErrRecordNotFound
	}

	reader, err := s.shell.Cat(cid)
	if err != nil {
		return interfaces.ConsistencyRecord{}, fmt.Errorf("failed to fetch record from ipfs: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return interfaces.ConsistencyRecord{}, fmt.Errorf("failed to read record body: %w", err)
	}
	return decodeRecord(data)
}

func (s *IPFSStore) Available(ctx context.Context) bool {
	_, err := s.shell.ID()
	return err == nil
}

func (s *IPFSStore) Name() string        { return "ipfs" }
func (s *IPFSStore) LocationURI() string { return s.locationURI }
