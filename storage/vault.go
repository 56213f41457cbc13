package storage

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"

	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

// VaultStore keeps records in a HashiCorp Vault KV v2 mount,
// authenticated with a TLS client certificate.
type VaultStore struct {
	client      *vault.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultStore creates a Vault-backed record store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV mount path (e.g. "secret")
//   - dataPath: path within the mount (e.g. "consistency")
//   - clientCert: TLS certificate used for authentication
func NewVaultStore(address, mountPath, dataPath string, clientCert tls.Certificate, log *slog.Logger) (*VaultStore, error) {
	config := vault.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{clientCert}},
		},
		Timeout: 30 * time.Second,
	}

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

func (s *VaultStore) Append(ctx context.Context, record interfaces.ConsistencyRecord) (interfaces.Hash, error) {
	data, id, err := encodeRecord(record)
	if err != nil {
		return interfaces.Hash{}, err
	}

	_, err = s.client.KVv2(s.mountPath).Put(ctx, s.secretPath(id), map[string]interface{}{
		"record": base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return id, fmt.Errorf("failed to store record in vault: %w", err)
	}

	s.log.Debug("Stored consistency record",
		slog.String("path", s.secretPath(id)),
		slog.Bool("match", record.Match))
	return id, nil
}

func (s *VaultStore) Fetch(ctx context.Context, id interfaces.Hash) (interfaces.ConsistencyRecord, error) {
	secret, err := s.client.KVv2(s.mountPath).Get(ctx, s.secretPath(id))
	if err != nil {
		if strings.Contains(err.Error(), "404") {
			return interfaces.ConsistencyRecord{}, ErrRecordNotFound
		}
		return interfaces.ConsistencyRecord{}, fmt.Errorf("failed to fetch record from vault: %w", err)
	}

	encoded, ok := secret.Data["record"].(string)
	if !ok {
		return interfaces.ConsistencyRecord{}, fmt.Errorf("malformed vault secret at %s", s.secretPath(id))
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return interfaces.ConsistencyRecord{}, fmt.Errorf("could not decode vault secret: %w", err)
	}
	return decodeRecord(data)
}

func (s *VaultStore) Available(ctx context.Context) bool {
	health, err := s.client.Sys().HealthWithContext(ctx)
	return err == nil && health.Initialized && !health.Sealed
}

func (s *VaultStore) Name() string        { return "vault" }
func (s *VaultStore) LocationURI() string { return s.locationURI }

func (s *VaultStore) secretPath(id interfaces.Hash) string {
	return s.dataPath + "/" + id.String()
}
