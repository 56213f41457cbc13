package storage

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

// Factory creates record stores from location URIs and aggregates
// several of them into a redundant multi-store.
type Factory struct {
	log *slog.Logger

	// VaultClientCert authenticates vault:// stores. Required only when
	// a vault location is configured.
	VaultClientCert tls.Certificate
}

// NewFactory creates a factory producing record stores.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

// StoreFor creates a record store from a location URI.
// The URI format is [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//   - vault:// - HashiCorp Vault KV v2 mount
//   - ipfs:// - IPFS node API
//   - memory:// - In-process storage for tests and development
func (f *Factory) StoreFor(locationURI string) (interfaces.RecordStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid location URI %q: %w", locationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return f.createFileStore(u)
	case "s3":
		return f.createS3Store(u)
	case "vault":
		return f.createVaultStore(u)
	case "ipfs":
		return f.createIPFSStore(u)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported record store scheme: %s", u.Scheme)
	}
}

// CreateMultiStore creates a multi-store from a list of location URIs.
// URIs that fail to produce a store are logged and skipped; at least one
// store must be created.
func (f *Factory) CreateMultiStore(locationURIs []string) (interfaces.RecordStore, error) {
	stores := make([]interfaces.RecordStore, 0, len(locationURIs))

	for _, uri := range locationURIs {
		store, err := f.StoreFor(uri)
		if err != nil {
			f.log.Warn("Failed to create record store",
				slog.String("locationURI", uri),
				slog.Any("err", err))
			continue
		}
		stores = append(stores, store)
	}

	if len(stores) == 0 {
		return nil, fmt.Errorf("no valid record stores created")
	}
	if len(stores) == 1 {
		return stores[0], nil
	}
	return NewMultiStore(stores, f.log), nil
}

// createFileStore creates a filesystem store.
// URI format: file:///var/lib/tee-exec/records
func (f *Factory) createFileStore(u *url.URL) (interfaces.RecordStore, error) {
	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("empty path in file URI: %s", u.String())
	}
	return NewFileStore(path, f.log)
}

// createS3Store creates an S3 store.
// URI format: s3://ACCESS_KEY:SECRET_KEY@bucket/prefix?region=us-east-1&endpoint=minio.local:9000
func (f *Factory) createS3Store(u *url.URL) (interfaces.RecordStore, error) {
	bucketName := u.Host
	prefix := strings.TrimPrefix(u.Path, "/")

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := query.Get("endpoint")

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Store(bucketName, prefix, region, endpoint, accessKey, secretKey, f.log)
}

// createVaultStore creates a Vault store.
// URI format: vault://vault.example.com:8200/secret/consistency?scheme=https
func (f *Factory) createVaultStore(u *url.URL) (interfaces.RecordStore, error) {
	serverScheme := u.Query().Get("scheme")
	if serverScheme == "" {
		serverScheme = "https"
	}
	address := fmt.Sprintf("%s://%s", serverScheme, u.Host)

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid vault URI, expected vault://host:port/mount/path")
	}

	return NewVaultStore(address, parts[0], parts[1], f.VaultClientCert, f.log)
}

// createIPFSStore creates an IPFS store.
// URI format: ipfs://127.0.0.1:5001
func (f *Factory) createIPFSStore(u *url.URL) (interfaces.RecordStore, error) {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "5001"
	}
	return NewIPFSStore(host, port, f.log)
}
