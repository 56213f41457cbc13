package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/confidential-compute/tee-execution-backend/attestation"
	"github.com/confidential-compute/tee-execution-backend/backend"
	"github.com/confidential-compute/tee-execution-backend/cmd/flags"
	"github.com/confidential-compute/tee-execution-backend/dispatcher"
	"github.com/confidential-compute/tee-execution-backend/interfaces"
	"github.com/confidential-compute/tee-execution-backend/resolver"
	"github.com/confidential-compute/tee-execution-backend/storage"
)

var compareFlags = append([]cli.Flag{
	&cli.StringFlag{
		Name:  "backend-a-addr",
		Value: "https://127.0.0.1:8080",
		Usage: "first executor daemon address (literal or srv+service name)",
	},
	&cli.StringFlag{
		Name:  "backend-b-addr",
		Value: "https://127.0.0.1:8081",
		Usage: "second executor daemon address (literal or srv+service name)",
	},
	&cli.StringSliceFlag{
		Name:  "record-store",
		Value: cli.NewStringSlice("memory://"),
		Usage: "record store location URIs (file://, s3://, vault://, ipfs://, memory://)",
	},
	&cli.StringSliceFlag{
		Name:  "trusted-mock-signer",
		Usage: "mock evidence signer address to trust; enables the mock proof checker",
	},
	&cli.StringFlag{
		Name:     "code-hash",
		Required: true,
		Usage:    "hex-encoded 32-byte contract code hash",
	},
	&cli.StringFlag{
		Name:  "message",
		Usage: "message to execute against the contract",
	},
	&cli.StringFlag{
		Name:  "environment",
		Value: "default",
		Usage: "execution environment tag",
	},
	&cli.StringFlag{
		Name:  "prior-state-root",
		Usage: "hex-encoded prior state root; empty initializes the contract",
	},
	&cli.Int64Flag{
		Name:  "timeout-seconds",
		Value: 120,
		Usage: "overall comparison timeout",
	},
	flags.PolicyFileFlag,
	flags.DNSServerFlag,
	flags.TLSCertFlag,
	flags.TLSKeyFlag,
	flags.TLSCAFlag,
	flags.InsecureTransportFlag,
	flags.VaultClientCertFlag,
	flags.VaultClientKeyFlag,
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:  "compare",
		Usage: "Execute one request on two attested backends and compare the results",
		Flags: compareFlags,
		Action: runCompare,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runCompare(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cCtx.Int64("timeout-seconds"))*time.Second)
	defer cancel()

	policyFile, err := os.Open(cCtx.String(flags.PolicyFileFlag.Name))
	if err != nil {
		logger.Error("Failed to open policy file", "err", err)
		return err
	}
	policy, err := attestation.LoadPolicy(policyFile)
	policyFile.Close()
	if err != nil {
		logger.Error("Failed to load policy", "err", err)
		return err
	}

	verifier, err := buildVerifier(cCtx)
	if err != nil {
		logger.Error("Failed to configure verifier", "err", err)
		return err
	}

	req, err := buildRequest(cCtx)
	if err != nil {
		logger.Error("Invalid request parameters", "err", err)
		return err
	}

	factory := storage.NewFactory(logger)
	if err := configureVaultAuth(cCtx, factory); err != nil {
		logger.Error("Failed to configure vault client auth", "err", err)
		return err
	}
	store, err := factory.CreateMultiStore(cCtx.StringSlice("record-store"))
	if err != nil {
		logger.Error("Failed to create record stores", "err", err)
		return err
	}

	tlsConfig, err := buildClientTLS(cCtx)
	if err != nil {
		logger.Error("Failed to configure TLS", "err", err)
		return err
	}
	if tlsConfig == nil && !cCtx.Bool(flags.InsecureTransportFlag.Name) {
		err := errors.New("mutual TLS is required; pass tls-cert, tls-key and tls-ca, or insecure-transport for development")
		logger.Error("Failed to configure TLS", "err", err)
		return err
	}

	allowInsecure := cCtx.Bool(flags.InsecureTransportFlag.Name)
	svcResolver := resolver.NewServiceResolver(cCtx.String(flags.DNSServerFlag.Name), logger)
	sessionA, err := openRemoteSession(cCtx.String("backend-a-addr"), interfaces.KindRemoteA, tlsConfig, allowInsecure, svcResolver, logger)
	if err != nil {
		return err
	}
	defer sessionA.Close()

	sessionB, err := openRemoteSession(cCtx.String("backend-b-addr"), interfaces.KindRemoteB, tlsConfig, allowInsecure, svcResolver, logger)
	if err != nil {
		return err
	}
	defer sessionB.Close()

	checker := dispatcher.NewChecker(sessionA, sessionB, verifier, policy, store, logger)

	record, err := checker.Compare(ctx, req)
	if err != nil && !errors.Is(err, interfaces.ErrDivergence) {
		logger.Error("Comparison failed", "err", err)
		return err
	}

	out, marshalErr := json.MarshalIndent(record, "", "  ")
	if marshalErr != nil {
		return marshalErr
	}
	fmt.Println(string(out))

	// ErrDivergence propagates as a non-zero exit so operators and CI
	// catch mismatches.
	return err
}

func buildVerifier(cCtx *cli.Context) (*attestation.Verifier, error) {
	checkers := []attestation.ProofChecker{&attestation.DCAPChecker{}}

	signerHexes := cCtx.StringSlice("trusted-mock-signer")
	if len(signerHexes) > 0 {
		signers := make([]ethcommon.Address, 0, len(signerHexes))
		for _, s := range signerHexes {
			if !ethcommon.IsHexAddress(s) {
				return nil, fmt.Errorf("invalid mock signer address: %s", s)
			}
			signers = append(signers, ethcommon.HexToAddress(s))
		}
		checkers = append(checkers, &attestation.MockChecker{TrustedSigners: signers})
	}

	return attestation.NewVerifier(checkers...), nil
}

func buildRequest(cCtx *cli.Context) (interfaces.ExecutionRequest, error) {
	codeHash, err := interfaces.NewHashFromHex(cCtx.String("code-hash"))
	if err != nil {
		return interfaces.ExecutionRequest{}, fmt.Errorf("invalid code-hash: %w", err)
	}

	req := interfaces.ExecutionRequest{
		CodeHash:    interfaces.CodeHash(codeHash),
		Environment: cCtx.String("environment"),
		Message:     []byte(cCtx.String("message")),
	}

	if priorHex := cCtx.String("prior-state-root"); priorHex != "" {
		prior, err := interfaces.NewHashFromHex(priorHex)
		if err != nil {
			return interfaces.ExecutionRequest{}, fmt.Errorf("invalid prior-state-root: %w", err)
		}
		req.PriorStateRoot = interfaces.StateRoot(prior)
	}

	return req, nil
}

func buildClientTLS(cCtx *cli.Context) (*tls.Config, error) {
	certFile := cCtx.String(flags.TLSCertFlag.Name)
	keyFile := cCtx.String(flags.TLSKeyFlag.Name)
	caFile := cCtx.String(flags.TLSCAFlag.Name)

	if certFile == "" && keyFile == "" && caFile == "" {
		return nil, nil
	}
	if certFile == "" || keyFile == "" || caFile == "" {
		return nil, errors.New("tls-cert, tls-key and tls-ca must all be set for mutual TLS")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("could not load client keypair: %w", err)
	}

	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("could not read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("CA bundle contains no certificates")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func configureVaultAuth(cCtx *cli.Context, factory *storage.Factory) error {
	certFile := cCtx.String(flags.VaultClientCertFlag.Name)
	keyFile := cCtx.String(flags.VaultClientKeyFlag.Name)
	if certFile == "" && keyFile == "" {
		return nil
	}
	if certFile == "" || keyFile == "" {
		return errors.New("vault-client-cert and vault-client-key must both be set")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("could not load vault client keypair: %w", err)
	}
	factory.VaultClientCert = cert
	return nil
}

func openRemoteSession(addr string, kind interfaces.BackendKind, tlsConfig *tls.Config, allowInsecure bool, svcResolver *resolver.ServiceResolver, logger *slog.Logger) (*backend.Session, error) {
	resolved, err := svcResolver.MaybeResolve(addr)
	if err != nil {
		logger.Error("Failed to resolve backend address", "addr", addr, "err", err)
		return nil, err
	}
	if !strings.Contains(resolved, "://") {
		scheme := "http"
		if tlsConfig != nil {
			scheme = "https"
		}
		resolved = scheme + "://" + resolved
	}

	remote, err := backend.NewRemoteBackend(backend.RemoteConfig{
		Kind:                   kind,
		ServerAddr:             resolved,
		TLS:                    tlsConfig,
		AllowInsecureTransport: allowInsecure,
		MaxRetries:             3,
	})
	if err != nil {
		logger.Error("Failed to create remote backend", "kind", kind.String(), "err", err)
		return nil, err
	}

	return backend.NewSession(remote, logger), nil
}
