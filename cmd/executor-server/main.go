package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/confidential-compute/tee-execution-backend/api"
	"github.com/confidential-compute/tee-execution-backend/attestation"
	"github.com/confidential-compute/tee-execution-backend/cmd/flags"
	"github.com/confidential-compute/tee-execution-backend/enclave"
	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

var serverFlags = append([]cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for the execution API",
	},
	&cli.StringFlag{
		Name:  "backend-kind",
		Value: string(interfaces.KindRemoteA),
		Usage: "kind tag this daemon serves ('remote-a' or 'remote-b'); evidence is bound to it",
	},
	&cli.Int64Flag{
		Name:  "reattest-seconds",
		Value: 300,
		Usage: "seconds before cached evidence is refreshed",
	},
	flags.AttestationTypeFlag,
	flags.QuoteProviderAddrFlag,
	flags.MockSeedFlag,
	flags.MockMeasurementFlag,
	flags.MockTCBFlag,
	flags.TLSCertFlag,
	flags.TLSKeyFlag,
	flags.TLSCAFlag,
	flags.InsecureTransportFlag,
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:  "executor-server",
		Usage: "Serve the confidential execution API from an attested environment",
		Flags: serverFlags,
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String("listen-addr")
			kind := interfaces.BackendKind(cCtx.String("backend-kind"))
			reattestInterval := time.Duration(cCtx.Int64("reattest-seconds")) * time.Second

			logger := flags.SetupLogger(cCtx)

			provider, err := buildProvider(cCtx)
			if err != nil {
				logger.Error("Failed to configure attestation provider", "err", err)
				return err
			}

			cfg := flags.ConfigureServer(cCtx, logger, listenAddr)

			tlsConfig, err := buildTLSConfig(cCtx)
			if err != nil {
				logger.Error("Failed to configure TLS", "err", err)
				return err
			}
			cfg.TLS = tlsConfig

			handler, err := api.NewHandler(enclave.NewExecutor(), provider, kind, reattestInterval, logger)
			if err != nil {
				logger.Error("Failed to attest executor", "err", err)
				return err
			}

			server, err := api.NewServer(cfg, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting executor server",
				"kind", kind.String(),
				"teeKind", provider.TEEKind().String(),
				"sessionID", handler.SessionID().String())
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func buildProvider(cCtx *cli.Context) (attestation.Provider, error) {
	switch cCtx.String(flags.AttestationTypeFlag.Name) {
	case "dcap":
		return attestation.DCAPProvider{}, nil

	case "dcap-remote":
		addr := cCtx.String(flags.QuoteProviderAddrFlag.Name)
		if addr == "" {
			return nil, errors.New("quote-provider-addr is required for dcap-remote attestation")
		}
		return &attestation.RemoteQuoteProvider{
			Address: addr,
			Kind:    interfaces.TEEKindTDX,
		}, nil

	case "mock":
		seedHex := cCtx.String(flags.MockSeedFlag.Name)
		if seedHex == "" {
			return nil, errors.New("mock-seed is required for mock attestation")
		}
		seed, err := hex.DecodeString(seedHex)
		if err != nil {
			return nil, fmt.Errorf("invalid mock-seed: %w", err)
		}

		measurement, err := interfaces.NewMeasurementFromHex(cCtx.String(flags.MockMeasurementFlag.Name))
		if err != nil {
			return nil, fmt.Errorf("invalid mock-measurement: %w", err)
		}

		return attestation.NewMockProvider(seed, measurement, uint32(cCtx.Uint(flags.MockTCBFlag.Name)))

	default:
		return nil, fmt.Errorf("unknown attestation-type: %s", cCtx.String(flags.AttestationTypeFlag.Name))
	}
}

func buildTLSConfig(cCtx *cli.Context) (*tls.Config, error) {
	certFile := cCtx.String(flags.TLSCertFlag.Name)
	keyFile := cCtx.String(flags.TLSKeyFlag.Name)
	caFile := cCtx.String(flags.TLSCAFlag.Name)

	if certFile == "" && keyFile == "" && caFile == "" {
		if !cCtx.Bool(flags.InsecureTransportFlag.Name) {
			return nil, errors.New("mutual TLS is required; pass tls-cert, tls-key and tls-ca, or insecure-transport for development")
		}
		return nil, nil
	}
	if certFile == "" || keyFile == "" || caFile == "" {
		return nil, errors.New("tls-cert, tls-key and tls-ca must all be set for mutual TLS")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("could not load server keypair: %w", err)
	}

	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("could not read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("CA bundle contains no certificates")
	}

	return api.MutualTLSConfig(cert, pool), nil
}
