// Package flags holds the flag definitions and setup helpers shared by
// the executor daemon and the comparison runner.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/confidential-compute/tee-execution-backend/api"
	"github.com/confidential-compute/tee-execution-backend/common"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJSONFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUIDFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *api.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &api.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var PolicyFileFlag = &cli.StringFlag{
	Name:  "policy-file",
	Value: "policy.json",
	Usage: "JSON file with the attestation policy (whitelisted measurements, TCB minimums, evidence max age)",
}

var AttestationTypeFlag = &cli.StringFlag{
	Name:  "attestation-type",
	Value: "dcap",
	Usage: "attestation provider to use: 'dcap', 'dcap-remote' or 'mock'",
}
var QuoteProviderAddrFlag = &cli.StringFlag{
	Name:  "quote-provider-addr",
	Usage: "quote-provider endpoint base URL (required if attestation-type is 'dcap-remote')",
}
var MockSeedFlag = &cli.StringFlag{
	Name:  "mock-seed",
	Usage: "hex-encoded seed for the mock attestation signing key (required if attestation-type is 'mock')",
}
var MockMeasurementFlag = &cli.StringFlag{
	Name:  "mock-measurement",
	Usage: "hex-encoded 48-byte measurement the mock provider claims",
}
var MockTCBFlag = &cli.UintFlag{
	Name:  "mock-tcb-version",
	Value: 1,
	Usage: "TCB version the mock provider claims",
}

var TLSCertFlag = &cli.StringFlag{
	Name:  "tls-cert",
	Usage: "PEM certificate for the mutually authenticated channel",
}
var TLSKeyFlag = &cli.StringFlag{
	Name:  "tls-key",
	Usage: "PEM private key for the mutually authenticated channel",
}
var TLSCAFlag = &cli.StringFlag{
	Name:  "tls-ca",
	Usage: "PEM CA bundle that peer certificates must chain to",
}
var InsecureTransportFlag = &cli.BoolFlag{
	Name:  "insecure-transport",
	Value: false,
	Usage: "permit a plaintext channel instead of mutual TLS (development only)",
}

var VaultClientCertFlag = &cli.StringFlag{
	Name:  "vault-client-cert",
	Usage: "PEM certificate authenticating to vault:// record stores",
}
var VaultClientKeyFlag = &cli.StringFlag{
	Name:  "vault-client-key",
	Usage: "PEM private key for the vault client certificate",
}

var DNSServerFlag = &cli.StringFlag{
	Name:  "dns-server",
	Usage: "DNS server for srv+ endpoint resolution (default: systemd-resolved stub)",
}

var LogJSONFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUIDFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJSONFlag,
	LogDebugFlag,
	LogUIDFlag,
	LogServiceFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
