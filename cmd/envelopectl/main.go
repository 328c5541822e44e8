// Command envelopectl encrypts and decrypts files as chunked envelope sets.
//
// Usage:
//
//	envelopectl encrypt -in plain.bin -out set.json [-context purpose=backup]
//	envelopectl decrypt -in set.json -out plain.bin
//	envelopectl decrypt -set-id <id> -out plain.bin
//	envelopectl list
//	envelopectl delete -set-id <id>
//
// Configuration is read from CONFIG_PATH (default config.yaml) with
// environment variable overrides.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/envelope-pipeline/internal/config"
	"github.com/kenneth/envelope-pipeline/internal/crypto"
	"github.com/kenneth/envelope-pipeline/internal/logging"
	"github.com/kenneth/envelope-pipeline/internal/metrics"
	"github.com/kenneth/envelope-pipeline/internal/pipeline"
	"github.com/kenneth/envelope-pipeline/internal/store"
	"github.com/kenneth/envelope-pipeline/internal/telemetry"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: envelopectl <encrypt|decrypt|list|delete> [flags]")
		os.Exit(2)
	}
	command := os.Args[1]
	args := os.Args[2:]

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"command": command,
	}).Info("Starting envelope pipeline")

	ctx := context.Background()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Tracing shutdown failed")
		}
	}()

	m := metrics.NewMetrics()
	stopMetrics := make(chan struct{})
	m.StartSystemMetricsCollector(stopMetrics)
	defer close(stopMetrics)

	diagnostics := startDiagnostics(cfg.Diagnostics, m, logger)
	defer stopDiagnostics(diagnostics, logger)

	eventLogger := logging.NewEventLogger(cfg.Audit.MaxEvents, logger)
	eventLogger.OnRedact(m.RecordLogValueRedacted)

	provider, err := newProvider(ctx, cfg.Encryption.Provider)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create key provider")
	}
	defer provider.Close()

	engine, err := crypto.NewEngine(provider, eventLogger,
		crypto.WithAlgorithm(cfg.Encryption.PreferredAlgorithm),
		crypto.WithSupportedAlgorithms(cfg.Encryption.SupportedAlgorithms),
		crypto.WithMetrics(m),
	)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create encryption engine")
	}
	defer engine.Close()

	logger.WithFields(logrus.Fields{
		"backend":             string(engine.Backend()),
		"preferred_algorithm": cfg.Encryption.PreferredAlgorithm,
	}).Info("Encryption engine ready")

	orchestrator, err := pipeline.NewOrchestrator(engine, eventLogger,
		pipeline.WithChunkSize(cfg.Encryption.ChunkSize),
		pipeline.WithMetrics(m),
	)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create orchestrator")
	}

	envelopeStore, err := newStore(ctx, cfg.Store)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create envelope store")
	}
	envelopeStore = store.WithMetrics(envelopeStore, m)

	switch command {
	case "encrypt":
		err = runEncrypt(ctx, args, orchestrator, envelopeStore, logger)
	case "decrypt":
		err = runDecrypt(ctx, args, orchestrator, envelopeStore, logger)
	case "list":
		err = runList(ctx, envelopeStore)
	case "delete":
		err = runDelete(ctx, args, envelopeStore, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		os.Exit(2)
	}
	if err != nil {
		logger.WithError(err).Fatal("Command failed")
	}
}

func runEncrypt(ctx context.Context, args []string, orch *pipeline.Orchestrator, envelopeStore store.Store, logger *logrus.Logger) error {
	fs := flag.NewFlagSet("encrypt", flag.ExitOnError)
	inPath := fs.String("in", "", "input file to encrypt")
	outPath := fs.String("out", "", "output file for the envelope set JSON (optional when -persist is set)")
	contextFlag := fs.String("context", "", "encryption context as comma-separated key=value pairs")
	persist := fs.Bool("persist", false, "store the envelope set in the configured store")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" {
		return fmt.Errorf("encrypt: -in is required")
	}
	if *outPath == "" && !*persist {
		return fmt.Errorf("encrypt: -out or -persist is required")
	}

	payload, err := os.ReadFile(*inPath)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	rawContext, err := parseContext(*contextFlag)
	if err != nil {
		return err
	}

	set, err := orch.EncryptLarge(ctx, payload, rawContext)
	if err != nil {
		return err
	}

	if *outPath != "" {
		data, err := json.MarshalIndent(set, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding set: %w", err)
		}
		if err := os.WriteFile(*outPath, data, 0o600); err != nil {
			return fmt.Errorf("writing output: %w", err)
		}
	}
	if *persist {
		if err := envelopeStore.PutSet(ctx, set); err != nil {
			return err
		}
	}

	logger.WithFields(logrus.Fields{
		"set_id":       set.SetID,
		"total_chunks": set.TotalChunks,
		"total_bytes":  set.TotalBytes,
	}).Info("Encrypted")
	return nil
}

func runDecrypt(ctx context.Context, args []string, orch *pipeline.Orchestrator, envelopeStore store.Store, logger *logrus.Logger) error {
	fs := flag.NewFlagSet("decrypt", flag.ExitOnError)
	inPath := fs.String("in", "", "envelope set JSON file")
	setID := fs.String("set-id", "", "id of a stored envelope set")
	outPath := fs.String("out", "", "output file for the decrypted payload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*inPath == "") == (*setID == "") {
		return fmt.Errorf("decrypt: exactly one of -in and -set-id is required")
	}
	if *outPath == "" {
		return fmt.Errorf("decrypt: -out is required")
	}

	var set *pipeline.ChunkedEnvelopeSet
	if *inPath != "" {
		data, err := os.ReadFile(*inPath)
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
		set = &pipeline.ChunkedEnvelopeSet{}
		if err := json.Unmarshal(data, set); err != nil {
			return fmt.Errorf("decoding set: %w", err)
		}
	} else {
		var err error
		set, err = envelopeStore.GetSet(ctx, *setID)
		if err != nil {
			return err
		}
	}

	payload, err := orch.DecryptLarge(ctx, set)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*outPath, payload, 0o600); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"set_id":       set.SetID,
		"output_bytes": len(payload),
	}).Info("Decrypted")
	return nil
}

func runList(ctx context.Context, envelopeStore store.Store) error {
	ids, err := envelopeStore.ListSets(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func runDelete(ctx context.Context, args []string, envelopeStore store.Store, logger *logrus.Logger) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	setID := fs.String("set-id", "", "id of the stored envelope set to delete")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *setID == "" {
		return fmt.Errorf("delete: -set-id is required")
	}

	if err := envelopeStore.DeleteSet(ctx, *setID); err != nil {
		return err
	}
	logger.WithField("set_id", *setID).Info("Deleted")
	return nil
}

// newProvider constructs the configured key provider backend.
func newProvider(ctx context.Context, cfg config.ProviderConfig) (crypto.KeyProvider, error) {
	switch cfg.Backend {
	case "rawkey":
		return crypto.NewRawKeyProvider()
	case "mock":
		return crypto.NewMockKeyProvider(cfg.KeyID), nil
	case "kms":
		return crypto.NewKMSKeyProvider(ctx, crypto.KMSProviderConfig{
			KeyID:         cfg.KeyID,
			Region:        cfg.KMS.Region,
			Endpoint:      cfg.KMS.Endpoint,
			AccessKey:     cfg.KMS.AccessKey,
			SecretKey:     cfg.KMS.SecretKey,
			CacheTTL:      cfg.KMS.CacheTTL,
			CacheMaxItems: cfg.KMS.CacheMaxItems,
		})
	default:
		return nil, fmt.Errorf("unknown provider backend: %s", cfg.Backend)
	}
}

// newStore constructs the configured envelope store backend.
func newStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "s3":
		return store.NewS3Store(ctx, store.S3StoreConfig{
			Bucket:       cfg.S3.Bucket,
			Prefix:       cfg.S3.Prefix,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
		})
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}

// parseContext parses "k=v,k2=v2" into a map.
func parseContext(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}

	context := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid context pair %q, want key=value", pair)
		}
		context[key] = value
	}
	return context, nil
}

// startDiagnostics starts the optional metrics/health listener.
func startDiagnostics(cfg config.DiagnosticsConfig, m *metrics.Metrics, logger *logrus.Logger) *http.Server {
	if !cfg.Enabled {
		return nil
	}

	router := mux.NewRouter()
	router.Handle("/metrics", m.Handler()).Methods("GET")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods("GET")

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("Starting diagnostics server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Diagnostics server failed")
		}
	}()
	return server
}

func stopDiagnostics(server *http.Server, logger *logrus.Logger) {
	if server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Diagnostics server forced to shutdown")
	}
}
