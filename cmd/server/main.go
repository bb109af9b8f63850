// Command server runs the bookkeeping automation backend: ingest, booking
// pipeline, approval surface and export, over REST/WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kontomat/backend/internal/api"
	"github.com/kontomat/backend/internal/approval"
	"github.com/kontomat/backend/internal/audit"
	"github.com/kontomat/backend/internal/auth"
	"github.com/kontomat/backend/internal/blobstore"
	"github.com/kontomat/backend/internal/config"
	"github.com/kontomat/backend/internal/events"
	"github.com/kontomat/backend/internal/export"
	"github.com/kontomat/backend/internal/extract"
	"github.com/kontomat/backend/internal/fx"
	"github.com/kontomat/backend/internal/inference"
	"github.com/kontomat/backend/internal/memory"
	"github.com/kontomat/backend/internal/metrics"
	"github.com/kontomat/backend/internal/pipeline"
	"github.com/kontomat/backend/internal/rag"
	"github.com/kontomat/backend/internal/safety"
	"github.com/kontomat/backend/internal/store"
	"github.com/kontomat/backend/internal/verify"
)

const (
	exitConfig = 2
	exitAudit  = 4
)

func main() {
	configPath := flag.String("config", "kontomat.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server failed", "error", err)
		if errors.Is(err, errAuditInit) {
			os.Exit(exitAudit)
		}
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)
	return log
}

// stores is either the Postgres set or the in-memory fallback.
type stores struct {
	bookings pipeline.Store
	auditLog audit.Store
	memory   memory.Store
	users    auth.UserStore
	receipts export.ReceiptStore
	chunks   *store.ChunkStore
}

func openStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (*stores, error) {
	if cfg.Storage.PostgresDSN == "" {
		log.Warn("no postgres_dsn configured, using volatile in-memory stores")
		return &stores{
			bookings: pipeline.NewInMemStore(),
			auditLog: audit.NewInMemStore(),
			memory:   memory.NewInMemStore(),
			users:    auth.NewInMemUserStore(),
			receipts: export.NewInMemReceiptStore(),
		}, nil
	}
	db, err := store.Open(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return &stores{
		bookings: store.NewBookingStore(db),
		auditLog: store.NewAuditStore(db),
		memory:   store.NewMemoryStore(db),
		users:    store.NewUserStore(db),
		receipts: store.NewReceiptStore(db),
		chunks:   store.NewChunkStore(db),
	}, nil
}

var errAuditInit = errors.New("audit chain init failed")

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}

	chain, err := audit.New(ctx, st.auditLog, log)
	if err != nil {
		return fmt.Errorf("%w: %v", errAuditInit, err)
	}
	if err := chain.Verify(ctx, 0, 0); err != nil {
		return fmt.Errorf("%w: %v", errAuditInit, err)
	}

	blobs, err := blobstore.New(filepath.Join(cfg.Storage.DataDir, "blobs"))
	if err != nil {
		return fmt.Errorf("blobstore: %w", err)
	}

	primary := inference.NewHTTPBackend(cfg.Inference.Endpoint, cfg.Inference.Model)
	var visionLoad inference.VisionLoader
	if cfg.Inference.VisionEndpoint != "" {
		visionLoad = func(context.Context) (inference.Backend, error) {
			return inference.NewHTTPBackend(cfg.Inference.VisionEndpoint, cfg.Inference.VisionModel), nil
		}
	}
	ai := inference.New(primary, visionLoad, inference.Config{
		MaxSessions: cfg.Inference.MaxSessions,
		UserRate:    cfg.Inference.UserRate,
	}, log)
	ai.SetAudit(chain)

	// A dedicated embedding server takes the RAG traffic when configured;
	// otherwise embeddings ride on the primary model.
	var embedder rag.Embedder = ai
	if cfg.Inference.EmbeddingEndpoint != "" {
		embedder = inference.NewHTTPBackend(cfg.Inference.EmbeddingEndpoint, cfg.Inference.EmbeddingModel)
	}
	ragOpts := []rag.IndexOption{rag.WithFloor(cfg.Rag.ConfidenceFloor)}
	if st.chunks != nil {
		ragOpts = append(ragOpts, rag.WithPersister(st.chunks))
	}
	laws := rag.NewIndex(embedder, log, ragOpts...)
	if st.chunks != nil {
		chunks, err := st.chunks.Chunks(ctx)
		if err != nil {
			return fmt.Errorf("law corpus load: %w", err)
		}
		for _, c := range chunks {
			if err := laws.Ingest(ctx, c); err != nil {
				log.Warn("corpus chunk skipped at boot", "chunk", c.ID, "error", err)
			}
		}
		log.Info("law corpus loaded", "chunks", len(chunks))
	}
	quarantineDir := cfg.Rag.QuarantineDir
	if quarantineDir == "" {
		quarantineDir = filepath.Join(cfg.Storage.DataDir, "corpus_drops")
	}
	if err := os.MkdirAll(quarantineDir, 0o755); err != nil {
		return fmt.Errorf("quarantine dir: %w", err)
	}
	corpus := rag.NewQuarantine(laws, quarantineDir, log)
	go corpus.Watch(ctx, time.Minute)

	mem := memory.New(st.memory,
		memory.WithRetention(time.Duration(cfg.Memory.L1RetentionDays)*24*time.Hour),
		memory.WithAudit(chain),
		memory.WithLogger(log))
	go pruneJournal(ctx, mem, log)

	var bus events.Emitter
	var localBus *events.Bus
	if cfg.Storage.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
		rb := events.NewRedisBus(client, log)
		go rb.Relay(ctx)
		bus, localBus = rb, rb.Bus
	} else {
		b := events.NewBus()
		bus, localBus = b, b
	}

	met := metrics.New()
	rates := fx.NewTable(cfg.Pipeline.HomeCurrency)
	overseer := safety.NewOverseer()

	fabric := extract.NewFabric(
		&extract.UBLExtractor{HomeCountry: "HR"},
		&extract.TemplateExtractor{},
		&extract.RegexExtractor{},
		&extract.BankStatementExtractor{},
		&extract.VisionExtractor{OCR: ai},
	)

	pipe := pipeline.New(pipeline.Deps{
		Blobs:    blobs,
		Fabric:   fabric,
		Verifier: verify.New(),
		Rules:    mem,
		Laws:     laws,
		AI:       ai,
		Rates:    rates,
		Audit:    chain,
		Store:    st.bookings,
		Bus:      bus,
		Metrics:  met,
		Overseer: overseer,
		Log:      log,
	}, pipeline.Config{
		AMLCashThreshold: cfg.AMLThreshold(),
		HomeCurrency:     cfg.Pipeline.HomeCurrency,
	})

	exporters, err := buildExporters(cfg, st.receipts, log)
	if err != nil {
		return err
	}
	svc := approval.New(pipe, st.bookings, chain, mem, exporters, bus, log)

	authSvc := auth.NewService(st.users, []byte(cfg.Auth.JWTSecret),
		time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute, log)
	if err := bootstrapAdmin(ctx, authSvc, st.users, log); err != nil {
		return err
	}

	server := api.NewServer(api.Deps{
		Auth:     authSvc,
		Approval: svc,
		Pipe:     pipe,
		Laws:     laws,
		Corpus:   corpus,
		Chain:    chain,
		AI:       ai,
		Overseer: overseer,
		Bus:      localBus,
		Metrics:  met,
		Log:      log,
	}, api.Config{UserRate: float64(cfg.Auth.RateLimitPerUser) / 60})

	httpServer := &http.Server{
		Addr:              cfg.Listen.Addr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Listen.Addr())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func buildExporters(cfg *config.Config, receipts export.ReceiptStore, log *slog.Logger) (map[export.Target]*export.Exporter, error) {
	out := map[export.Target]*export.Exporter{}
	for name, t := range cfg.Export.Targets {
		target := export.Target(name)
		var deliver export.Deliverer
		switch t.Kind {
		case "http":
			deliver = export.NewHTTPDelivery(t.Dest)
		default:
			deliver = &export.FileDrop{Dir: t.Dest}
		}
		out[target] = export.New(target, receipts, deliver, log)
		log.Info("export target configured", "target", name, "kind", t.Kind, "dest", t.Dest)
	}
	return out, nil
}

// bootstrapAdmin creates the first account on an empty directory so the
// operator can log in at all. The password comes from the environment.
func bootstrapAdmin(ctx context.Context, svc *auth.Service, users auth.UserStore, log *slog.Logger) error {
	existing, err := users.Users(ctx)
	if err != nil {
		return fmt.Errorf("user directory: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}
	password := os.Getenv("KONTOMAT_ADMIN_PASSWORD")
	if password == "" {
		return fmt.Errorf("empty user directory and KONTOMAT_ADMIN_PASSWORD not set")
	}
	if _, err := svc.CreateUser(ctx, "admin", password, auth.RoleAdmin); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	log.Info("bootstrap admin account created", "username", "admin")
	return nil
}

func pruneJournal(ctx context.Context, mem *memory.Memory, log *slog.Logger) {
	t := time.NewTicker(24 * time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := mem.PruneL1(ctx)
			if err != nil {
				log.Warn("journal prune failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("journal pruned", "events", n)
			}
		}
	}
}
