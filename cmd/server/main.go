// Command server runs the dog-care assistant API.
//
// Startup order: env file, config, logging, tracing, database, capability
// clients, router, HTTP server. A background janitor expires idle sessions
// and purges stale idempotency records. Shutdown is graceful on SIGINT and
// SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/marshee/dogcare-backend/internal/capabilities"
	"github.com/marshee/dogcare-backend/internal/config"
	httpapi "github.com/marshee/dogcare-backend/internal/http"
	"github.com/marshee/dogcare-backend/internal/knowledge"
	"github.com/marshee/dogcare-backend/internal/observability"
	"github.com/marshee/dogcare-backend/internal/repo"
	"github.com/marshee/dogcare-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown failed")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	caps := buildCapabilities(cfg.Capability)

	r := gin.New()
	httpapi.RegisterRoutes(r, db, caps, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go janitor(ctx, db, cfg.Capability.SessionIdleTTL)

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// buildCapabilities wires the model ports from configuration. The retriever
// is remote when RETRIEVER_URL is set; otherwise a local keyword index is
// built from the markdown files in the knowledge directory.
func buildCapabilities(cc config.CapabilityConfig) httpapi.Capabilities {
	caps := httpapi.Capabilities{
		Classifier: capabilities.NewHTTPClassifier(cc.ClassifierURL, cc.Timeout),
		Generator:  capabilities.NewChatGenerator(cc.OpenAIKey, cc.OpenAIModel, cc.MaxTokens, float32(cc.Temperature)),
	}

	if cc.RetrieverURL != "" {
		caps.Retriever = capabilities.NewHTTPRetriever(cc.RetrieverURL, cc.RetrieveTopK, cc.Timeout)
		return caps
	}

	ix := knowledge.New(cc.RetrieveTopK)
	entries, err := os.ReadDir(cc.KnowledgeDir)
	if err != nil {
		log.Warn().Err(err).Str("dir", cc.KnowledgeDir).Msg("knowledge dir unreadable, answering without retrieval")
		return caps
	}
	loaded := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(cc.KnowledgeDir, e.Name())
		if err := ix.AddFile(cc.RAGNamespace, path); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("knowledge file skipped")
			continue
		}
		loaded++
	}
	log.Info().Int("files", loaded).Str("namespace", cc.RAGNamespace).Msg("knowledge index built")
	caps.Retriever = ix
	return caps
}

// janitor periodically expires idle sessions and purges stale idempotency
// records. Idle TTL <= 0 disables expiry but purging still runs.
func janitor(ctx context.Context, db *gorm.DB, idleTTL time.Duration) {
	t := time.NewTicker(10 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		if idleTTL > 0 {
			cutoff := time.Now().UTC().Add(-idleTTL)
			n, err := repo.ExpireIdleSessions(ctx, db, cutoff)
			if err != nil {
				log.Warn().Err(err).Msg("idle session sweep failed")
			} else if n > 0 {
				log.Info().Int64("sessions", n).Msg("idle sessions expired")
			}
		}

		if _, err := repo.PurgeExpiredIdempotency(ctx, db); err != nil {
			log.Warn().Err(err).Msg("idempotency purge failed")
		}
	}
}
