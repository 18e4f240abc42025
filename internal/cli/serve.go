package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Dancode-188/pdfsync/server/internal/config"
	"github.com/Dancode-188/pdfsync/server/internal/discovery"
	"github.com/Dancode-188/pdfsync/server/internal/server"
	"github.com/Dancode-188/pdfsync/server/internal/session"
	"github.com/Dancode-188/pdfsync/server/internal/storage"
	"github.com/Dancode-188/pdfsync/server/internal/summarize"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	objects, err := storage.OpenObjectStore(ctx, cfg.StorageConfig())
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	defer objects.Close()

	metadata, err := storage.OpenMetadataStore(ctx, cfg.StorageConfig())
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer metadata.Close()

	summarizer, closeSummarizer := newSummarizer(ctx, cfg, logger)
	defer closeSummarizer()

	registry := session.NewRegistry(session.Config{
		Objects:        objects,
		Metadata:       metadata,
		Summarizer:     summarizer,
		SummaryTimeout: cfg.SummaryTimeout(),
		Logger:         logger,
	})
	srv := server.New(cfg, registry, logger)

	if cfg.Discovery.MDNS {
		adv, err := discovery.Advertise(cfg.Discovery.Instance, cfg.Server.Port, nil)
		if err != nil {
			logger.Warn("mDNS advertisement disabled", "error", err)
		} else {
			defer adv.Shutdown()
			logger.Info("advertising on the local network", "service", discovery.ServiceType)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "addr", cfg.Addr(), "objects", cfg.Storage.Objects, "metadata", cfg.Storage.Metadata)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		registry.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server shut down")
	return nil
}

// newSummarizer builds the pdftotext + Vertex pipeline. Without a Vertex
// project every summary request reports that summarization is unavailable.
func newSummarizer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (session.PDFSummarizer, func()) {
	extractor := summarize.NewPDFToText(cfg.Summary.PDFToTextPath)
	if err := extractor.CheckAvailable(); err != nil {
		logger.Warn("summaries will fail until pdftotext is installed", "error", err)
	}

	pipeline := &summarize.Pipeline{Extractor: extractor, Summarizer: summarize.Unavailable{}}
	if cfg.Summary.VertexProject == "" {
		logger.Info("summaries disabled: no Vertex project configured")
		return pipeline, func() {}
	}

	vertex, err := summarize.NewVertexSummarizer(ctx, cfg.Summary.VertexProject, cfg.Summary.VertexRegion, cfg.Summary.Model)
	if err != nil {
		logger.Error("failed to create Vertex client, summaries disabled", "error", err)
		return pipeline, func() {}
	}
	pipeline.Summarizer = vertex
	return pipeline, func() { vertex.Close() }
}
