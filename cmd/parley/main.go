package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmarchetti/parley/internal/chat"
	"github.com/lmarchetti/parley/internal/config"
	"github.com/lmarchetti/parley/internal/engine"
	"github.com/lmarchetti/parley/internal/httpapi"
	"github.com/lmarchetti/parley/internal/llm"
	"github.com/lmarchetti/parley/internal/observability"
	"github.com/lmarchetti/parley/internal/persist"
	"github.com/lmarchetti/parley/internal/prompt"
	"github.com/lmarchetti/parley/internal/summary"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	recorder, err := persist.NewRecorder(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		log.Fatalf("recorder init failed: %v", err)
	}
	defer recorder.Close()

	completer, err := llm.NewAdapter(llm.Config{
		Mode:    cfg.CompletionMode,
		URL:     cfg.CompletionURL,
		Timeout: cfg.CompletionTimeout,
	})
	if err != nil {
		log.Fatalf("completion adapter init failed: %v", err)
	}

	backend, err := summary.NewBackend(summary.Config{
		Mode:    cfg.SummarizerMode,
		URL:     cfg.SummarizerURL,
		Timeout: cfg.SummarizerTimeout,
	})
	if err != nil {
		log.Fatalf("summarizer init failed: %v", err)
	}
	summarizer := summary.NewService(backend, cfg.SummaryTokenBudget)

	store := chat.NewManager(recorder)
	store.SetPersistErrorHook(func(op string, _ error) {
		metrics.PersistenceErrors.WithLabelValues(op).Inc()
	})

	scheduler := chat.NewScheduler(store, summarizer, chat.SchedulerConfig{
		RetainCount: cfg.HistoryRetain,
		MaxLength:   cfg.SummaryMaxLength,
		Timeout:     cfg.SummarizerTimeout,
	}, metrics)

	instructions := prompt.NewRegistry(cfg.StopMarker)
	eng := engine.New(store, scheduler, completer, instructions, metrics, engine.Config{
		StopMarker:        cfg.StopMarker,
		MaxNewTokens:      cfg.MaxNewTokens,
		Temperature:       cfg.Temperature,
		RepeatPenalty:     cfg.RepeatPenalty,
		CompletionTimeout: cfg.CompletionTimeout,
		HistoryMaxEntries: cfg.HistoryMaxEntries,
	})
	eng.Bootstrap(ctx)

	api := httpapi.New(cfg, eng, summarizer, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	// Let in-flight summarization jobs finish so their records are durable.
	done := make(chan struct{})
	go func() {
		scheduler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownTimeout):
		log.Printf("summarization jobs still running at shutdown deadline")
	}

	log.Printf("shutdown complete")
}
