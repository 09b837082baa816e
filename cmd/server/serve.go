package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gwi.com/contract-assistant/internal/api"
	"gwi.com/contract-assistant/internal/core"
)

const (
	queueCapacity   = 256
	shutdownTimeout = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	queue := a.newQueue(queueCapacity)
	aggregator := core.NewAggregator(a.retriever, a.store, a.access, core.AggregatorConfig{
		MaxContracts: cfg.AggregatorMaxContracts,
		Concurrency:  cfg.AggregatorConcurrency,
		MinScore:     cfg.SearchMinScore,
	}, a.logger)
	chatService := core.NewChatService(core.ChatDeps{
		Contracts:  a.store,
		Chats:      a.store,
		Access:     a.access,
		Embeddings: a.indexer,
		Retriever:  a.retriever,
		Aggregator: aggregator,
		Assembler:  core.NewContextAssembler(""),
		Completer:  a.completer,
	}, core.ChatConfig{
		TopK:         cfg.SearchTopK,
		MinScore:     cfg.SearchMinScore,
		TokenBudget:  cfg.ChatTokenBudget,
		HistoryLimit: cfg.ChatHistoryLimit,
		MaxRetries:   cfg.ChatMaxRetries,
	}, a.logger)

	handler := api.NewAPIHandler(api.HandlerDeps{
		Chat:       chatService,
		Contracts:  a.newContractService(queue),
		Embeddings: a.indexer,
		Queue:      queue,
		Retriever:  a.retriever,
		Access:     a.access,
		JWTSecret:  cfg.JWTSecret,
		SearchTopK: cfg.SearchTopK,
	}, a.logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      api.NewRouter(handler, a.logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // completions can take a while
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("could not listen on %s: %w", srv.Addr, err)
		}
	case <-ctx.Done():
	}
	a.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		shutdownErr = fmt.Errorf("server forced to shutdown: %w", err)
	}
	if err := queue.Close(shutdownCtx); err != nil {
		a.logger.Warn("index queue did not drain", zap.Error(err))
	}
	chatService.Wait()

	a.logger.Info("server exited")
	return shutdownErr
}
