// Package app boots the session server: one in-memory shared store exposed
// over websockets, plus health and diagnostics endpoints.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"tavolo/internal/net/ws"
	"tavolo/internal/sched"
	"tavolo/internal/store"
	"tavolo/logging"
	loggingsinks "tavolo/logging/sinks"
)

type Config struct {
	Addr    string
	Logging logging.Config
}

func DefaultConfig() Config {
	return Config{
		Addr:    ":8080",
		Logging: logging.DefaultConfig(),
	}
}

func Run(ctx context.Context, cfg Config) error {
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}

	namedSinks := []logging.NamedSink{}
	if cfg.Logging.HasSink("console") {
		namedSinks = append(namedSinks, logging.NamedSink{
			Name: "console",
			Sink: loggingsinks.NewConsoleSink(os.Stdout, cfg.Logging.Console),
		})
	}
	if cfg.Logging.HasSink("json") && cfg.Logging.JSON.FilePath != "" {
		jsonSink, err := loggingsinks.NewJSONSink(cfg.Logging.JSON)
		if err != nil {
			return fmt.Errorf("app: construct json sink: %w", err)
		}
		namedSinks = append(namedSinks, logging.NamedSink{Name: "json", Sink: jsonSink})
	}
	router, err := logging.NewRouter(nil, cfg.Logging, namedSinks)
	if err != nil {
		return fmt.Errorf("app: construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			log.Printf("failed to close logging router: %v", cerr)
		}
	}()

	scheduler := sched.NewSystem()
	memory := store.NewMemory(scheduler)
	defer memory.Close()

	handler := ws.NewHandler(memory, ws.HandlerConfig{Logger: log.Default()})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.Handle)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		snapshot := struct {
			Sessions    int                     `json:"sessions"`
			Connections []ws.SessionDiagnostics `json:"connections"`
			Journal     store.JournalStats      `json:"journal"`
			Subscribers int                     `json:"subscribers"`
			ServerTime  int64                   `json:"serverTime"`
		}{
			Sessions:    handler.SessionCount(),
			Connections: handler.Diagnostics(),
			Journal:     memory.JournalStats(),
			Subscribers: memory.SubscriberCount(),
			ServerTime:  time.Now().UnixMilli(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot); err != nil {
			log.Printf("failed to encode diagnostics: %v", err)
		}
	})

	server := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("session server listening on %s", cfg.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: shutdown: %w", err)
		}
		return nil
	}
}
