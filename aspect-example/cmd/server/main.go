// Package main provides the aspect example application: a financial ledger
// whose operations are interception targets.
//
// At startup the server weaves the advices named by --advice onto every
// public ledger operation. HTTP handlers are wrapped with the invocation
// collector and with the shared-context middleware, so a client that sends an
// X-Aspect-Shared header sees its values in server-side advices (the logging
// advice prints them).
//
// The server runs on :8080 with the following API endpoints:
//   - POST /account: Create new account with initial balance
//   - GET /balance?id=<account_id>: Get account balance
//   - POST /transfer: Transfer funds between accounts
//   - GET /aspect/targets: Woven targets and their advice chains
//   - GET /aspect/stats: Per-target call statistics
//   - POST /aspect/freeze, /aspect/thaw: Mock transfers out and back in
//
// The inspector dashboard is available on the configured dashboard port.
//
// Usage:
//
//	go run ./aspect-example/cmd/server --advice logging:args=true --advice metrics
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chosenoffset/aspect/aspect-example/internal/ledger"
	"github.com/chosenoffset/aspect/pkg/aspect"
	"github.com/chosenoffset/aspect/pkg/aspect/advices"
	"github.com/chosenoffset/aspect/pkg/aspect/dashboard"
	"github.com/chosenoffset/aspect/pkg/aspect/metrics"
)

var errFrozen = errors.New("transfers are frozen")

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Ledger example server with woven advices",
	RunE:  run,
}

func init() {
	rootCmd.Flags().String("addr", ":8080", "listen address")
	rootCmd.Flags().String("config", "", "TOML config file, reloaded on change")
	rootCmd.Flags().StringArray("advice", []string{"logging", "metrics", "recover"}, "advice definition name[:k=v,...], repeatable")
	rootCmd.Flags().BoolP("verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app ties the ledger to its weaver and observability.
type app struct {
	ledger    *ledger.Ledger
	weaver    *aspect.Weaver
	collector *metrics.Collector
	logger    *zap.Logger
	freeze    *aspect.Advice
	handle    *aspect.Handle
}

func newApp(cfg *aspect.Config, logger *zap.Logger, defs []string) (*app, error) {
	a := &app{
		ledger:    ledger.NewLedger(),
		collector: metrics.NewCollector(1000),
		logger:    logger,
		freeze: aspect.NewAdvice("freeze", func(jp *aspect.Joinpoint) (any, error) {
			return nil, errFrozen
		}),
	}
	a.weaver = aspect.New(aspect.WithLogger(logger.Named("weaver")), aspect.WithConfig(cfg))

	catalog := advices.NewCatalog(advices.Dependencies{
		Logger:    logger.Named("ledger"),
		Collector: a.collector,
	})
	built, err := catalog.BuildAll(defs)
	if err != nil {
		return nil, err
	}
	h, err := a.weaver.Weave(aspect.Expr(a.ledger.Scope(), "public"), built)
	if err != nil {
		return nil, fmt.Errorf("weave ledger: %w", err)
	}
	a.handle = h
	return a, nil
}

func (a *app) routes() http.Handler {
	observe := func(name string, h http.HandlerFunc) http.Handler {
		return aspect.SharedMiddleware(a.collector.Middleware(name)(h))
	}

	mux := http.NewServeMux()
	mux.Handle("/account", observe("http account", a.ledger.HandleCreateAccount))
	mux.Handle("/balance", observe("http balance", a.ledger.HandleGetBalance))
	mux.Handle("/transfer", observe("http transfer", a.ledger.HandleTransfer))

	mux.HandleFunc("GET /aspect/targets", a.handleTargets)
	mux.HandleFunc("GET /aspect/stats", a.handleStats)
	mux.HandleFunc("POST /aspect/freeze", a.handleFreeze(true))
	mux.HandleFunc("POST /aspect/thaw", a.handleFreeze(false))
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func (a *app) handleTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.weaver.Snapshot())
}

func (a *app) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.collector.Snapshot())
}

// handleFreeze puts the freeze advice in front of the transfer chain, or
// takes it out again.
func (a *app) handleFreeze(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		if on {
			if slices.Contains(a.weaver.Advices(a.ledger.Transfer), a.freeze) {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			_, err = a.weaver.Weave(a.ledger.Transfer, []*aspect.Advice{a.freeze}, aspect.At(0))
		} else {
			err = a.weaver.Unweave(a.ledger.Transfer, a.freeze)
		}
		if err != nil {
			status := http.StatusInternalServerError
			if aspect.IsUnknownAdvice(err) {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		a.logger.Info("transfer freeze toggled", zap.Bool("frozen", on))
		w.WriteHeader(http.StatusNoContent)
	}
}

func run(cmd *cobra.Command, args []string) error {
	var logger *zap.Logger
	var err error
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg := aspect.DefaultConfig()
	cfgPath, _ := cmd.Flags().GetString("config")
	if cfgPath != "" {
		if cfg, err = aspect.LoadConfig(cfgPath); err != nil {
			return err
		}
	}

	defs, _ := cmd.Flags().GetStringArray("advice")
	a, err := newApp(cfg, logger, defs)
	if err != nil {
		return err
	}
	defer a.weaver.Shutdown()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfgPath != "" {
		go aspect.WatchConfig(ctx, cfgPath, logger.Named("config"), a.weaver.ApplyConfig)
	}

	if cfg.Dashboard.Enabled {
		inspector := dashboard.NewServer(cfg.Dashboard.Port, a.weaver,
			dashboard.WithCollector(a.collector, cfg.Metrics.Namespace),
			dashboard.WithLogger(logger.Named("inspector")),
			dashboard.WithMaxClients(cfg.Dashboard.MaxClients))
		a.weaver.Subscribe(inspector)
		go func() {
			if err := inspector.Start(); err != nil {
				logger.Error("inspector stopped", zap.Error(err))
			}
		}()
		defer inspector.Stop()
	}

	addr, _ := cmd.Flags().GetString("addr")
	server := &http.Server{
		Addr:         addr,
		Handler:      a.routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("ledger server listening",
		zap.String("addr", addr),
		zap.Int("woven", len(a.handle.Targets())),
		zap.Strings("advices", defs))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
