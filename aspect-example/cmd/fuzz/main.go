// Command fuzz drives random traffic and scripted scenarios against the
// example ledger server. Every request carries a shared context with a fresh
// request id, so server-side advices can correlate it.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chosenoffset/aspect/aspect-example/internal/scenario"
)

var rootCmd = &cobra.Command{
	Use:   "fuzz",
	Short: "Generate load against the ledger example server",
	RunE:  run,
}

func init() {
	rootCmd.Flags().String("url", "http://localhost:8080", "ledger server base URL")
	rootCmd.Flags().Duration("interval", 100*time.Millisecond, "delay between requests")
	rootCmd.Flags().Int("scenario-rate", 2, "out of 10 iterations, how many run a scenario")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()

	baseURL, _ := cmd.Flags().GetString("url")
	interval, _ := cmd.Flags().GetDuration("interval")
	rate, _ := cmd.Flags().GetInt("scenario-rate")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	client := &http.Client{Timeout: 5 * time.Second}
	scenarios := scenario.Builtin()
	accounts := []string{"alice", "bob", "carol"}
	for _, id := range accounts {
		if _, err := scenario.Send(ctx, client, baseURL+"/account", map[string]any{"id": id, "balance": 1000}, nil); err != nil {
			return fmt.Errorf("seed account %s: %w", id, err)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if rand.Intn(10) < rate {
			sc := scenarios[rand.Intn(len(scenarios))]
			if err := sc.Run(ctx, client, baseURL); err != nil {
				logger.Warn("scenario failed", zap.String("scenario", sc.Name()), zap.Error(err))
			} else {
				logger.Info("scenario completed", zap.String("scenario", sc.Name()))
			}
			continue
		}
		sendRandomTransfer(ctx, client, baseURL, accounts, logger)
	}
}

func sendRandomTransfer(ctx context.Context, client *http.Client, baseURL string, accounts []string, logger *zap.Logger) {
	from := accounts[rand.Intn(len(accounts))]
	to := accounts[rand.Intn(len(accounts))]
	body := map[string]any{"from": from, "to": to, "amount": rand.Intn(50) + 1}
	shared := map[string]any{"request_id": uuid.NewString()}

	code, err := scenario.Send(ctx, client, baseURL+"/transfer", body, shared)
	if err != nil {
		logger.Warn("transfer failed", zap.Error(err))
		return
	}
	logger.Debug("transfer sent", zap.String("from", from), zap.String("to", to), zap.Int("status", code))
}
