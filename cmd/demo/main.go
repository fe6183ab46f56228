// Command demo weaves built-in advices onto a small inventory service, drives
// traffic through it and serves the inspector so the registry can be watched
// and toggled live.
//
//	demo --advice logging --advice metrics --advice retry:attempts=3 --pointcut 'kind(function) && public'
//	demo match 'name("Re.*")'
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chosenoffset/aspect/pkg/aspect"
	"github.com/chosenoffset/aspect/pkg/aspect/advices"
	"github.com/chosenoffset/aspect/pkg/aspect/dashboard"
	"github.com/chosenoffset/aspect/pkg/aspect/metrics"
)

var rootCmd = &cobra.Command{
	Use:   "demo",
	Short: "Weave advices onto a sample service and inspect them live",
	RunE:  runDemo,
}

var matchCmd = &cobra.Command{
	Use:   "match <pointcut>",
	Short: "List the sample targets a pointcut expression selects",
	Args:  cobra.ExactArgs(1),
	RunE:  runMatch,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "TOML config file, reloaded on change")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	rootCmd.Flags().Int("dashboard-port", 0, "inspector port (overrides config, 0 keeps it)")
	rootCmd.Flags().StringArray("advice", []string{"logging", "metrics"}, "advice definition name[:k=v,...], repeatable")
	rootCmd.Flags().String("pointcut", "public", "pointcut expression selecting targets")
	rootCmd.Flags().Duration("interval", 250*time.Millisecond, "delay between generated calls")
	rootCmd.Flags().Duration("ttl", 0, "unweave automatically after this long")
	rootCmd.AddCommand(matchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cmd *cobra.Command) (*zap.Logger, error) {
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadConfig(cmd *cobra.Command) (*aspect.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return aspect.DefaultConfig(), "", nil
	}
	cfg, err := aspect.LoadConfig(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func runDemo(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("dashboard-port"); port > 0 {
		cfg.Dashboard.Enabled = true
		cfg.Dashboard.Port = port
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(1000)
	w := aspect.New(aspect.WithLogger(logger.Named("weaver")), aspect.WithConfig(cfg))
	defer w.Shutdown()

	if cfg.Dashboard.Enabled {
		server := dashboard.NewServer(cfg.Dashboard.Port, w,
			dashboard.WithCollector(collector, cfg.Metrics.Namespace),
			dashboard.WithLogger(logger.Named("inspector")),
			dashboard.WithMaxClients(cfg.Dashboard.MaxClients))
		w.Subscribe(server)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("inspector stopped", zap.Error(err))
			}
		}()
		defer server.Stop()
		fmt.Printf("Inspector available at http://localhost:%d\n", cfg.Dashboard.Port)
	}

	if cfgPath != "" {
		go func() {
			if err := aspect.WatchConfig(ctx, cfgPath, logger.Named("config"), w.ApplyConfig); err != nil {
				logger.Error("config watcher stopped", zap.Error(err))
			}
		}()
	}

	inv, err := newInventory()
	if err != nil {
		return err
	}

	catalog := advices.NewCatalog(advices.Dependencies{
		Logger:    logger.Named("advice"),
		Collector: collector,
	})
	defs, _ := cmd.Flags().GetStringArray("advice")
	built, err := catalog.BuildAll(defs)
	if err != nil {
		return fmt.Errorf("%w (available: %v)", err, catalog.Names())
	}

	expr, _ := cmd.Flags().GetString("pointcut")
	var opts []aspect.WeaveOption
	if ttl, _ := cmd.Flags().GetDuration("ttl"); ttl > 0 {
		opts = append(opts, aspect.WithTTL(ttl))
	}
	h, err := w.Weave(aspect.Expr(inv.scope, expr), built, opts...)
	if err != nil {
		return err
	}
	for _, t := range h.Targets() {
		fmt.Printf("Woven: %s\n", t)
	}
	for _, ex := range h.Excluded() {
		fmt.Printf("Excluded: %s (%v)\n", ex.Target, ex.Err)
	}

	interval, _ := cmd.Flags().GetDuration("interval")
	drive(ctx, inv, interval, logger)

	stats, _ := json.MarshalIndent(collector.Snapshot(), "", "  ")
	fmt.Println(string(stats))
	return nil
}

// drive makes random calls through the targets until ctx is done.
func drive(ctx context.Context, inv *inventory, interval time.Duration, logger *zap.Logger) {
	skus := []string{"apple", "pear", "plum", "quince"}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sku := skus[rand.Intn(len(skus))]
			var err error
			switch rand.Intn(3) {
			case 0:
				_, err = inv.Stock.Call(ctx, sku)
			case 1:
				_, err = inv.Reserve.Call(ctx, sku, rand.Intn(4)+1)
			default:
				_, err = inv.Restock.Call(ctx, sku, rand.Intn(3)+1)
			}
			if err != nil && !errors.Is(err, errOutOfStock) {
				logger.Warn("call failed", zap.String("sku", sku), zap.Error(err))
			}
		}
	}
}

func runMatch(cmd *cobra.Command, args []string) error {
	inv, err := newInventory()
	if err != nil {
		return err
	}
	sel, err := aspect.Expr(inv.scope, args[0]).Select()
	if err != nil {
		return err
	}
	for _, t := range sel.Targets {
		fmt.Printf("%s\t%s\n", t, t.Kind())
	}
	return nil
}
