// Command routeagent runs the file routing agent: it watches the
// configured roots, routes stable engineering documents to their
// official project destinations, and serves a local diagnostics API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kappa9999/routeagent/internal/audit"
	"github.com/kappa9999/routeagent/internal/httpapi"
	"github.com/kappa9999/routeagent/internal/pathutil"
	"github.com/kappa9999/routeagent/internal/pipeline"
	"github.com/kappa9999/routeagent/internal/policy"
	"github.com/kappa9999/routeagent/internal/watch"
)

func main() {
	root := &cobra.Command{
		Use:           "routeagent",
		Short:         "policy-driven routing of engineering documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand(), newValidateCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRunCommand() *cobra.Command {
	var policyPath string
	var storeDSN string
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the routing agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if policyPath == "" {
				policyPath = strEnv("ROUTEAGENT_POLICY", "firm_policy.json")
			}
			if storeDSN == "" {
				storeDSN = strEnv("ROUTEAGENT_STORE_DSN", "sqlite://routeagent.db")
			}
			if listenAddr == "" {
				listenAddr = strEnv("ROUTEAGENT_LISTEN", "127.0.0.1:7487")
			}
			return runAgent(policyPath, storeDSN, listenAddr)
		},
	}
	cmd.Flags().StringVar(&policyPath, "policy", "", "path to the firm policy JSON document")
	cmd.Flags().StringVar(&storeDSN, "store", "", "audit store DSN (sqlite://path, postgres://..., memory://)")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "diagnostics listen address")
	return cmd
}

func runAgent(policyPath, storeDSN, listenAddr string) error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	manager, err := policy.NewManager(policy.ManagerOptions{
		PolicyPath: policyPath,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	snap := manager.Load()

	store, err := audit.BuildStoreFromDSN(storeDSN)
	if err != nil {
		return fmt.Errorf("audit store: %w", err)
	}
	defer store.Close()

	var aliases map[string]string
	if snap.Policy != nil {
		aliases = snap.Policy.Monitoring.PathAliases
	}
	canon := pathutil.NewCanonicalizer(aliases)
	roots := pipeline.NewRootTracker()
	scheduler := pipeline.NewScanScheduler()
	connectors := pipeline.NewConnectorHost(logger,
		pipeline.NewCommandProcessConnector(logger),
		pipeline.ProjectWiseStubConnector{},
	)

	var server *httpapi.Server
	pipe, err := pipeline.New(pipeline.Options{
		Store:         store,
		Snapshots:     manager.Accessor(),
		Prompts:       pipeline.AutoPromptService{},
		Connectors:    connectors,
		Canonicalizer: canon,
		Roots:         roots,
		Scheduler:     scheduler,
		Preferences:   manager,
		Logger:        logger,
		EventSink: func(ev audit.Event) {
			if server != nil {
				server.PublishEvent(ev)
			}
		},
		DetectionCapacity: intEnv("ROUTEAGENT_DETECTION_CAPACITY", pipeline.DefaultDetectionCapacity),
		StabilityCapacity: intEnv("ROUTEAGENT_STABILITY_CAPACITY", pipeline.DefaultStabilityCapacity),
		PromptCapacity:    intEnv("ROUTEAGENT_PROMPT_CAPACITY", pipeline.DefaultPromptCapacity),
		TransferCapacity:  intEnv("ROUTEAGENT_TRANSFER_CAPACITY", pipeline.DefaultTransferCapacity),
	})
	if err != nil {
		return err
	}
	server = httpapi.NewServer(httpapi.ServerOptions{
		Store:     store,
		Pipeline:  pipe,
		Snapshots: manager.Accessor(),
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pipe.Start(ctx); err != nil {
		return err
	}
	defer pipe.Close()

	stopWatch, err := manager.Watch(func(next *policy.Snapshot) {
		pipe.NotifyPolicyReloaded(ctx, next)
	})
	if err != nil {
		logger.Warn("policy hot reload unavailable", zap.Error(err))
	} else {
		defer stopWatch()
	}

	watcher, err := watch.NewSourceWatcher(watch.SourceWatcherOptions{
		Snapshots:     manager.Accessor(),
		Pipeline:      pipe,
		Canonicalizer: canon,
		Roots:         roots,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Start(ctx); err != nil {
		return err
	}

	scanner, err := watch.NewReconciliationScanner(watch.ScannerOptions{
		Store:         store,
		Snapshots:     manager.Accessor(),
		Pipeline:      pipe,
		Canonicalizer: canon,
		Roots:         roots,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	go scanner.Run(ctx)

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("diagnostics listening", zap.String("addr", listenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("diagnostics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	return nil
}

func newValidateCommand() *cobra.Command {
	var policyPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "validate a firm policy document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if policyPath == "" {
				policyPath = strEnv("ROUTEAGENT_POLICY", "firm_policy.json")
			}
			manager, err := policy.NewManager(policy.ManagerOptions{PolicyPath: policyPath})
			if err != nil {
				return err
			}
			snap := manager.Load()
			if snap.SafeMode {
				return fmt.Errorf("policy rejected: %s", snap.SafeModeReason)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "policy ok: %d project(s)\n", len(snap.Policy.Projects))
			return nil
		},
	}
	cmd.Flags().StringVar(&policyPath, "policy", "", "path to the firm policy JSON document")
	return cmd
}

func buildLogger() (*zap.Logger, error) {
	if strEnv("ROUTEAGENT_LOG", "") == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func strEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
