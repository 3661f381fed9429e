// ============================================================================
// taskgate CLI - command line interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands that load the configuration and drive a Controller.
//
// Command Structure:
//   taskgate                       # Root command
//   ├── serve                      # HTTP API + reconciler (+ in-process workers)
//   ├── worker                     # Lane consumers only
//   ├── reconcile                  # One re-publish sweep, then exit
//   ├── migrate                    # Apply Postgres migrations
//   ├── enqueue -f jobs.json       # Submit jobs locally or to --server
//   ├── status                     # Store/lane summary, or --server health
//   └── --config, -c               # Config file (default: configs/default.yaml)
//
// Signal Handling:
//   serve and worker stop on SIGINT/SIGTERM:
//   1. Stop accepting HTTP requests (serve)
//   2. Stop fetching, let in-flight jobs finish
//   3. Final compaction, close broker and store
//
// ============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/taskgate/internal/config"
	"github.com/ChuLiYu/taskgate/internal/controller"
	"github.com/ChuLiYu/taskgate/internal/logging"
	"github.com/ChuLiYu/taskgate/internal/queue"
	"github.com/ChuLiYu/taskgate/internal/store/pgstore"
	"github.com/ChuLiYu/taskgate/pkg/types"
)

// Version is set at build time.
var Version = "dev"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "taskgate",
		Short: "taskgate: an async job queue with a synchronous fast path",
		Long: `taskgate accepts jobs over HTTP and runs them on priority lanes:
- idempotent submission keyed by (type, Idempotency-Key, payloadRef)
- interactive jobs answered inline when they finish within the wait budget
- Redis Streams, AMQP or in-memory lanes
- memory, Postgres or MongoDB job store`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildReconcileCommand())
	rootCmd.AddCommand(buildMigrateCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// setup loads the configuration and builds the logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func buildServeCommand() *cobra.Command {
	var inProcess bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cmd.Flags().Changed("workers") {
				cfg.Worker.InProcess = inProcess
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runServe(ctx, cfg, logger)
		},
	}
	cmd.Flags().BoolVar(&inProcess, "workers", false, "run a worker pool inside the API process")
	return cmd
}

// runServe serves HTTP until ctx is canceled or the listener fails.
func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctrl, err := controller.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer ctrl.Stop()

	if err := ctrl.Start(ctx, controller.RoleServe); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	handler, err := ctrl.Handler()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func buildWorkerCommand() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the lanes and execute jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if count > 0 {
				cfg.Worker.Count = count
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runWorker(ctx, cfg, logger)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "worker goroutines (overrides worker.count)")
	return cmd
}

func runWorker(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctrl, err := controller.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer ctrl.Stop()

	if err := ctrl.Start(ctx, controller.RoleWorker); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	logger.Info("worker started", zap.Int("workers", cfg.Worker.Count))
	<-ctx.Done()
	logger.Info("received shutdown signal, stopping gracefully")
	return nil
}

func buildReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Re-publish jobs stuck in queued once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctrl, err := controller.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create controller: %w", err)
			}
			defer ctrl.Stop()

			n, err := ctrl.Reconciler.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "republished %d job(s)\n", n)
			return err
		},
	}
}

func buildMigrateCommand() *cobra.Command {
	var dsn, dir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if dsn == "" {
				dsn = cfg.Store.Postgres.DSN
			}
			if dir == "" {
				dir = cfg.Store.Postgres.MigrationsDir
			}
			if dsn == "" {
				return errors.New("postgres DSN is required (store.postgres.dsn or --dsn)")
			}
			if err := pgstore.Migrate(cmd.Context(), dsn, dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations in %s applied\n", dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN (overrides store.postgres.dsn)")
	cmd.Flags().StringVar(&dir, "dir", "", "migrations directory (overrides store.postgres.migrations_dir)")
	return cmd
}

// jobInput is one entry of an enqueue file.
type jobInput struct {
	Type             string         `json:"type"`
	TaskClass        string         `json:"taskClass"`
	Priority         string         `json:"priority"`
	IdempotencyKey   string         `json:"idempotencyKey"`
	PayloadRef       string         `json:"payloadRef"`
	Params           map[string]any `json:"params"`
	BatchID          string         `json:"batchId"`
	BatchMaxParallel int            `json:"batchMaxParallel"`
	CallbackURL      string         `json:"callbackUrl"`
}

func (j jobInput) request() queue.SubmitRequest {
	return queue.SubmitRequest{
		Type:             j.Type,
		TaskClass:        types.TaskClass(j.TaskClass),
		Priority:         types.Priority(j.Priority),
		IdempotencyKey:   j.IdempotencyKey,
		PayloadRef:       j.PayloadRef,
		Params:           j.Params,
		BatchID:          j.BatchID,
		BatchMaxParallel: j.BatchMaxParallel,
		CallbackURL:      j.CallbackURL,
	}
}

func buildEnqueueCommand() *cobra.Command {
	var jobFile, server string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue jobs from a JSON file",
		Long:  "Read job definitions from a JSON array and submit them. Use --server to go through a running API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := readJobFile(jobFile)
			if err != nil {
				return err
			}
			if server != "" {
				return enqueueRemote(cmd.Context(), cmd.OutOrStdout(), http.DefaultClient, server, jobs)
			}
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctrl, err := controller.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create controller: %w", err)
			}
			defer ctrl.Stop()
			return enqueueLocal(cmd.Context(), cmd.OutOrStdout(), ctrl.Submitter, jobs)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.Flags().StringVar(&server, "server", "", "API base URL, e.g. http://localhost:8080/api/v1")
	cmd.MarkFlagRequired("file")
	return cmd
}

func readJobFile(path string) ([]jobInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var jobs []jobInput
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	return jobs, nil
}

type submitter interface {
	Submit(ctx context.Context, req queue.SubmitRequest) (queue.SubmitResult, error)
}

// enqueueLocal submits through the queue service. Failures are reported per
// job and do not stop the run.
func enqueueLocal(ctx context.Context, out io.Writer, sub submitter, jobs []jobInput) error {
	ok := 0
	for i, j := range jobs {
		res, err := sub.Submit(ctx, j.request())
		if err != nil {
			fmt.Fprintf(out, "job %d (%s): %v\n", i, j.Type, err)
			continue
		}
		dedup := ""
		if res.Deduplicated {
			dedup = " (deduplicated)"
		}
		fmt.Fprintf(out, "job %d (%s): %s %s lane=%s%s\n", i, j.Type, res.ID, res.Status, res.Lane, dedup)
		ok++
	}
	fmt.Fprintf(out, "submitted %d/%d job(s)\n", ok, len(jobs))
	if ok == 0 && len(jobs) > 0 {
		return errors.New("no job was accepted")
	}
	return nil
}

// enqueueRemote posts each job to POST {server}/tasks/{type}.
func enqueueRemote(ctx context.Context, out io.Writer, client *http.Client, server string, jobs []jobInput) error {
	server = strings.TrimRight(server, "/")
	ok := 0
	for i, j := range jobs {
		body, err := json.Marshal(map[string]any{
			"payloadRef":       j.PayloadRef,
			"params":           j.Params,
			"batchId":          nilIfEmpty(j.BatchID),
			"batchMaxParallel": nilIfZero(j.BatchMaxParallel),
			"callbackUrl":      nilIfEmpty(j.CallbackURL),
			"syncTimeoutMs":    0,
		})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/tasks/"+j.Type, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if j.TaskClass != "" {
			req.Header.Set("X-Task-Class", j.TaskClass)
		}
		if j.Priority != "" {
			req.Header.Set("X-Priority", j.Priority)
		}
		if j.IdempotencyKey != "" {
			req.Header.Set("Idempotency-Key", j.IdempotencyKey)
		}

		resp, err := client.Do(req)
		if err != nil {
			fmt.Fprintf(out, "job %d (%s): %v\n", i, j.Type, err)
			continue
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		resp.Body.Close()
		fmt.Fprintf(out, "job %d (%s): HTTP %d %s\n", i, j.Type, resp.StatusCode, strings.TrimSpace(string(raw)))
		if resp.StatusCode < 300 {
			ok++
		}
	}
	fmt.Fprintf(out, "submitted %d/%d job(s) to %s\n", ok, len(jobs), server)
	if ok == 0 && len(jobs) > 0 {
		return errors.New("no job was accepted")
	}
	return nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nilIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func buildStatusCommand() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Print store and lane statistics, or the health report of a running API with --server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if server != "" {
				return remoteStatus(cmd.Context(), cmd.OutOrStdout(), http.DefaultClient, server)
			}
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctrl, err := controller.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create controller: %w", err)
			}
			defer ctrl.Stop()
			return printYAML(cmd.OutOrStdout(), map[string]any{
				"config": configFile,
				"status": ctrl.Status(cmd.Context()),
			})
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "API base URL, e.g. http://localhost:8080/api/v1")
	return cmd
}

// remoteStatus fetches {server}/health and prints its data as YAML.
func remoteStatus(ctx context.Context, out io.Writer, client *http.Client, server string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(server, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", server, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned HTTP %d", resp.StatusCode)
	}

	var env struct {
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}
	return printYAML(out, env.Data)
}

func printYAML(out io.Writer, v any) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
