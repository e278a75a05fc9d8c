package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/srirohitha/jobqueue/internal/broker"
	"github.com/srirohitha/jobqueue/internal/clock"
	"github.com/srirohitha/jobqueue/internal/config"
	"github.com/srirohitha/jobqueue/internal/dispatcher"
	"github.com/srirohitha/jobqueue/internal/jobqueueerr"
	"github.com/srirohitha/jobqueue/internal/metrics"
	"github.com/srirohitha/jobqueue/internal/migrate"
	"github.com/srirohitha/jobqueue/internal/pipeline"
	"github.com/srirohitha/jobqueue/internal/reconciler"
	"github.com/srirohitha/jobqueue/internal/runner"
	"github.com/srirohitha/jobqueue/internal/statemachine"
	"github.com/srirohitha/jobqueue/internal/store"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "jobqueue",
		Short: "jobqueue - multi-tenant job lifecycle engine",
		Long: `jobqueue is a multi-tenant, persistent job queue service.

OPERATIONS (operator commands, JSON over stdout, no HTTP layer required):
  jobqueue migrate                    Apply the jobs/job_triggers schema
  jobqueue serve                      Run Runner+Reconciler
  jobqueue submit                     Submit a new job
  jobqueue retry / replay             Retry a FAILED/DONE or replay a DLQ job
  jobqueue lease                      Lease the next eligible job for a tenant
  jobqueue progress / complete / fail Worker-facing lease lifecycle calls
  jobqueue stats / list / get         Inspect tenant state
  jobqueue delete                     Remove a job

Run 'jobqueue <command> --help' for command details.`,
	}

	var dbPath string
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the sqlite database (default: config db_path)")

	loadConfig := func() config.Config {
		cfg := config.Load()
		if dbPath != "" {
			cfg.DBPath = dbPath
		}
		return cfg
	}

	rootCmd.AddCommand(
		versionCmd(),
		migrateCmd(loadConfig),
		serveCmd(loadConfig),
		submitCmd(loadConfig),
		retryCmd(loadConfig),
		replayCmd(loadConfig),
		leaseCmd(loadConfig),
		progressCmd(loadConfig),
		completeCmd(loadConfig),
		failCmd(loadConfig),
		statsCmd(loadConfig),
		listCmd(loadConfig),
		getCmd(loadConfig),
		deleteCmd(loadConfig),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(map[string]any{"version": version, "go": "1.23"})
		},
	}
}

func migrateCmd(loadConfig func() config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the jobs/job_triggers schema to the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if err := migrate.MigrateCore(cfg.DBPath); err != nil {
				return printErrorJSON(fmt.Errorf("migration failed: %w", err))
			}
			return printJSON(map[string]any{"ok": true, "db_path": cfg.DBPath})
		},
	}
}

// openStore opens and migrates the database, returning a ready Store.
func openStore(cfg config.Config) (*store.Store, func() error, error) {
	if err := migrate.MigrateCore(cfg.DBPath); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := migrate.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return store.New(db), db.Close, nil
}

func serveCmd(loadConfig func() config.Config) *cobra.Command {
	var workerCount int
	var workerID string
	var timeoutSeconds int
	var brokerKind string
	var redisAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Runner and Reconciler until signaled to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if workerCount > 0 {
				cfg.WorkerCount = workerCount
			}
			if workerID == "" {
				workerID = fmt.Sprintf("worker-%d", os.Getpid())
			}

			st, closeDB, err := openStore(cfg)
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()

			// notifier feeds the Reconciler's re-enqueue calls (serve has no
			// Dispatcher of its own; submissions arrive via the one-shot
			// operator commands, which build their own short-lived
			// Dispatcher+notifier pair). sub is only non-nil for the
			// in-process channel broker, whose Subscriber side feeds
			// Runner's own worker pool; the asynq path instead drives jobs
			// by calling run.HandleJob from its own task handler below.
			var notifier broker.Notifier
			var sub broker.Subscriber
			switch brokerKind {
			case "", "channel":
				cn := broker.NewChannelNotifier(1024)
				notifier, sub = cn, cn
			case "asynq":
				an := broker.NewAsynqNotifier(redisAddr)
				defer an.Close()
				notifier = an
			default:
				return printErrorJSON(fmt.Errorf("unknown --broker %q (want channel or asynq)", brokerKind))
			}

			clk := clock.Real{}
			reg := prometheus.NewRegistry()
			m := metrics.New(reg)

			rp, err := pipeline.NewConfiguredPipeline()
			if err != nil {
				return printErrorJSON(fmt.Errorf("load row pipeline: %w", err))
			}

			run := runner.New(runner.Config{
				Store: st, Sub: sub, Pipeline: rp, Clock: clk, Cfg: cfg, Metrics: m, WorkerID: workerID,
			})
			rec := reconciler.New(reconciler.Config{
				Store: st, Notifier: notifier, Clock: clk, Cfg: cfg, Metrics: m,
			})

			var ctx context.Context
			var cancel context.CancelFunc
			if timeoutSeconds > 0 {
				ctx, cancel = context.WithTimeout(context.Background(), time.Duration(timeoutSeconds)*time.Second)
			} else {
				ctx, cancel = context.WithCancel(context.Background())
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
				go func() {
					<-sigCh
					cancel()
				}()
			}
			defer cancel()

			var consumer *broker.AsynqConsumer
			if brokerKind == "asynq" {
				consumer = broker.NewAsynqConsumer(redisAddr, cfg.WorkerCount, run.HandleJob)
				go func() {
					if err := consumer.Run(); err != nil {
						log.Printf("asynq consumer stopped: %v", err)
					}
				}()
			} else {
				run.Run(ctx, cfg.WorkerCount)
			}
			go rec.Run(ctx)

			<-ctx.Done()
			if consumer != nil {
				consumer.Shutdown()
			} else {
				run.Wait()
			}

			return printJSON(map[string]any{"ok": true, "stopped": true})
		},
	}
	cmd.Flags().IntVar(&workerCount, "workers", 0, "number of concurrent Runner goroutines (default: config WorkerCount)")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "identity this process leases jobs under (default: worker-<pid>)")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "stop after N seconds instead of waiting for a signal (0 = run until signaled)")
	cmd.Flags().StringVar(&brokerKind, "broker", "channel", "background dispatch broker: channel (in-process, default) or asynq (redis-backed)")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "redis address used when --broker=asynq")
	return cmd
}

// dispatcherFor wires a one-shot Dispatcher against cfg's database for a
// single operator command invocation.
func dispatcherFor(cfg config.Config) (*dispatcher.Dispatcher, func() error, error) {
	st, closeDB, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	rp, err := pipeline.NewConfiguredPipeline()
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("load row pipeline: %w", err)
	}
	notifier := broker.NewChannelNotifier(16)
	disp := dispatcher.New(st, notifier, clock.Real{}, cfg, metrics.Noop(), rp)
	return disp, closeDB, nil
}

func submitCmd(loadConfig func() config.Config) *cobra.Command {
	var tenant, label, payload, idempotencyKey string
	var maxAttempts int

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new job for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			disp, closeDB, err := dispatcherFor(loadConfig())
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()

			job, err := disp.Submit(cmd.Context(), tenant, label, payload, maxAttempts, idempotencyKey)
			if err != nil {
				return printErrorJSON(err)
			}
			return printJSON(jobOutput(job))
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&label, "label", "", "short human label for the job")
	cmd.Flags().StringVar(&payload, "payload", "{}", `input payload JSON, e.g. {"rows":[...],"config":{...}}`)
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt budget, 1..10 (0 = config default)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "optional per-tenant dedup key")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

func retryCmd(loadConfig func() config.Config) *cobra.Command {
	var tenant, id string
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Retry a FAILED or DONE job",
		RunE: func(cmd *cobra.Command, args []string) error {
			disp, closeDB, err := dispatcherFor(loadConfig())
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()
			job, err := disp.Retry(cmd.Context(), tenant, id)
			if err != nil {
				return printErrorJSON(err)
			}
			return printJSON(jobOutput(job))
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&id, "id", "", "job id (required)")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("id")
	return cmd
}

func replayCmd(loadConfig func() config.Config) *cobra.Command {
	var tenant, id string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a DLQ job",
		RunE: func(cmd *cobra.Command, args []string) error {
			disp, closeDB, err := dispatcherFor(loadConfig())
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()
			job, err := disp.Replay(cmd.Context(), tenant, id)
			if err != nil {
				return printErrorJSON(err)
			}
			return printJSON(jobOutput(job))
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&id, "id", "", "job id (required)")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("id")
	return cmd
}

func leaseCmd(loadConfig func() config.Config) *cobra.Command {
	var tenant, workerID string
	var leaseSeconds int
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Lease the next eligible job for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			disp, closeDB, err := dispatcherFor(loadConfig())
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()
			job, ok, err := disp.Lease(cmd.Context(), tenant, workerID, leaseSeconds)
			if err != nil {
				return printErrorJSON(err)
			}
			if !ok {
				return printJSON(map[string]any{"ok": true, "leased": false})
			}
			out := jobOutput(job)
			out["leased"] = true
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "worker identity (required)")
	cmd.Flags().IntVar(&leaseSeconds, "lease-seconds", 0, "visibility lease duration, 30..900 (0 = config default)")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("worker-id")
	return cmd
}

func progressCmd(loadConfig func() config.Config) *cobra.Command {
	var tenant, id, stage string
	var progress, processedRows int
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Report progress on a RUNNING job",
		RunE: func(cmd *cobra.Command, args []string) error {
			disp, closeDB, err := dispatcherFor(loadConfig())
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()
			job, err := disp.Progress(cmd.Context(), tenant, id, progress, processedRows, stage)
			if err != nil {
				return printErrorJSON(err)
			}
			return printJSON(jobOutput(job))
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&id, "id", "", "job id (required)")
	cmd.Flags().IntVar(&progress, "progress", 0, "progress 0..100")
	cmd.Flags().IntVar(&processedRows, "processed-rows", 0, "rows processed so far")
	cmd.Flags().StringVar(&stage, "stage", "", "optional stage override")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("id")
	return cmd
}

func completeCmd(loadConfig func() config.Config) *cobra.Command {
	var tenant, id, output string
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Complete a RUNNING job",
		RunE: func(cmd *cobra.Command, args []string) error {
			disp, closeDB, err := dispatcherFor(loadConfig())
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()
			job, err := disp.Complete(cmd.Context(), tenant, id, output)
			if err != nil {
				return printErrorJSON(err)
			}
			return printJSON(jobOutput(job))
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&id, "id", "", "job id (required)")
	cmd.Flags().StringVar(&output, "output", "", "output_result JSON (omit to run the row pipeline synchronously)")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("id")
	return cmd
}

func failCmd(loadConfig func() config.Config) *cobra.Command {
	var tenant, id, reason string
	var retryInSeconds int
	cmd := &cobra.Command{
		Use:   "fail",
		Short: "Fail a RUNNING job",
		RunE: func(cmd *cobra.Command, args []string) error {
			disp, closeDB, err := dispatcherFor(loadConfig())
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()
			job, err := disp.Fail(cmd.Context(), tenant, id, reason, retryInSeconds)
			if err != nil {
				return printErrorJSON(err)
			}
			return printJSON(jobOutput(job))
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&id, "id", "", "job id (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "failure_reason text (required)")
	cmd.Flags().IntVar(&retryInSeconds, "retry-in", 0, "retry_in_seconds, 30..86400 (0 = config default)")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("reason")
	return cmd
}

func statsCmd(loadConfig func() config.Config) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print status counts, rate-limit, and concurrency stats for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			disp, closeDB, err := dispatcherFor(loadConfig())
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()
			stats, err := disp.Stats(cmd.Context(), tenant)
			if err != nil {
				return printErrorJSON(err)
			}
			return printJSON(map[string]any{
				"ok":                    true,
				"counts_by_status":      stats.CountsByStatus,
				"triggers_last_minute":  stats.TriggersLastMinute,
				"concurrent_running":    stats.ConcurrentRunning,
				"jobs_per_min_limit":    stats.JobsPerMinLimit,
				"concurrent_jobs_limit": stats.ConcurrentJobsLimit,
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (required)")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

func listCmd(loadConfig func() config.Config) *cobra.Command {
	var tenant, status string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			st, closeDB, err := openStore(cfg)
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()
			if limit <= 0 {
				limit = 50
			}
			jobs, err := st.ListByTenant(cmd.Context(), tenant, status, limit, offset)
			if err != nil {
				return printErrorJSON(err)
			}
			out := make([]map[string]any, 0, len(jobs))
			for _, j := range jobs {
				out = append(out, jobOutput(j))
			}
			return printJSON(map[string]any{"ok": true, "jobs": out})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&status, "status", "", "optional status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

func getCmd(loadConfig func() config.Config) *cobra.Command {
	var tenant, id string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Retrieve a single job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			st, closeDB, err := openStore(cfg)
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()
			job, err := st.Get(cmd.Context(), tenant, id)
			if err != nil {
				return printErrorJSON(err)
			}
			return printJSON(jobOutput(job))
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&id, "id", "", "job id (required)")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("id")
	return cmd
}

func deleteCmd(loadConfig func() config.Config) *cobra.Command {
	var tenant, id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a job (cascades to its triggers)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			st, closeDB, err := openStore(cfg)
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()
			if err := st.Delete(cmd.Context(), tenant, id); err != nil {
				return printErrorJSON(err)
			}
			return printJSON(map[string]any{"ok": true, "deleted": id})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&id, "id", "", "job id (required)")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("id")
	return cmd
}

// jobOutput flattens a statemachine.Job into the envelope shape every
// command prints, mapping jobqueueerr.Error kinds to spec §6's error
// codes wherever a command surfaces one via printErrorJSON instead.
func jobOutput(j statemachine.Job) map[string]any {
	out := map[string]any{
		"ok":              true,
		"id":              j.ID,
		"tenant_id":       j.TenantID,
		"label":           j.Label,
		"status":          string(j.Status),
		"stage":           string(j.Stage),
		"progress":        j.Progress,
		"processed_rows":  j.ProcessedRows,
		"total_rows":      j.TotalRows,
		"attempts":        j.Attempts,
		"max_attempts":    j.MaxAttempts,
		"throttle_count":  j.ThrottleCount,
		"failure_reason":  j.FailureReason,
		"idempotency_key": j.IdempotencyKey,
		"events":          j.Events,
		"created_at":      j.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":      j.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if j.LockedBy != "" {
		out["locked_by"] = j.LockedBy
	}
	if j.LeaseUntil != nil {
		out["lease_until"] = j.LeaseUntil.UTC().Format(time.RFC3339)
	}
	if j.NextRetryAt != nil {
		out["next_retry_at"] = j.NextRetryAt.UTC().Format(time.RFC3339)
	}
	if j.NextRunAt != nil {
		out["next_run_at"] = j.NextRunAt.UTC().Format(time.RFC3339)
	}
	if j.OutputResult != "" {
		out["output_result"] = json.RawMessage(j.OutputResult)
	}
	return out
}

func printJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// printErrorJSON renders err as the §6 error envelope, mapping
// jobqueueerr.Kind to the spec's error `code` where available.
func printErrorJSON(err error) error {
	code := "server_error"
	details := map[string]any{}
	if e, ok := jobqueueerr.As(err); ok {
		code = string(e.Kind)
		if e.Kind == jobqueueerr.KindRateLimit {
			details["retry_after"] = e.RetryAfterSeconds
		}
	}
	if _, ok := err.(*store.NotFoundError); ok {
		code = "not_found"
	}

	output := map[string]any{
		"ok":   false,
		"data": nil,
		"error": map[string]any{
			"code":    code,
			"message": err.Error(),
			"details": details,
		},
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if encErr := encoder.Encode(output); encErr != nil {
		return fmt.Errorf("failed to encode error JSON: %w", encErr)
	}
	return err
}
