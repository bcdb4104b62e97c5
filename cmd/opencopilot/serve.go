package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"opencopilot/internal/agent"
	"opencopilot/internal/audit"
	"opencopilot/internal/clock"
	"opencopilot/internal/config"
	"opencopilot/internal/db"
	"opencopilot/internal/docker"
	"opencopilot/internal/forge"
	"opencopilot/internal/jobs"
	"opencopilot/internal/metrics"
	"opencopilot/internal/notify"
	"opencopilot/internal/pipeline"
	"opencopilot/internal/runner"
	"opencopilot/internal/sandbox"
	"opencopilot/internal/task"
	"opencopilot/internal/telemetry"
	"opencopilot/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent server",
	Long:  "Starts the webhook intake, the job dispatcher and the metrics endpoint, and blocks until interrupted.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	telemetry.InitLogger(settings.Debug, settings.LogFile)
	logger := slog.Default()
	c := clock.System{}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.NewWith(reg)

	tasks, status, auditStore, closeStores, err := openStores(settings, c)
	if err != nil {
		return err
	}
	defer closeStores()
	auditStore = audit.NewCounted(auditStore, m.AuditEntries)

	ghc := forge.NewGitHubClient(settings.ForgeToken)
	var tokens forge.TokenProvider = forge.StaticTokenProvider(settings.ForgeToken)

	driver, err := selectDriver(ctx, settings)
	if err != nil {
		return err
	}
	manager := sandbox.NewManager(driver, logger, m)

	plannerClient, err := lmClient(settings.Planner)
	if err != nil {
		return err
	}
	executorClient, err := lmClient(settings.Executor)
	if err != nil {
		return err
	}

	dispatcher := jobs.NewDispatcher(jobs.Config{
		MaxConcurrency: settings.MaxConcurrency,
		MaxRetries:     settings.MaxRetries,
		JobTimeout:     settings.JobTimeout,
	}, status, jobs.NewDeduplicator(c), c, logger, m)

	analyzer := pipeline.NewRepoAnalyzer(ghc)
	reporter := pipeline.NewReporter(ghc, logger)
	instructions := pipeline.NewInstructionsLoader(ghc, logger)
	editor := pipeline.NewLMFileEditor(executorClient, agent.NewExecutor(executorClient), manager, logger)

	dispatcher.Register(jobs.TypePlan, pipeline.NewPlanHandler(
		tasks, ghc, agent.NewPlanner(plannerClient), analyzer, instructions,
		dispatcher, auditStore, c, logger,
	))
	dispatcher.Register(jobs.TypeExecute, pipeline.NewExecuteHandler(
		tasks, ghc, tokens, manager, editor, reporter, analyzer,
		auditStore, c, logger, m,
	))

	var notifier notify.Notifier = notify.Nop{}
	if settings.SlackEnabled {
		notifier = notify.NewSlackNotifier(settings.SlackToken, settings.SlackChannel, logger)
	}
	dispatcher.OnTerminal = taskFinalizer(tasks, notifier, reporter, ghc, c, logger)

	dispatcher.Start(ctx)
	defer dispatcher.Shutdown()

	janitor := audit.NewJanitor(auditStore, settings.AuditRetention, 0, logger)
	go janitor.Run(ctx)

	go serveMetrics(ctx, settings.MetricsPort, reg, logger)

	server := web.NewServer(tasks, status, dispatcher, auditStore, c, logger)
	return server.Start(ctx, fmt.Sprintf(":%d", settings.Port))
}

// openStores resolves the persistence backends from the connection string.
func openStores(settings *config.Settings, c clock.Clock) (db.TaskStore, jobs.StatusStore, audit.Store, func(), error) {
	if settings.DatabaseConnection == "" {
		return db.NewMemoryTaskStore(), jobs.NewMemoryStatusStore(), audit.NewMemoryStore(c), func() {}, nil
	}
	store, err := db.Open(settings.DatabaseConnection, c)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, db.NewJobStatusStore(store), store, func() { _ = store.Close() }, nil
}

func selectDriver(ctx context.Context, settings *config.Settings) (sandbox.Driver, error) {
	switch settings.SandboxDriver {
	case config.DriverDockerCLI:
		return sandbox.NewCLIDriver(runner.NewLocal()), nil
	default:
		d, err := docker.NewDriver()
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		if err := d.CheckDaemon(ctx); err != nil {
			return nil, fmt.Errorf("docker daemon is not reachable: %w", err)
		}
		return d, nil
	}
}

func lmClient(role config.LMRole) (agent.Client, error) {
	switch role.Provider {
	case config.ProviderOpenAI:
		return agent.NewOpenAIClient(role.APIKey, role.ModelID), nil
	case config.ProviderAzureOpenAI:
		return agent.NewAzureOpenAIClient(role.APIKey, role.AzureEndpoint, role.AzureDeployment), nil
	}
	return nil, fmt.Errorf("unsupported model provider %q", role.Provider)
}

// failureReporter posts the final failure comment on the task's PR.
// *pipeline.Reporter satisfies it.
type failureReporter interface {
	ReportFailure(ctx context.Context, t *task.Task, prNumber int, cause string) error
}

// pullRequestLocator resolves the PR opened for a working branch.
// forge.Client satisfies it.
type pullRequestLocator interface {
	GetPullRequestNumberForBranch(ctx context.Context, owner, repo, branch string) (int, error)
}

// taskFinalizer returns the dispatcher hook that settles the owning task
// record when a job ends, posts the failure comment on the PR when retries
// are exhausted and pushes a notification for terminal outcomes.
func taskFinalizer(tasks db.TaskStore, notifier notify.Notifier, reporter failureReporter, prs pullRequestLocator, c clock.Clock, logger *slog.Logger) func(*jobs.Job, jobs.Status, string) {
	return func(job *jobs.Job, status jobs.Status, lastError string) {
		taskID := job.Metadata[jobs.MetaTaskID]
		if taskID == "" {
			return
		}
		ctx := context.Background()
		t, err := tasks.Get(ctx, taskID)
		if err != nil {
			logger.Warn("terminal job references unknown task", "job_id", job.ID, "task_id", taskID, "error", err)
			return
		}

		switch status {
		case jobs.StatusFailed, jobs.StatusCancelled:
			next := task.StatusFailed
			if status == jobs.StatusCancelled {
				next = task.StatusCancelled
			}
			if !t.Status.IsTerminal() {
				if lastError != "" {
					t.LastError = lastError
				}
				if err := t.Transition(next, c.Now()); err != nil {
					logger.Warn("could not finalize task", "task_id", taskID, "error", err)
					return
				}
				if err := tasks.Update(ctx, t); err != nil {
					logger.Warn("could not persist task finalization", "task_id", taskID, "error", err)
					return
				}
			}
			if t.Status == task.StatusFailed {
				reportFailure(ctx, reporter, prs, t, logger)
			}
		case jobs.StatusCompleted:
			// Completed plan jobs are an intermediate stage; only the
			// execute job finishing means the task is done.
			if job.Type != jobs.TypeExecute {
				return
			}
		}

		if event := notify.EventFor(t.Status); event != "" {
			if err := notifier.Notify(ctx, notify.Event{Type: event, Task: t, Detail: t.LastError}); err != nil {
				logger.Warn("notification failed", "task_id", taskID, "error", err)
			}
		}
	}
}

// reportFailure leaves the failure comment on the task's PR, best-effort.
// A task that failed before its PR was opened has nowhere to comment.
func reportFailure(ctx context.Context, reporter failureReporter, prs pullRequestLocator, t *task.Task, logger *slog.Logger) {
	prNumber, err := prs.GetPullRequestNumberForBranch(ctx, t.Owner, t.Repo, forge.BranchName(t.IssueNumber))
	if err != nil {
		if errors.Is(err, forge.ErrNotFound) {
			logger.Debug("no pull request to report failure on", "task_id", t.ID)
		} else {
			logger.Warn("could not resolve pull request for failure comment", "task_id", t.ID, "error", err)
		}
		return
	}
	cause := t.LastError
	if cause == "" {
		cause = "unknown error"
	}
	if err := reporter.ReportFailure(ctx, t, prNumber, cause); err != nil {
		logger.Warn("could not post failure comment", "task_id", t.ID, "pull_request", prNumber, "error", err)
	}
}

func serveMetrics(ctx context.Context, port int, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	logger.Info("metrics server listening", "port", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics server stopped", "error", err)
	}
}
