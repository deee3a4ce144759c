package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/hexaflow/internal/governance"
	"github.com/polisai/hexaflow/internal/trigger"
	"github.com/polisai/hexaflow/pkg/config"
	"github.com/polisai/hexaflow/pkg/domain"
	"github.com/polisai/hexaflow/pkg/engine"
	"github.com/polisai/hexaflow/pkg/events"
	"github.com/polisai/hexaflow/pkg/policy"
	"github.com/polisai/hexaflow/pkg/stage"
	"github.com/polisai/hexaflow/pkg/storage"
	"github.com/polisai/hexaflow/pkg/telemetry"
)

// errBatchFailed is returned when at least one pipeline did not complete.
var errBatchFailed = errors.New("batch did not complete")

// runOptions holds the parsed flags of the run command.
type runOptions struct {
	File        string
	DB          string
	MetricsAddr string
	Actor       string
	Policy      string
	Input       string
	Events      bool
	Watch       bool
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every declared pipeline in dependency order",
		Args:  cobra.NoArgs,
		RunE:  runPipelines,
	}
	cmd.Flags().StringP("file", "f", "", "Path to the pipelines file (YAML or JSON)")
	cmd.Flags().String("db", "", "SQLite database for definitions, audit entries and rollback points (default in-memory)")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	cmd.Flags().String("actor", "", "Actor name passed to the authorization policy")
	cmd.Flags().String("policy", "", "Rego policy file authorizing runs")
	cmd.Flags().String("input", "", "JSON document used as the initial payload of every pipeline")
	cmd.Flags().Bool("events", false, "Print execution events as JSON lines")
	cmd.Flags().Bool("watch", false, "Re-run the batch whenever the pipelines file changes")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func parseRunOptions(cmd *cobra.Command) (*runOptions, error) {
	flags := cmd.Flags()
	opts := &runOptions{}
	var err error
	if opts.File, err = flags.GetString("file"); err != nil {
		return nil, fmt.Errorf("failed to get file flag: %w", err)
	}
	if opts.DB, err = flags.GetString("db"); err != nil {
		return nil, fmt.Errorf("failed to get db flag: %w", err)
	}
	if opts.MetricsAddr, err = flags.GetString("metrics-addr"); err != nil {
		return nil, fmt.Errorf("failed to get metrics-addr flag: %w", err)
	}
	if opts.Actor, err = flags.GetString("actor"); err != nil {
		return nil, fmt.Errorf("failed to get actor flag: %w", err)
	}
	if opts.Policy, err = flags.GetString("policy"); err != nil {
		return nil, fmt.Errorf("failed to get policy flag: %w", err)
	}
	if opts.Input, err = flags.GetString("input"); err != nil {
		return nil, fmt.Errorf("failed to get input flag: %w", err)
	}
	if opts.Events, err = flags.GetBool("events"); err != nil {
		return nil, fmt.Errorf("failed to get events flag: %w", err)
	}
	if opts.Watch, err = flags.GetBool("watch"); err != nil {
		return nil, fmt.Errorf("failed to get watch flag: %w", err)
	}
	return opts, nil
}

// applyFlags lets explicit flags win over the file and the environment.
func (o *runOptions) applyFlags(cfg *config.Config) {
	if o.DB != "" {
		cfg.Engine.SQLitePath = o.DB
	}
	if o.MetricsAddr != "" {
		cfg.Telemetry.MetricsAddress = o.MetricsAddr
	}
	if o.Actor != "" {
		cfg.Engine.Actor = o.Actor
	}
	if o.Policy != "" {
		cfg.Engine.PolicyFile = o.Policy
	}
}

func runPipelines(cmd *cobra.Command, _ []string) error {
	opts, err := parseRunOptions(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, opts.File)
	if err != nil {
		return err
	}
	opts.applyFlags(cfg)

	var input any
	if opts.Input != "" {
		if err := json.Unmarshal([]byte(opts.Input), &input); err != nil {
			return fmt.Errorf("invalid --input: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cmd, cfg.Logging)

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to initialise telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	out := &syncWriter{w: cmd.OutOrStdout()}
	a, err := newApp(ctx, cfg, logger, out, opts.Events)
	if err != nil {
		return err
	}
	defer a.Close()

	if addr := cfg.Telemetry.MetricsAddress; addr != "" {
		stopMetrics, err := a.serveMetrics(addr)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	runOpts := []engine.RunOption{engine.WithActor(cfg.Engine.Actor)}
	if input != nil {
		runOpts = append(runOpts, engine.WithInput(input))
	}

	if !opts.Watch {
		return a.runBatch(ctx, cfg, runOpts...)
	}
	return a.watch(ctx, opts, runOpts...)
}

// app wires the executor, scheduler and their collaborators for one command.
type app struct {
	logger    *slog.Logger
	out       io.Writer
	store     storage.Store
	guarded   *storage.Guarded
	authz     *policy.Reloadable
	metrics   *telemetry.Prometheus
	bus       *events.Bus
	busDone   chan struct{}
	pending   atomic.Int64
	registry   *stage.Registry
	triggers   *trigger.Manager
	predicates *policy.Predicates
	scheduler  *engine.Scheduler
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer, printEvents bool) (*app, error) {
	var (
		store storage.Store
		err   error
	)
	if cfg.Engine.SQLitePath != "" {
		store, err = storage.OpenSQLite(cfg.Engine.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
	} else {
		store = storage.NewMemoryStore()
	}

	a := &app{
		logger:  logger,
		out:     out,
		store:   store,
		guarded: storage.NewGuarded(store, governance.BreakerConfig{}),
		metrics: telemetry.NewPrometheus(),
		triggers: trigger.NewManager(trigger.Config{
			MaxFailures: uint64(cfg.Engine.MaxFailures),
		}),
		predicates: policy.NewPredicates(),
	}

	publishers := events.Multi{events.NewLogPublisher(logger)}
	if printEvents {
		a.bus = events.NewBus(events.DefaultBuffer)
		_, ch := a.bus.Subscribe()
		a.busDone = make(chan struct{})
		go a.printEvents(ch)
		publishers = append(publishers, domain.PublisherFunc(a.publishToBus))
	}

	var authorizer domain.Authorizer
	if cfg.Engine.PolicyFile != "" {
		pol, err := policy.LoadAuthorizer(ctx, cfg.Engine.PolicyFile, logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.authz = policy.NewReloadable(pol)
		authorizer = a.authz
	}

	a.registry = builtinRegistry(a.guarded, logger)
	exec := engine.NewExecutor(engine.Config{
		Persistence: a.guarded,
		Publisher:   publishers,
		Authorizer:  authorizer,
		Registry:    a.registry,
		Metrics:     a.metrics,
		Triggers:    a.triggers,
		Logger:      logger,
		LockTTL:     cfg.Engine.LockTTL,
		LockWait:    cfg.Engine.LockWait,
	})
	a.scheduler = engine.NewScheduler(engine.SchedulerConfig{
		Executor:    exec,
		MaxParallel: cfg.Engine.MaxParallel,
		Logger:      logger,
	})
	return a, nil
}

// runBatch stores the declared definitions, runs them and prints a report.
func (a *app) runBatch(ctx context.Context, cfg *config.Config, opts ...engine.RunOption) error {
	snap, err := config.NewSnapshot(0, cfg, time.Now())
	if err != nil {
		return err
	}
	if err := snap.Store(ctx, a.store); err != nil {
		return err
	}
	a.registry.SetFunctionBudget(cfg.Engine.FunctionBudget)
	if err := a.applyTriggers(ctx, cfg); err != nil {
		return err
	}
	insts, err := bindAll(a.registry, snap.Definitions)
	if err != nil {
		return err
	}

	report, err := a.scheduler.RunBatch(ctx, insts, opts...)
	if err != nil && len(report.Order) == 0 {
		return err
	}
	a.flushEvents()
	printReport(a.out, report)
	if err != nil {
		return err
	}
	if !report.Succeeded() {
		return errBatchFailed
	}
	return nil
}

// applyTriggers pushes the declared trigger states and conditions into the
// manager. A pipeline without an explicit state keeps the one it has, so an
// identity suspended after repeated failures stays suspended across reloads.
func (a *app) applyTriggers(ctx context.Context, cfg *config.Config) error {
	a.triggers.SetMaxFailures(uint64(cfg.Engine.MaxFailures))
	for _, ps := range cfg.Pipelines {
		id := domain.PipelineID(ps.ID)
		if ps.Trigger.State != "" {
			state, err := trigger.ParseState(ps.Trigger.State)
			if err != nil {
				return err
			}
			if _, err := a.triggers.Transition(id, state, "declared"); err != nil {
				return err
			}
		}
		if ps.Trigger.When == "" {
			a.triggers.SetCondition(id, nil)
			continue
		}
		cond, err := a.predicates.Get(ctx, ps.Trigger.When)
		if err != nil {
			return fmt.Errorf("pipeline %q trigger: %w", ps.ID, err)
		}
		a.triggers.SetCondition(id, cond)
	}
	return nil
}

// watch runs the batch for the current file and again after every reload
// until ctx ends.
func (a *app) watch(ctx context.Context, opts *runOptions, runOpts ...engine.RunOption) error {
	provider, err := config.NewFileProvider(opts.File, config.ProviderOptions{
		Logger:   a.logger,
		OnReload: a.metrics.RecordConfigReload,
	})
	if err != nil {
		return err
	}
	defer provider.Close()

	updates := provider.Subscribe()
	cfg := provider.Current().Config
	for {
		opts.applyFlags(cfg)
		if err := a.runBatch(ctx, cfg, runOpts...); err != nil && ctx.Err() == nil {
			a.logger.Warn("batch finished with errors", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			a.logger.Info("pipelines file changed; re-running batch", "generation", snap.Generation)
			cfg = snap.Config
			if err := a.reloadPolicy(ctx, cfg.Engine.PolicyFile); err != nil {
				a.logger.Warn("policy reload failed; keeping previous policy", "error", err)
			}
		}
	}
}

func (a *app) reloadPolicy(ctx context.Context, path string) error {
	if a.authz == nil || path == "" {
		return nil
	}
	pol, err := policy.LoadAuthorizer(ctx, path, a.logger)
	if err != nil {
		return err
	}
	a.authz.Swap(pol)
	return nil
}

// serveMetrics exposes the Prometheus registry and returns its shutdown.
func (a *app) serveMetrics(addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Handler:           otelhttp.NewHandler(mux, "hexaflow-metrics"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("serving metrics", "address", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown failed", "error", err)
		}
	}, nil
}

// publishToBus counts an event as pending until the printer wrote it.
func (a *app) publishToBus(ctx context.Context, ev domain.Event) error {
	a.pending.Add(1)
	if err := a.bus.Publish(ctx, ev); err != nil {
		a.pending.Add(-1)
		return err
	}
	return nil
}

func (a *app) printEvents(ch <-chan domain.Event) {
	defer close(a.busDone)
	enc := json.NewEncoder(a.out)
	for ev := range ch {
		if err := enc.Encode(ev); err != nil {
			a.logger.Warn("failed to print event", "error", err)
		}
		a.pending.Add(-1)
	}
}

// flushEvents waits until the printer wrote every published event.
func (a *app) flushEvents() {
	for a.pending.Load() > 0 {
		time.Sleep(5 * time.Millisecond)
	}
}

// Close releases the store and stops the event printer.
func (a *app) Close() error {
	if a.bus != nil {
		_ = a.bus.Close()
		<-a.busDone
	}
	if dropped := a.busDropped(); dropped > 0 {
		a.logger.Warn("events dropped by slow printer", "count", dropped)
	}
	return a.store.Close()
}

func (a *app) busDropped() uint64 {
	if a.bus == nil {
		return 0
	}
	return a.bus.Dropped()
}

// printReport writes one row per pipeline in execution order.
func printReport(w io.Writer, report engine.BatchReport) {
	skipped := make(map[domain.PipelineID]bool, len(report.Skipped))
	for _, id := range report.Skipped {
		skipped[id] = true
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PIPELINE\tSTATE\tSTAGES\tDURATION\tDETAIL")
	for _, id := range report.Order {
		if skipped[id] {
			fmt.Fprintf(tw, "%s\tskipped\t0\t-\tdependency did not complete\n", id)
			continue
		}
		o, ok := report.Outcomes[id]
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", id, o.State, len(o.Entries), o.Duration().Round(time.Microsecond), outcomeDetail(o))
	}
	_ = tw.Flush()
}

func outcomeDetail(o domain.RunOutcome) string {
	switch {
	case o.Halted:
		return "halted by filter"
	case o.State == domain.RunFailedRolledBack:
		return fmt.Sprintf("stage %s failed (%s); rolled back to version %d: %v", o.FailedStage, o.ErrorKind, o.RolledBackTo, o.Err)
	case o.Err != nil && o.FailedStage != "":
		return fmt.Sprintf("stage %s failed (%s): %v", o.FailedStage, o.ErrorKind, o.Err)
	case o.Err != nil:
		return o.Err.Error()
	case o.CollaboratorErr != nil:
		return "persistence degraded: " + o.CollaboratorErr.Error()
	default:
		return fmt.Sprintf("payload %s", payloadSummary(o.Context.Payload))
	}
}

func payloadSummary(payload any) string {
	if obj, ok := payload.(map[string]any); ok {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		data, _ := json.Marshal(keys)
		return "keys " + string(data)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%T", payload)
	}
	if len(data) > 60 {
		return string(data[:57]) + "..."
	}
	return string(data)
}

// syncWriter serialises writes from the report and the event printer.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
