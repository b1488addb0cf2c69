// Package runner assembles the whole system for one project: namespace
// resolution, queue store, worker, and supervisor, exposed as an async API.
// Submission never blocks on execution.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pmrunner/pmrunner/internal/config"
	"github.com/pmrunner/pmrunner/internal/evidence"
	"github.com/pmrunner/pmrunner/internal/executor"
	"github.com/pmrunner/pmrunner/internal/namespace"
	"github.com/pmrunner/pmrunner/internal/prompt"
	"github.com/pmrunner/pmrunner/internal/protocol"
	"github.com/pmrunner/pmrunner/internal/queue"
	"github.com/pmrunner/pmrunner/internal/supervisor"
	"github.com/pmrunner/pmrunner/internal/task"
	"github.com/pmrunner/pmrunner/internal/worker"
)

// Options configures one runner.
type Options struct {
	ProjectRoot string
	// Namespace overrides derivation; empty means env var then
	// auto-derivation from ProjectRoot.
	Namespace string

	Config   config.Config
	Logger   *zap.Logger
	Executor executor.Executor

	// TimeoutProfile selects the supervision profile; empty means standard.
	TimeoutProfile config.TimeoutProfile

	// LookupEnv defaults to os.LookupEnv; tests inject their own.
	LookupEnv func(string) (string, bool)
}

// Runner owns one namespace's worker and supervisor.
type Runner struct {
	ns       string
	stateDir string
	uiPort   int

	store  *queue.Store
	work   *worker.Worker
	sup    *supervisor.Supervisor
	log    *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

// New resolves the namespace and wires every component. Construction fails
// fast on an invalid namespace, unreadable state directory, or missing
// provider credential surface.
func New(opts Options) (*Runner, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	ns, err := namespace.Build(namespace.BuildOptions{
		Name:        opts.Namespace,
		ProjectRoot: opts.ProjectRoot,
		AutoDerive:  true,
		LookupEnv:   lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve namespace: %w", err)
	}
	stateDir := namespace.StateDir(opts.ProjectRoot, ns)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("state directory: %w", err)
	}

	store, err := queue.NewStore(stateDir)
	if err != nil {
		return nil, err
	}
	recorder := evidence.NewRecorder(stateDir)
	gate := protocol.NewExecutionGate(opts.Config.Provider, executor.CredentialCheck(lookup), recorder)
	assembler := &prompt.Assembler{
		TemplateDir: filepath.Join(stateDir, "templates"),
	}

	log = log.With(zap.String("namespace", ns))
	work := worker.New(worker.Options{
		Namespace: ns,
		StateDir:  stateDir,
		Store:     store,
		Assembler: assembler,
		Executor:  opts.Executor,
		Recorder:  recorder,
		Gate:      gate,
		Config:    opts.Config,
		Logger:    log,
		ExecSlots: semaphore.NewWeighted(int64(opts.Config.ParallelLimits.Executors)),
	})
	sup := supervisor.New(supervisor.Options{
		StateDir: stateDir,
		Store:    store,
		Worker:   work,
		Config:   opts.Config,
		Profile:  opts.TimeoutProfile,
		Logger:   log,
	})

	return &Runner{
		ns:       ns,
		stateDir: stateDir,
		uiPort:   namespace.UIPort(ns),
		store:    store,
		work:     work,
		sup:      sup,
		log:      log,
	}, nil
}

// Namespace returns the resolved namespace.
func (r *Runner) Namespace() string { return r.ns }

// StateDir returns the resolved state directory.
func (r *Runner) StateDir() string { return r.stateDir }

// UIPort returns the deterministic per-namespace UI port.
func (r *Runner) UIPort() int { return r.uiPort }

// Start recovers orphans from a previous process, then launches the worker
// and supervisor loops. Idempotent per runner.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("runner already started")
	}
	r.started = true

	recovered, err := r.sup.RecoverOrphans()
	if err != nil {
		return fmt.Errorf("orphan recovery: %w", err)
	}
	for _, rec := range recovered {
		r.log.Info("orphan recovered",
			zap.String("task_id", rec.TaskID), zap.String("action", string(rec.Action)))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { return ignoreCancel(r.work.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(r.sup.Run(gctx)) })
	r.group = g
	return nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Submit enqueues a task and nudges the worker. It returns as soon as the
// record is durably written; execution happens asynchronously.
func (r *Runner) Submit(sessionID, groupID, promptText string) (task.Record, error) {
	rec, err := r.store.Enqueue(sessionID, groupID, promptText, "", "")
	if err != nil {
		return task.Record{}, err
	}
	r.work.Wake()
	return rec, nil
}

// Status returns one task record.
func (r *Runner) Status(taskID string) (task.Record, error) {
	return r.store.Get(taskID)
}

// List returns records in enqueue order.
func (r *Runner) List(f queue.Filter) ([]task.Record, error) {
	return r.store.List(f)
}

// Cancel trips a running task's cancellation token.
func (r *Runner) Cancel(taskID, reason string) bool {
	return r.work.Cancel(taskID, reason)
}

// Events subscribes to supervision events.
func (r *Runner) Events() <-chan supervisor.Event {
	return r.sup.Subscribe()
}

// Shutdown stops both loops and waits for them to unwind.
func (r *Runner) Shutdown() error {
	r.mu.Lock()
	cancel, group := r.cancel, r.group
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return group.Wait()
}
