// Package worker drains one namespace's queue: exactly one consumer per
// namespace, dispatching tasks in enqueue order, never blocking submission.
// Each task runs the full pipeline — type detection, context build, prompt
// assembly, execution gate, executor call, evidence sealing, completion
// judgment — with transient failures retried under exponential backoff.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pmrunner/pmrunner/internal/config"
	"github.com/pmrunner/pmrunner/internal/evidence"
	"github.com/pmrunner/pmrunner/internal/executor"
	"github.com/pmrunner/pmrunner/internal/prompt"
	"github.com/pmrunner/pmrunner/internal/protocol"
	"github.com/pmrunner/pmrunner/internal/queue"
	"github.com/pmrunner/pmrunner/internal/task"
)

// Options wires one worker.
type Options struct {
	Namespace string
	StateDir  string

	Store     *queue.Store
	Assembler *prompt.Assembler
	Executor  executor.Executor
	Recorder  *evidence.Recorder
	Gate      *protocol.ExecutionGate

	Config config.Config
	Logger *zap.Logger

	// ExecSlots caps concurrent executor invocations across namespaces.
	// Nil means a private cap of parallel_limits.executors.
	ExecSlots *semaphore.Weighted
}

// Worker is the single consumer for one namespace.
type Worker struct {
	ns        string
	stateDir  string
	store     *queue.Store
	assembler *prompt.Assembler
	exec      executor.Executor
	recorder  *evidence.Recorder
	gate      *protocol.ExecutionGate
	cfg       config.Config
	log       *zap.Logger
	progress  *ProgressLog
	slots     *semaphore.Weighted
	tracker   *escalationTracker

	wake    chan struct{}
	cancels *cancelRegistry

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(opts Options) *Worker {
	slots := opts.ExecSlots
	if slots == nil {
		slots = semaphore.NewWeighted(int64(opts.Config.ParallelLimits.Executors))
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		ns:        opts.Namespace,
		stateDir:  opts.StateDir,
		store:     opts.Store,
		assembler: opts.Assembler,
		exec:      opts.Executor,
		recorder:  opts.Recorder,
		gate:      opts.Gate,
		cfg:       opts.Config,
		log:       log.With(zap.String("namespace", opts.Namespace)),
		progress:  NewProgressLog(opts.StateDir),
		slots:     slots,
		tracker:   newEscalationTracker(),
		wake:      make(chan struct{}, 1),
		cancels:   newCancelRegistry(),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wake nudges the loop after an enqueue. Non-blocking.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Cancel trips the cancellation token of a running task. Returns false if
// the task is not currently executing.
func (w *Worker) Cancel(taskID, reason string) bool {
	return w.cancels.cancel(taskID, reason)
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started")
	defer w.log.Info("worker stopped")
	poll := time.NewTicker(time.Second)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.wake:
		case <-poll.C:
		}
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			done, err := w.ProcessNext(ctx)
			if err != nil {
				w.log.Error("dispatch failed", zap.Error(err))
				break
			}
			if !done {
				break
			}
		}
	}
}

// ProcessNext runs the oldest QUEUED task, if any. Returns whether a task
// was dispatched. A stop_request.json in the state directory halts
// dispatch between tasks; already-running work is not interrupted.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	if w.stopRequested() {
		return false, nil
	}
	rec, ok, err := w.store.NextQueued()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	w.runTask(ctx, rec)
	return true, nil
}

func (w *Worker) stopRequested() bool {
	if w.stateDir == "" {
		return false
	}
	if _, err := os.Stat(filepath.Join(w.stateDir, "stop_request.json")); err == nil {
		w.log.Info("stop request present, holding dispatch")
		return true
	}
	return false
}

type execOutcome struct {
	res executor.Result
	err error
}

func (w *Worker) runTask(ctx context.Context, rec task.Record) {
	log := w.log.With(zap.String("task_id", rec.TaskID))

	// Ambiguous prompts default to READ_INFO: an unclear READ_INFO parks
	// as AWAITING_RESPONSE for clarification instead of erroring out.
	if rec.Type == "" {
		detected := task.DetectType(rec.Prompt)
		updated, err := w.store.Mutate(rec.TaskID, func(r *task.Record) error {
			r.Type = detected
			return nil
		})
		if err != nil {
			log.Error("type detection persist failed", zap.Error(err))
			return
		}
		rec = updated
		log.Info("task type detected", zap.String("task_type", string(detected)))
	}

	gctx := w.groupContext(rec)

	if err := w.gate.Preflight(); err != nil {
		log.Warn("execution gate closed", zap.Error(err))
		w.finish(rec.TaskID, task.StatusError, err.Error(), "")
		return
	}

	budget := time.Duration(w.cfg.TaskLimits.Seconds) * time.Second
	taskCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	deadlineCtx, cancelDeadline := context.WithTimeout(taskCtx, budget)
	defer cancelDeadline()
	w.cancels.register(rec.TaskID, cancel)
	defer w.cancels.unregister(rec.TaskID)

	var mod *prompt.Modification
	maxAttempts := w.cfg.Retry.MaxAttempts

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		assembled, err := w.assemble(rec, gctx, mod)
		if err != nil {
			w.finish(rec.TaskID, task.StatusError, err.Error(), "")
			return
		}
		runID := task.NewRunID(w.now(), assembled.Prompt)
		rec, err = w.store.Mutate(rec.TaskID, func(r *task.Record) error {
			r.RunID = runID
			r.Status = task.StatusRunning
			r.Attempts++
			return nil
		})
		if err != nil {
			log.Error("run start persist failed", zap.Error(err))
			return
		}
		w.note(rec.TaskID, "attempt_started", map[string]any{"run_id": runID, "attempt": attempt})

		out, execErr := w.invoke(deadlineCtx, rec, runID, assembled.Prompt)

		callID := evidence.NewCallID()
		w.seal(callID, assembled.Prompt, out, execErr)
		w.note(rec.TaskID, "evidence_recorded", map[string]any{"call_id": callID, "run_id": runID})

		if execErr != nil {
			if done := w.handleFailure(deadlineCtx, rec, runID, attempt, maxAttempts, execErr, &mod); done {
				return
			}
			continue
		}

		status, errMsg, retryMod := w.judge(rec, runID, out.res, callID)
		if retryMod != nil && attempt < maxAttempts {
			mod = retryMod
			w.note(rec.TaskID, "review_rejected", map[string]any{
				"run_id": runID, "detected_issues": retryMod.DetectedIssues,
			})
			if err := w.sleep(deadlineCtx, DelayForAttempt(attempt, w.cfg.Retry, backoffSeed(runID, rec.TaskID, attempt))); err != nil {
				w.finishInterrupted(rec.TaskID, deadlineCtx)
				return
			}
			continue
		}
		if retryMod != nil {
			// Review kept rejecting and the budget is spent.
			w.finish(rec.TaskID, task.StatusIncomplete, errMsg, out.res.Output)
			return
		}
		w.tracker.reset(rec.TaskID)
		w.finishResult(rec.TaskID, status, errMsg, out.res)
		return
	}
}

// invoke races the executor against cancellation. When the token trips, the
// worker grants the executor one operation-timeout window to unwind before
// abandoning it.
func (w *Worker) invoke(ctx context.Context, rec task.Record, runID, fullPrompt string) (execOutcome, error) {
	if err := w.slots.Acquire(ctx, 1); err != nil {
		return execOutcome{}, err
	}
	req := executor.Request{
		TaskID:      rec.TaskID,
		SessionID:   rec.SessionID,
		RunID:       runID,
		Model:       w.cfg.Model,
		Messages:    []executor.Message{{Role: "user", Content: fullPrompt}},
		MaxDuration: time.Duration(w.cfg.TaskLimits.Seconds) * time.Second,
	}
	resCh := make(chan execOutcome, 1)
	go func() {
		defer w.slots.Release(1)
		res, err := w.exec.Execute(ctx, req)
		resCh <- execOutcome{res: res, err: err}
	}()
	select {
	case out := <-resCh:
		return out, out.err
	case <-ctx.Done():
		grace := time.NewTimer(w.cfg.Timeouts.Operation())
		defer grace.Stop()
		select {
		case <-resCh:
		case <-grace.C:
			w.log.Warn("executor ignored cancellation past grace window",
				zap.String("task_id", rec.TaskID))
		}
		return execOutcome{}, ctx.Err()
	}
}

// seal writes the call's evidence envelope. Failed calls carry a nil
// response hash and the error text; nothing is ever forged.
func (w *Worker) seal(callID, fullPrompt string, out execOutcome, execErr error) {
	reqHash, err := evidence.RequestHash([]evidence.Message{{Role: "user", Content: fullPrompt}})
	if err != nil {
		w.log.Error("request hash failed", zap.Error(err))
		return
	}
	ev := evidence.Evidence{
		CallID:      callID,
		Provider:    w.cfg.Provider,
		Model:       w.cfg.Model,
		RequestHash: reqHash,
		DurationMS:  out.res.Duration.Milliseconds(),
		Success:     execErr == nil,
	}
	if execErr == nil {
		rh := evidence.ResponseHash(out.res.Output)
		ev.ResponseHash = &rh
	} else {
		ev.Error = execErr.Error()
	}
	if _, err := w.recorder.Record(ev); err != nil {
		w.log.Error("evidence write failed", zap.String("call_id", callID), zap.Error(err))
	}
}

// handleFailure classifies one failed attempt. Returns true when the task
// reached a final state.
func (w *Worker) handleFailure(ctx context.Context, rec task.Record, runID string, attempt, maxAttempts int, execErr error, mod **prompt.Modification) bool {
	log := w.log.With(zap.String("task_id", rec.TaskID), zap.String("run_id", runID))

	var limit *executor.ResourceLimitError
	if errors.As(execErr, &limit) {
		w.note(rec.TaskID, "resource_limit", map[string]any{
			"limit": limit.Limit, "actual": limit.Actual, "max": limit.Max,
		})
		w.finish(rec.TaskID, task.StatusIncomplete, execErr.Error(), "")
		return true
	}
	if ctx.Err() != nil {
		w.finishInterrupted(rec.TaskID, ctx)
		return true
	}

	sig := failureSignature(execErr.Error(), nil)
	if streak := w.tracker.observe(rec.TaskID, sig); streak >= w.cfg.Retry.EscalationThreshold {
		if next, ok := config.NextProfile("standard"); ok {
			w.note(rec.TaskID, "escalation_recommended", map[string]any{
				"signature": sig, "consecutive": streak, "next_profile": next,
			})
		}
	}

	if executor.Retryable(execErr) && attempt < maxAttempts {
		delay := DelayForAttempt(attempt, w.cfg.Retry, backoffSeed(runID, rec.TaskID, attempt))
		log.Warn("transient failure, retrying", zap.Error(execErr),
			zap.Int("attempt", attempt), zap.Duration("backoff", delay))
		*mod = nil
		if err := w.sleep(ctx, delay); err != nil {
			w.finishInterrupted(rec.TaskID, ctx)
			return true
		}
		return false
	}

	if executor.Retryable(execErr) {
		w.finish(rec.TaskID, task.StatusError,
			fmt.Sprintf("retries exhausted after %d attempts: %v", attempt, execErr), "")
	} else {
		log.Error("fatal executor failure", zap.Error(execErr))
		w.finish(rec.TaskID, task.StatusError, execErr.Error(), "")
	}
	return true
}

// judge maps one successful executor return to a final status. A non-nil
// modification means the attempt was rejected by review and should be
// retried with the modification prompt.
func (w *Worker) judge(rec task.Record, runID string, res executor.Result, callID string) (task.Status, string, *prompt.Modification) {
	switch res.StatusHint {
	case executor.HintBlocked:
		// Guard promotion: only DANGEROUS_OP may rest in BLOCKED.
		if rec.Type == task.TypeDangerousOp {
			w.log.Info("task blocked pending user decision", zap.String("task_id", rec.TaskID))
			return task.StatusBlocked, "", nil
		}
		w.log.Warn("BLOCKED from non-dangerous task rewritten to INCOMPLETE",
			zap.String("task_id", rec.TaskID), zap.String("task_type", string(rec.Type)))
		return task.StatusIncomplete, "blocked result from non-dangerous task: " + res.BlockedReason, nil
	case executor.HintError:
		return task.StatusError, firstNonEmpty(res.BlockedReason, "executor reported failure"), nil
	case executor.HintAwaitingResponse:
		return task.StatusAwaitingResponse, "", nil
	}

	if len(res.FilesModified) > w.cfg.TaskLimits.Files {
		limit := &executor.ResourceLimitError{Limit: "files", Actual: len(res.FilesModified), Max: w.cfg.TaskLimits.Files}
		return task.StatusIncomplete, limit.Error(), nil
	}

	if len(res.Gates) > 0 {
		judge := protocol.NewJudge()
		judge.BindRun(runID)
		verdict, err := judge.Judge(res.Gates)
		if err != nil {
			// Stale or mixed run ids: fail closed, never COMPLETE.
			return task.StatusIncomplete, err.Error(), nil
		}
		switch verdict.FinalStatus {
		case protocol.StatusFailing:
			issues := res.DetectedIssues
			if len(issues) == 0 {
				for _, g := range verdict.FailingGates {
					issues = append(issues, "gate failing: "+g)
				}
			}
			return task.StatusIncomplete,
				fmt.Sprintf("review rejected: %s", strings.Join(verdict.FailingGates, ", ")),
				&prompt.Modification{DetectedIssues: issues, OriginalTask: rec.Prompt}
		case protocol.StatusComplete:
			if !w.gate.CanAssertComplete(callID) {
				return task.StatusIncomplete, "completion evidence missing or unverified", nil
			}
			return task.StatusComplete, "", nil
		}
		// NO_EVIDENCE falls through to the response-shape gate.
	}

	// Single synthesised gate from the response shape: pass iff the output
	// is non-empty and the question detector finds nothing outstanding.
	if strings.TrimSpace(res.Output) == "" || task.HasOutstandingQuestion(res.Output) {
		return task.StatusAwaitingResponse, "", nil
	}
	if !w.gate.CanAssertComplete(callID) {
		return task.StatusIncomplete, "completion evidence missing or unverified", nil
	}
	return task.StatusComplete, "", nil
}

func (w *Worker) assemble(rec task.Record, gctx prompt.GroupContext, mod *prompt.Modification) (prompt.Assembled, error) {
	if mod != nil {
		return w.assembler.Reassemble(rec.Prompt, gctx, nil, *mod)
	}
	return w.assembler.Assemble(rec.Prompt, gctx, nil)
}

// groupContext collects the group's history: working files, the last
// terminal result, and recent exchanges.
func (w *Worker) groupContext(rec task.Record) prompt.GroupContext {
	gctx := prompt.GroupContext{GroupID: rec.GroupID}
	if rec.GroupID == "" {
		return gctx
	}
	all, err := w.store.List(queue.Filter{})
	if err != nil {
		return gctx
	}
	for _, other := range all {
		if other.GroupID != rec.GroupID || other.TaskID == rec.TaskID {
			continue
		}
		gctx.History = append(gctx.History,
			prompt.ConversationEntry{Role: "user", Text: other.Prompt},
			prompt.ConversationEntry{Role: "assistant", Text: other.Output},
		)
		if other.Status.Terminal() {
			gctx.LastResult = &prompt.LastResult{
				Status:        string(other.Status),
				Output:        other.Output,
				FilesModified: other.FilesModified,
				Error:         other.Error,
			}
			gctx.WorkingFiles = other.FilesModified
		}
	}
	return gctx
}

func (w *Worker) finishResult(taskID string, status task.Status, errMsg string, res executor.Result) {
	_, err := w.store.Mutate(taskID, func(r *task.Record) error {
		r.Status = status
		if errMsg != "" {
			r.Error = errMsg
		}
		if res.Output != "" {
			r.Output = res.Output
		}
		if len(res.FilesModified) > 0 {
			r.FilesModified = append([]string(nil), res.FilesModified...)
		}
		if status == task.StatusBlocked {
			r.BlockedReason = res.BlockedReason
		}
		r.Events = append(r.Events, task.ProgressEvent{
			Kind:      task.EventStatusChanged,
			Timestamp: w.now().UTC(),
			Payload:   map[string]any{"to": string(status)},
		})
		return nil
	})
	if err != nil {
		w.log.Error("final status persist failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	w.note(taskID, "finished", map[string]any{"status": string(status)})
}

func (w *Worker) finish(taskID string, status task.Status, errMsg, output string) {
	if _, err := w.store.UpdateStatus(taskID, status, errMsg, output); err != nil {
		w.log.Error("status update failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	w.note(taskID, "finished", map[string]any{"status": string(status), "error": errMsg})
}

// finishInterrupted maps cancellation and budget expiry to INCOMPLETE with
// the cause and the terminator preserved.
func (w *Worker) finishInterrupted(taskID string, ctx context.Context) {
	reason, terminator := "cancelled", "operator"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = fmt.Sprintf("task time budget exceeded (%ds)", w.cfg.TaskLimits.Seconds)
		terminator = "time_budget"
	} else if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		reason = "cancelled: " + cause.Error()
	}
	_, err := w.store.Mutate(taskID, func(r *task.Record) error {
		from := r.Status
		r.Status = task.StatusIncomplete
		r.Error = reason
		r.TerminatedBy = terminator
		r.Events = append(r.Events, task.ProgressEvent{
			Kind:      task.EventStatusChanged,
			Timestamp: w.now().UTC(),
			Payload:   map[string]any{"from": string(from), "to": string(task.StatusIncomplete)},
		})
		return nil
	})
	if err != nil {
		w.log.Error("status update failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	w.note(taskID, "finished", map[string]any{"status": string(task.StatusIncomplete), "error": reason})
}

func (w *Worker) note(taskID, kind string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["task_id"] = taskID
	payload["kind"] = kind
	if err := w.progress.Append(payload); err != nil {
		w.log.Debug("progress append failed", zap.Error(err))
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
