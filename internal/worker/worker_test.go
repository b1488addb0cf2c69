package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pmrunner/pmrunner/internal/config"
	"github.com/pmrunner/pmrunner/internal/evidence"
	"github.com/pmrunner/pmrunner/internal/executor"
	"github.com/pmrunner/pmrunner/internal/prompt"
	"github.com/pmrunner/pmrunner/internal/protocol"
	"github.com/pmrunner/pmrunner/internal/queue"
	"github.com/pmrunner/pmrunner/internal/task"
)

func keyedLookup(k string) (string, bool) {
	if k == "OPENAI_API_KEY" {
		return "sk-test", true
	}
	return "", false
}

func emptyLookup(string) (string, bool) { return "", false }

type fixture struct {
	worker   *Worker
	store    *queue.Store
	stub     *executor.Stub
	recorder *evidence.Recorder
}

func newFixture(t *testing.T, stub *executor.Stub, lookup func(string) (string, bool)) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := queue.NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	rec := evidence.NewRecorder(dir)
	gate := protocol.NewExecutionGate("openai", executor.CredentialCheck(lookup), rec)
	w := New(Options{
		Namespace: "test-ns",
		StateDir:  dir,
		Store:     store,
		Assembler: &prompt.Assembler{},
		Executor:  stub,
		Recorder:  rec,
		Gate:      gate,
		Config:    config.Defaults(),
	})
	w.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return &fixture{worker: w, store: store, stub: stub, recorder: rec}
}

func (f *fixture) enqueue(t *testing.T, prompt string, typ task.Type) task.Record {
	t.Helper()
	rec, err := f.store.Enqueue("s1", "g1", prompt, "", typ)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func (f *fixture) processOne(t *testing.T) {
	t.Helper()
	done, err := f.worker.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if !done {
		t.Fatal("expected a task to be dispatched")
	}
}

func TestSuccessfulReadInfoCompletes(t *testing.T) {
	stub := &executor.Stub{Script: []executor.StubStep{
		{Result: executor.Result{StatusHint: executor.HintComplete, Output: "the docs folder holds three guides."}},
	}}
	f := newFixture(t, stub, keyedLookup)
	rec := f.enqueue(t, "describe the docs folder", task.TypeReadInfo)
	f.processOne(t)

	got, err := f.store.Get(rec.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusComplete {
		t.Fatalf("status: %s (err=%q)", got.Status, got.Error)
	}
	if got.Output == "" || got.RunID == "" || got.Attempts != 1 {
		t.Fatalf("record incomplete: %+v", got)
	}
	if !f.recorder.CanAssertComplete() {
		t.Fatal("success evidence must be sealed on disk")
	}
}

func TestEmptyOutputParksAwaitingResponse(t *testing.T) {
	stub := &executor.Stub{Script: []executor.StubStep{
		{Result: executor.Result{StatusHint: executor.HintComplete, Output: ""}},
	}}
	f := newFixture(t, stub, keyedLookup)
	rec := f.enqueue(t, "docsフォルダの内容を教えて", "")
	f.processOne(t)

	got, _ := f.store.Get(rec.TaskID)
	if got.Type != task.TypeReadInfo {
		t.Fatalf("ambiguous prompt should detect READ_INFO, got %s", got.Type)
	}
	if got.Status != task.StatusAwaitingResponse {
		t.Fatalf("empty output must park as AWAITING_RESPONSE, got %s", got.Status)
	}
}

func TestQuestionInOutputParksAwaitingResponse(t *testing.T) {
	stub := &executor.Stub{Script: []executor.StubStep{
		{Result: executor.Result{StatusHint: executor.HintComplete, Output: "Which module should I extend?"}},
	}}
	f := newFixture(t, stub, keyedLookup)
	rec := f.enqueue(t, "extend the module", task.TypeLightEdit)
	f.processOne(t)

	got, _ := f.store.Get(rec.TaskID)
	if got.Status != task.StatusAwaitingResponse {
		t.Fatalf("outstanding question must park the task, got %s", got.Status)
	}
}

func TestMissingAPIKeyFailsClosed(t *testing.T) {
	stub := &executor.Stub{}
	f := newFixture(t, stub, emptyLookup)
	rec := f.enqueue(t, "do anything", task.TypeReadInfo)
	f.processOne(t)

	got, _ := f.store.Get(rec.TaskID)
	if got.Status != task.StatusError {
		t.Fatalf("closed gate must mark ERROR, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "API key not configured") {
		t.Fatalf("reason missing: %q", got.Error)
	}
	if len(stub.Calls()) != 0 {
		t.Fatal("executor must not be invoked past a closed gate")
	}
	if envs, _ := f.recorder.List(); len(envs) != 0 {
		t.Fatal("no call was attempted, no evidence may exist")
	}
}

func TestBlockedGuardPromotion(t *testing.T) {
	blocked := executor.StubStep{Result: executor.Result{
		StatusHint: executor.HintBlocked, BlockedReason: "refuses to delete production data",
	}}

	f := newFixture(t, &executor.Stub{Script: []executor.StubStep{blocked}}, keyedLookup)
	dangerous := f.enqueue(t, "rm -rf the archive", task.TypeDangerousOp)
	f.processOne(t)
	got, _ := f.store.Get(dangerous.TaskID)
	if got.Status != task.StatusBlocked || got.BlockedReason == "" {
		t.Fatalf("DANGEROUS_OP keeps BLOCKED: %+v", got)
	}

	f2 := newFixture(t, &executor.Stub{Script: []executor.StubStep{blocked}}, keyedLookup)
	ordinary := f2.enqueue(t, "implement the parser", task.TypeImplementation)
	f2.processOne(t)
	got2, _ := f2.store.Get(ordinary.TaskID)
	if got2.Status != task.StatusIncomplete {
		t.Fatalf("non-dangerous BLOCKED must be rewritten to INCOMPLETE, got %s", got2.Status)
	}
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	stub := &executor.Stub{Script: []executor.StubStep{
		{Err: executor.ErrorFromStatus("openai", 503, "overloaded", nil)},
		{Result: executor.Result{StatusHint: executor.HintComplete, Output: "recovered on retry."}},
	}}
	f := newFixture(t, stub, keyedLookup)
	rec := f.enqueue(t, "summarise status", task.TypeReport)
	f.processOne(t)

	got, _ := f.store.Get(rec.TaskID)
	if got.Status != task.StatusComplete {
		t.Fatalf("status: %s (err=%q)", got.Status, got.Error)
	}
	if got.Attempts != 2 {
		t.Fatalf("attempts: %d, want 2", got.Attempts)
	}
	// Each attempt minted its own run and sealed its own evidence.
	envs, _ := f.recorder.List()
	if len(envs) != 2 {
		t.Fatalf("evidence files: %d, want 2", len(envs))
	}
}

func TestFatalFailureNotRetried(t *testing.T) {
	stub := &executor.Stub{Script: []executor.StubStep{
		{Err: executor.ErrorFromStatus("openai", 401, "bad key", nil)},
	}}
	f := newFixture(t, stub, keyedLookup)
	rec := f.enqueue(t, "summarise status", task.TypeReport)
	f.processOne(t)

	got, _ := f.store.Get(rec.TaskID)
	if got.Status != task.StatusError {
		t.Fatalf("status: %s", got.Status)
	}
	if len(stub.Calls()) != 1 {
		t.Fatalf("fatal failures must not retry, calls=%d", len(stub.Calls()))
	}
}

func TestRetriesExhaustedMarksError(t *testing.T) {
	stub := &executor.Stub{Script: []executor.StubStep{
		{Err: executor.ErrorFromStatus("openai", 503, "down", nil)},
	}}
	f := newFixture(t, stub, keyedLookup)
	rec := f.enqueue(t, "summarise status", task.TypeReport)
	f.processOne(t)

	got, _ := f.store.Get(rec.TaskID)
	if got.Status != task.StatusError || !strings.Contains(got.Error, "retries exhausted") {
		t.Fatalf("got %s %q", got.Status, got.Error)
	}
	if want := config.Defaults().Retry.MaxAttempts; len(stub.Calls()) != want {
		t.Fatalf("calls=%d, want %d", len(stub.Calls()), want)
	}
}

func TestReviewRejectTriggersModificationPrompt(t *testing.T) {
	stub := &executor.Stub{Script: []executor.StubStep{
		{Result: executor.Result{
			StatusHint:     executor.HintComplete,
			Output:         "first attempt",
			DetectedIssues: []string{"TODO left in file A", "Incomplete function B"},
			Gates:          []protocol.GateResult{{GateName: "review", RunID: "placeholder", Passing: 0, Failing: 1}},
		}},
		{Result: executor.Result{StatusHint: executor.HintComplete, Output: "second attempt, issues addressed."}},
	}}
	f := newFixture(t, stub, keyedLookup)

	// The stub cannot know the minted run id ahead of time; patch it in as
	// the executor sees the request.
	base := stub.Script[0]
	f.worker.exec = executorFunc(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		calls := stub.Calls()
		_, err := stub.Execute(ctx, req)
		if err != nil {
			return executor.Result{}, err
		}
		if len(calls) == 0 {
			res := base.Result
			res.Gates = []protocol.GateResult{{GateName: "review", RunID: req.RunID, Passing: 0, Failing: 1}}
			return res, nil
		}
		return stub.Script[1].Result, nil
	})

	rec := f.enqueue(t, "Create module X", task.TypeImplementation)
	f.processOne(t)

	got, _ := f.store.Get(rec.TaskID)
	if got.Status != task.StatusComplete {
		t.Fatalf("status: %s (err=%q)", got.Status, got.Error)
	}
	calls := stub.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls: %d, want 2", len(calls))
	}
	redo := calls[1].Messages[0].Content
	if !strings.Contains(redo, "- TODO left in file A\n- Incomplete function B") {
		t.Fatalf("modification bullets missing from retry prompt:\n%s", redo)
	}
	if !strings.Contains(redo, "Create module X") {
		t.Fatal("original task missing from modification block")
	}
	if strings.Contains(calls[0].Messages[0].Content, "Detected issues") {
		t.Fatal("first attempt must not carry the modification block")
	}
}

type executorFunc func(context.Context, executor.Request) (executor.Result, error)

func (f executorFunc) Name() string { return "func" }
func (f executorFunc) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	return f(ctx, req)
}

func TestFileLimitBreachFailsClosed(t *testing.T) {
	files := make([]string, 25)
	for i := range files {
		files[i] = "/tmp/file.go"
	}
	stub := &executor.Stub{Script: []executor.StubStep{
		{Result: executor.Result{StatusHint: executor.HintComplete, Output: "touched everything.", FilesModified: files}},
	}}
	f := newFixture(t, stub, keyedLookup)
	rec := f.enqueue(t, "refactor the world", task.TypeImplementation)
	f.processOne(t)

	got, _ := f.store.Get(rec.TaskID)
	if got.Status != task.StatusIncomplete || !strings.Contains(got.Error, "resource limit") {
		t.Fatalf("got %s %q", got.Status, got.Error)
	}
}

func TestCancelRunningTask(t *testing.T) {
	stub := &executor.Stub{Script: []executor.StubStep{
		{Delay: time.Minute, Result: executor.Result{Output: "never"}},
	}}
	f := newFixture(t, stub, keyedLookup)
	f.worker.cfg.Timeouts.OperationSeconds = 1
	rec := f.enqueue(t, "long haul", task.TypeReport)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.worker.ProcessNext(context.Background())
	}()

	deadline := time.After(10 * time.Second)
	for !f.worker.Cancel(rec.TaskID, "operator requested stop") {
		select {
		case <-deadline:
			t.Fatal("task never registered for cancellation")
		case <-time.After(10 * time.Millisecond):
		}
	}
	<-done

	got, _ := f.store.Get(rec.TaskID)
	if got.Status != task.StatusIncomplete {
		t.Fatalf("cancelled task must be INCOMPLETE, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "operator requested stop") {
		t.Fatalf("cancellation cause lost: %q", got.Error)
	}
	if got.TerminatedBy != "operator" {
		t.Fatalf("terminated_by: %q", got.TerminatedBy)
	}
}

func TestStopRequestHoldsDispatch(t *testing.T) {
	stub := &executor.Stub{}
	f := newFixture(t, stub, keyedLookup)
	f.enqueue(t, "waiting work", task.TypeReadInfo)

	stopPath := filepath.Join(f.worker.stateDir, "stop_request.json")
	if err := os.WriteFile(stopPath, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	done, err := f.worker.ProcessNext(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if done || len(stub.Calls()) != 0 {
		t.Fatal("dispatch must hold while a stop request is present")
	}

	if err := os.Remove(stopPath); err != nil {
		t.Fatal(err)
	}
	done, err = f.worker.ProcessNext(context.Background())
	if err != nil || !done {
		t.Fatalf("dispatch should resume after the stop request clears: %v %v", done, err)
	}
}

func TestDelayForAttemptDeterministic(t *testing.T) {
	retry := config.Defaults().Retry
	seed := backoffSeed("run-a", "task-0001", 1)
	if DelayForAttempt(1, retry, seed) != DelayForAttempt(1, retry, seed) {
		t.Fatal("same seed must give the same delay")
	}
	base := time.Second
	d := DelayForAttempt(1, retry, seed)
	if d < base/2 || d > 3*base/2 {
		t.Fatalf("attempt 1 delay %v outside jitter envelope [%v, %v]", d, base/2, 3*base/2)
	}
	// Growth doubles and caps at max_delay_ms.
	d10 := DelayForAttempt(10, retry, "")
	if d10 != 60*time.Second {
		t.Fatalf("attempt 10 should hit the 60s cap, got %v", d10)
	}
	if DelayForAttempt(2, retry, "") != 2*time.Second {
		t.Fatalf("attempt 2 base should be 2s, got %v", DelayForAttempt(2, retry, ""))
	}
}

func TestFailureSignatureStable(t *testing.T) {
	a := failureSignature("server error (status=503): down", []string{"lint", "tests"})
	b := failureSignature("server error (status=503): down", []string{"tests", "lint"})
	if a != b {
		t.Fatal("gate order must not change the signature")
	}
	c := failureSignature("different failure", nil)
	if a == c {
		t.Fatal("different failures must not collide")
	}
}

func TestEscalationTracker(t *testing.T) {
	tr := newEscalationTracker()
	if n := tr.observe("t1", "sig-a"); n != 1 {
		t.Fatalf("first observation: %d", n)
	}
	if n := tr.observe("t1", "sig-a"); n != 2 {
		t.Fatalf("streak: %d", n)
	}
	if n := tr.observe("t1", "sig-b"); n != 1 {
		t.Fatalf("new signature resets: %d", n)
	}
	tr.reset("t1")
	if n := tr.observe("t1", "sig-b"); n != 1 {
		t.Fatalf("after reset: %d", n)
	}
}
