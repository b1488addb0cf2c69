package runner

import (
	"context"
	"testing"
	"time"

	"github.com/pmrunner/pmrunner/internal/config"
	"github.com/pmrunner/pmrunner/internal/executor"
	"github.com/pmrunner/pmrunner/internal/queue"
	"github.com/pmrunner/pmrunner/internal/task"
)

func testLookup(k string) (string, bool) {
	if k == "OPENAI_API_KEY" {
		return "sk-test", true
	}
	return "", false
}

func newTestRunner(t *testing.T, stub *executor.Stub) *Runner {
	t.Helper()
	r, err := New(Options{
		ProjectRoot: t.TempDir(),
		Config:      config.Defaults(),
		Executor:    stub,
		LookupEnv:   testLookup,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestNewResolvesNamespaceAndStateDir(t *testing.T) {
	r := newTestRunner(t, &executor.Stub{})
	if r.Namespace() == "" || len(r.Namespace()) > 32 {
		t.Fatalf("namespace: %q", r.Namespace())
	}
	if r.StateDir() == "" {
		t.Fatal("state dir empty")
	}
	if port := r.UIPort(); port < 5680 || port >= 5680+998 {
		t.Fatalf("port out of range: %d", port)
	}
}

func TestNamespaceEnvOverride(t *testing.T) {
	r, err := New(Options{
		ProjectRoot: t.TempDir(),
		Config:      config.Defaults(),
		Executor:    &executor.Stub{},
		LookupEnv: func(k string) (string, bool) {
			if k == "PM_RUNNER_NAMESPACE" {
				return "env-ns", true
			}
			return testLookup(k)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.Namespace() != "env-ns" {
		t.Fatalf("namespace: %q", r.Namespace())
	}
}

func TestInvalidExplicitNamespaceFailsFast(t *testing.T) {
	_, err := New(Options{
		ProjectRoot: t.TempDir(),
		Namespace:   "system",
		Config:      config.Defaults(),
		Executor:    &executor.Stub{},
		LookupEnv:   testLookup,
	})
	if err == nil {
		t.Fatal("reserved namespace must fail construction")
	}
}

func TestSubmitReturnsBeforeExecution(t *testing.T) {
	stub := &executor.Stub{Script: []executor.StubStep{
		{Delay: time.Hour, Result: executor.Result{Output: "slow"}},
	}}
	r := newTestRunner(t, stub)

	start := time.Now()
	rec, err := r.Submit("s1", "g1", "take your time")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("Submit must not wait on the executor")
	}
	got, err := r.Status(rec.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusQueued {
		t.Fatalf("status right after submit: %s", got.Status)
	}
}

func TestEndToEndCompletion(t *testing.T) {
	stub := &executor.Stub{Script: []executor.StubStep{
		{Result: executor.Result{StatusHint: executor.HintComplete, Output: "the repo has two packages."}},
	}}
	r := newTestRunner(t, stub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		if err := r.Shutdown(); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}()

	rec, err := r.Submit("s1", "g1", "describe the repo layout")
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.After(15 * time.Second)
	for {
		got, err := r.Status(rec.TaskID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status.Terminal() || got.Status == task.StatusAwaitingResponse {
			if got.Status != task.StatusComplete {
				t.Fatalf("final status %s (err=%q)", got.Status, got.Error)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("task never finished, last status %s", got.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestListOrder(t *testing.T) {
	r := newTestRunner(t, &executor.Stub{})
	a, _ := r.Submit("s1", "g1", "first")
	b, _ := r.Submit("s1", "g1", "second")
	all, err := r.List(queue.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].TaskID != a.TaskID || all[1].TaskID != b.TaskID {
		t.Fatalf("order: %+v", all)
	}
}
