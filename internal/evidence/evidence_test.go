package evidence

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func sampleEvidence(callID string, success bool) Evidence {
	rh, _ := RequestHash([]Message{
		{Role: "system", Content: "you are a careful executor"},
		{Role: "user", Content: "summarise the repo"},
	})
	ev := Evidence{
		CallID:      callID,
		Provider:    "openai",
		Model:       "gpt-4o",
		RequestHash: rh,
		Timestamp:   "2026-03-14T15:09:26.535Z",
		DurationMS:  1234,
		Success:     success,
	}
	if success {
		resp := ResponseHash("done: two packages, one binary")
		ev.ResponseHash = &resp
	} else {
		ev.Error = "connection reset by peer"
	}
	return ev
}

func TestRequestHashStable(t *testing.T) {
	msgs := []Message{{Role: "user", Content: "hello"}}
	a, err := RequestHash(msgs)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := RequestHash(msgs)
	if a != b {
		t.Fatalf("hash not stable: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "sha256:") {
		t.Fatalf("missing prefix: %s", a)
	}
	c, _ := RequestHash([]Message{{Role: "user", Content: "hello."}})
	if a == c {
		t.Fatal("different requests must hash differently")
	}
}

func TestRequestHashOrderSensitive(t *testing.T) {
	a, _ := RequestHash([]Message{{Role: "system", Content: "s"}, {Role: "user", Content: "u"}})
	b, _ := RequestHash([]Message{{Role: "user", Content: "u"}, {Role: "system", Content: "s"}})
	if a == b {
		t.Fatal("message order is part of the request identity")
	}
}

func TestRecordThenVerify(t *testing.T) {
	r := NewRecorder(t.TempDir())
	ev := sampleEvidence(NewCallID(), true)
	env, err := r.Record(ev)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if env.IntegrityHash == "" {
		t.Fatal("envelope must carry a seal")
	}
	got, err := r.Verify(ev.CallID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.Evidence.RequestHash != ev.RequestHash {
		t.Fatalf("round trip mutated evidence: %+v", got.Evidence)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir)
	ev := sampleEvidence("call_tamper", false)
	if _, err := r.Record(ev); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "llm", "call_tamper.json")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	mutated := strings.Replace(string(b), `"success": false`, `"success": true`, 1)
	if mutated == string(b) {
		t.Fatal("fixture did not mutate")
	}
	if err := os.WriteFile(path, []byte(mutated), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Verify("call_tamper"); err == nil {
		t.Fatal("tampered evidence must fail verification")
	}
}

func TestListSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir)
	if _, err := r.Record(sampleEvidence("call_a", true)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Record(sampleEvidence("call_b", false)); err != nil {
		t.Fatal(err)
	}
	junk := filepath.Join(dir, "llm", "call_junk.json")
	if err := os.WriteFile(junk, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	envs, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("got %d envelopes, want 2", len(envs))
	}
	if envs[0].Evidence.CallID != "call_a" || envs[1].Evidence.CallID != "call_b" {
		t.Fatalf("unexpected order: %s, %s", envs[0].Evidence.CallID, envs[1].Evidence.CallID)
	}
}

func TestCanAssertComplete(t *testing.T) {
	r := NewRecorder(t.TempDir())
	if r.CanAssertComplete() {
		t.Fatal("empty store cannot assert completion")
	}
	if _, err := r.Record(sampleEvidence("call_fail", false)); err != nil {
		t.Fatal(err)
	}
	if r.CanAssertComplete() {
		t.Fatal("failed evidence alone cannot assert completion")
	}
	if _, err := r.Record(sampleEvidence("call_ok", true)); err != nil {
		t.Fatal(err)
	}
	if !r.CanAssertComplete() {
		t.Fatal("successful sealed evidence should assert completion")
	}
}

func TestVerifiedSuccessScopedToCallIDs(t *testing.T) {
	r := NewRecorder(t.TempDir())
	if _, err := r.Record(sampleEvidence("call_old_ok", true)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Record(sampleEvidence("call_new_fail", false)); err != nil {
		t.Fatal(err)
	}
	if r.VerifiedSuccess("call_new_fail") {
		t.Fatal("failure evidence must not satisfy the gate")
	}
	if r.VerifiedSuccess("call_missing") {
		t.Fatal("absent evidence must not satisfy the gate")
	}
	if !r.VerifiedSuccess("call_new_fail", "call_old_ok") {
		t.Fatal("one verified success among the ids should satisfy the gate")
	}
}

func TestWritableCheck(t *testing.T) {
	if err := NewRecorder(t.TempDir()).WritableCheck(); err != nil {
		t.Fatalf("WritableCheck on temp dir: %v", err)
	}
}
