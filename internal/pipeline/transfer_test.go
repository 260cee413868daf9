package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testPlan(src, dest string, action UserAction, choice ConflictChoice) TransferPlan {
	return TransferPlan{
		File:     ClassifiedFile{StableFile: StableFile{SourcePath: src}},
		Decision: UserDecision{Action: action},
		Route:    RouteResult{DestinationRoot: filepath.Dir(dest)},
		Conflict: ConflictPlan{FinalDestinationPath: dest, Choice: choice},
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	fails := 3
	var slept []time.Duration
	e := NewTransferEngine(TransferEngineOptions{
		Delays: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
		Op: func(TransferPlan) error {
			if fails > 0 {
				fails--
				return errors.New("share offline")
			}
			return nil
		},
	})
	res := e.Execute(context.Background(), testPlan("/srv/a/x.dwg", "/srv/pub/x.dwg", ActionMove, ChoiceNone))
	if !res.Success || res.Attempts != 4 {
		t.Fatalf("result = %+v", res)
	}
	if len(slept) != 3 || slept[0] != time.Second || slept[2] != 4*time.Second {
		t.Fatalf("backoff schedule = %v", slept)
	}
	if state, _ := rootState(e.roots, "/srv/pub"); state != RootAvailable {
		t.Fatalf("root state after success = %s", state)
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	e := NewTransferEngine(TransferEngineOptions{
		Delays: []time.Duration{time.Second, time.Second},
		Sleep:  noSleep,
		Op:     func(TransferPlan) error { return errors.New("share offline") },
	})
	res := e.Execute(context.Background(), testPlan("/srv/a/x.dwg", "/srv/pub/x.dwg", ActionMove, ChoiceNone))
	if res.Success || res.Attempts != 2 || res.Err == nil {
		t.Fatalf("result = %+v", res)
	}
	if state, note := rootState(e.roots, "/srv/pub"); state != RootUnavailable || note == "" {
		t.Fatalf("root state after exhaustion = %s note=%q", state, note)
	}
}

func TestExecuteSourceVanishedNotRetried(t *testing.T) {
	calls := 0
	e := NewTransferEngine(TransferEngineOptions{
		Sleep: noSleep,
		Op: func(TransferPlan) error {
			calls++
			return ErrSourceVanished
		},
	})
	res := e.Execute(context.Background(), testPlan("/srv/a/x.dwg", "/srv/pub/x.dwg", ActionMove, ChoiceNone))
	if res.Success || !errors.Is(res.Err, ErrSourceVanished) {
		t.Fatalf("result = %+v", res)
	}
	if calls != 1 {
		t.Fatalf("vanished source must not retry, calls=%d", calls)
	}
}

func TestExecuteSkipsCancelledAndLeave(t *testing.T) {
	e := NewTransferEngine(TransferEngineOptions{
		Sleep: noSleep,
		Op: func(TransferPlan) error {
			t.Fatal("no-op plan must not touch the filesystem")
			return nil
		},
	})
	for _, plan := range []TransferPlan{
		testPlan("/srv/a/x.dwg", "", ActionMove, ChoiceCancel),
		testPlan("/srv/a/x.dwg", "/srv/pub/x.dwg", ActionLeave, ChoiceNone),
		testPlan("/srv/a/x.dwg", "/srv/pub/x.dwg", ActionNone, ChoiceNone),
	} {
		res := e.Execute(context.Background(), plan)
		if res.Success || res.Attempts != 0 || res.Err != nil {
			t.Fatalf("result = %+v", res)
		}
	}
}

func rootState(roots *RootTracker, root string) (RootState, string) {
	for _, snap := range roots.Snapshot() {
		if snap.RootPath == root {
			return snap.State, snap.Note
		}
	}
	return "", ""
}

func TestExecuteMoveRealFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "incoming", "site.dwg")
	dest := filepath.Join(dir, "published", "site.dwg")
	mustWriteFile(t, src, "drawing payload")

	e := NewTransferEngine(TransferEngineOptions{Sleep: noSleep})
	res := e.Execute(context.Background(), testPlan(src, dest, ActionMove, ChoiceNone))
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("move must remove the source")
	}
	got, err := os.ReadFile(dest)
	if err != nil || string(got) != "drawing payload" {
		t.Fatalf("destination content = %q err=%v", got, err)
	}
}

func TestExecuteCopyKeepsSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "site.dwg")
	dest := filepath.Join(dir, "pub", "site.dwg")
	mustWriteFile(t, src, "payload")

	e := NewTransferEngine(TransferEngineOptions{Sleep: noSleep})
	res := e.Execute(context.Background(), testPlan(src, dest, ActionPublishCopy, ChoiceNone))
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatal("copy must keep the source")
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatal("copy must create the destination")
	}
}

func TestExecuteRefusesSilentClobber(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "site.dwg")
	dest := filepath.Join(dir, "pub", "site.dwg")
	mustWriteFile(t, src, "new")
	mustWriteFile(t, dest, "old")

	e := NewTransferEngine(TransferEngineOptions{
		Delays: []time.Duration{time.Millisecond},
		Sleep:  noSleep,
	})
	res := e.Execute(context.Background(), testPlan(src, dest, ActionMove, ChoiceNone))
	if res.Success {
		t.Fatal("existing destination without an overwrite choice must fail")
	}
	got, _ := os.ReadFile(dest)
	if string(got) != "old" {
		t.Fatalf("destination clobbered: %q", got)
	}
}

func TestExecuteOverwriteReplacesDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "site.dwg")
	dest := filepath.Join(dir, "pub", "site.dwg")
	mustWriteFile(t, src, "new")
	mustWriteFile(t, dest, "old")

	e := NewTransferEngine(TransferEngineOptions{Sleep: noSleep})
	res := e.Execute(context.Background(), testPlan(src, dest, ActionMove, ChoiceOverwrite))
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	got, err := os.ReadFile(dest)
	if err != nil || string(got) != "new" {
		t.Fatalf("destination content = %q err=%v", got, err)
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
