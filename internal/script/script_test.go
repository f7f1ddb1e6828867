package script

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/thebranchdriftcatalyst/robot-console/internal/endpoint"
	"github.com/thebranchdriftcatalyst/robot-console/internal/robotapi"
	"github.com/thebranchdriftcatalyst/robot-console/internal/robottest"
	testingclock "k8s.io/utils/clock/testing"
)

const awaitTimeout = 2 * time.Second

func newEditor(t *testing.T) (*robottest.Robot, *testingclock.FakeClock, *Editor) {
	t.Helper()
	robot := robottest.New(t)
	host, port := robot.HostPort()
	client := robotapi.NewClient(endpoint.NewResolver(host, port), time.Second, zerolog.Nop())
	fc := testingclock.NewFakeClock(time.Now())
	e := NewEditor(client, fc, 800*time.Millisecond, zerolog.Nop())
	t.Cleanup(e.Close)
	return robot, fc, e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(awaitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEditor_BurstOfEditsSavesOnceWithFinalText(t *testing.T) {
	robot, fc, e := newEditor(t)

	// Two seconds of typing, one keystroke every 100ms
	text := ""
	for i := 0; i < 20; i++ {
		text += "x"
		e.Edit(text)
		fc.Step(100 * time.Millisecond)
	}
	if got := e.State(); got != DirtyPending {
		t.Fatalf("State() = %v while typing, want %v", got, DirtyPending)
	}

	time.Sleep(20 * time.Millisecond)
	if n := robot.Count(http.MethodPost, robotapi.PathScript); n != 0 {
		t.Fatalf("saved %d times while typing, want 0", n)
	}

	// The last keystroke armed the timer 100ms ago
	fc.Step(700 * time.Millisecond)
	req := robot.AwaitCount(t, http.MethodPost, robotapi.PathScript, 1, awaitTimeout)
	if req.Body["script"] != text {
		t.Errorf("saved script = %v, want final text %q", req.Body["script"], text)
	}

	waitFor(t, "clean document", func() bool { return e.State() == Clean })
	time.Sleep(20 * time.Millisecond)
	if n := robot.Count(http.MethodPost, robotapi.PathScript); n != 1 {
		t.Errorf("saved %d times, want exactly 1", n)
	}
}

func TestEditor_SpacedEditsSaveEach(t *testing.T) {
	robot, fc, e := newEditor(t)

	for i, text := range []string{"a", "b", "c"} {
		e.Edit(text)
		fc.Step(800 * time.Millisecond)
		req := robot.AwaitCount(t, http.MethodPost, robotapi.PathScript, i+1, awaitTimeout)
		if req.Body["script"] != text {
			t.Errorf("save #%d = %v, want %q", i+1, req.Body["script"], text)
		}
		waitFor(t, "clean document", func() bool { return e.State() == Clean })
	}
}

func TestEditor_ExplicitSaveCancelsPendingAutosave(t *testing.T) {
	robot, fc, e := newEditor(t)

	e.Edit("draft")
	fc.Step(300 * time.Millisecond)
	if err := e.Save(context.Background()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if got := robot.StoredScript(); got != "draft" {
		t.Errorf("stored script = %q, want draft", got)
	}

	fc.Step(time.Second)
	time.Sleep(20 * time.Millisecond)
	if n := robot.Count(http.MethodPost, robotapi.PathScript); n != 1 {
		t.Errorf("saved %d times, want 1 (autosave cancelled)", n)
	}
	if e.State() != Clean {
		t.Errorf("State() = %v, want clean", e.State())
	}
}

func TestEditor_FailedAutosaveDiverges(t *testing.T) {
	robot, fc, e := newEditor(t)
	robot.Fail(robotapi.PathScript, http.StatusServiceUnavailable)

	e.Edit("lost?")
	fc.Step(800 * time.Millisecond)
	robot.AwaitCount(t, http.MethodPost, robotapi.PathScript, 1, awaitTimeout)
	waitFor(t, "diverged document", func() bool { return e.State() == Diverged })

	doc := e.Document()
	if !doc.Dirty || doc.SaveError == "" {
		t.Errorf("Document() = %+v, want dirty with save error", doc)
	}
	if doc.Text != "lost?" {
		t.Errorf("local text = %q, want it kept", doc.Text)
	}

	robot.Recover(robotapi.PathScript)
	if err := e.Save(context.Background()); err != nil {
		t.Fatalf("Save() after recovery error = %v", err)
	}
	if doc := e.Document(); doc.Dirty || doc.SaveError != "" {
		t.Errorf("Document() = %+v after successful save, want clean", doc)
	}
}

func TestEditor_RejectedSaveDiverges(t *testing.T) {
	robot, _, e := newEditor(t)
	robot.RejectSave(true)

	e.Edit("text")
	if err := e.Save(context.Background()); err == nil {
		t.Fatal("Save() error = nil for a rejected save")
	}
	if e.State() != Diverged {
		t.Errorf("State() = %v, want diverged", e.State())
	}
}

func TestEditor_Load(t *testing.T) {
	t.Run("replaces placeholder", func(t *testing.T) {
		robot, _, e := newEditor(t)
		robot.SetScript("robot.move('forward', 0.5);")

		if e.Text() != Placeholder {
			t.Fatalf("initial text = %q, want placeholder", e.Text())
		}
		if !e.Load(context.Background()) {
			t.Fatal("Load() = false")
		}
		if got := e.Text(); got != "robot.move('forward', 0.5);" {
			t.Errorf("Text() = %q", got)
		}
		if e.State() != Clean {
			t.Errorf("State() = %v after load, want clean", e.State())
		}
	})

	t.Run("failure keeps placeholder", func(t *testing.T) {
		robot, _, e := newEditor(t)
		robot.Malformed(robotapi.PathScript)

		if e.Load(context.Background()) {
			t.Fatal("Load() = true for malformed body")
		}
		if e.Text() != Placeholder {
			t.Errorf("Text() = %q, want placeholder", e.Text())
		}
	})
}

func TestRunner_OptimisticRunThenPollIsAuthoritative(t *testing.T) {
	robot := robottest.New(t)
	host, port := robot.HostPort()
	client := robotapi.NewClient(endpoint.NewResolver(host, port), time.Second, zerolog.Nop())
	fc := testingclock.NewFakeClock(time.Now())

	r := NewRunner(client, fc, time.Second, func() string { return "print('hi')" }, zerolog.Nop())
	r.Cell().Update(func(s *RunState) { s.Output = "previous output" })

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := r.State(); !got.Running || got.Output != "" {
		t.Fatalf("State() right after Run = %+v, want running with cleared output", got)
	}
	if r.CanRun() || !r.CanStop() {
		t.Errorf("CanRun/CanStop = %v/%v while running", r.CanRun(), r.CanStop())
	}

	req := robot.AwaitCount(t, http.MethodPost, robotapi.PathScriptRun, 1, awaitTimeout)
	if req.Body["script"] != "print('hi')" {
		t.Errorf("run body = %v", req.Body)
	}

	if err := r.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRunning", err)
	}

	robot.SetScriptState(false, "done", "")
	r.Poller().Start(context.Background())
	defer r.Poller().Stop()

	waitFor(t, "poll result", func() bool { return r.State() == RunState{Running: false, Output: "done"} })
}

func TestRunner_StopIsNeverGated(t *testing.T) {
	robot := robottest.New(t)
	host, port := robot.HostPort()
	client := robotapi.NewClient(endpoint.NewResolver(host, port), time.Second, zerolog.Nop())
	r := NewRunner(client, testingclock.NewFakeClock(time.Now()), time.Second, func() string { return "" }, zerolog.Nop())

	if r.State().Running {
		t.Fatal("runner starts running")
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() while idle error = %v", err)
	}
	if n := robot.Count(http.MethodPost, robotapi.PathScriptStop); n != 1 {
		t.Errorf("stop sent %d times, want 1", n)
	}
	if r.State().Running {
		t.Error("Stop() changed local state")
	}
}

func TestRunner_FailedPollKeepsState(t *testing.T) {
	robot := robottest.New(t)
	host, port := robot.HostPort()
	client := robotapi.NewClient(endpoint.NewResolver(host, port), time.Second, zerolog.Nop())
	fc := testingclock.NewFakeClock(time.Now())
	r := NewRunner(client, fc, time.Second, func() string { return "x" }, zerolog.Nop())

	robot.SetScriptState(true, "line 1\n", "")
	r.Poller().Start(context.Background())
	defer r.Poller().Stop()
	want := RunState{Running: true, Output: "line 1\n"}
	waitFor(t, "first poll", func() bool { return r.State() == want })

	robot.Fail(robotapi.PathScriptStatus, http.StatusBadGateway)
	fc.Step(time.Second)
	robot.AwaitCount(t, http.MethodGet, robotapi.PathScriptStatus, 2, awaitTimeout)
	time.Sleep(10 * time.Millisecond)
	if got := r.State(); got != want {
		t.Errorf("State() after failed poll = %+v, want %+v", got, want)
	}
}

func TestEditor_LoadAfterEditKeepsLocalText(t *testing.T) {
	robot, _, e := newEditor(t)
	robot.SetScript("remote copy")
	gate := robot.Hold(http.MethodGet, robotapi.PathScript)

	loaded := make(chan bool, 1)
	go func() { loaded <- e.Load(context.Background()) }()
	gate.Arrived(t, awaitTimeout)

	e.Edit("typed before the load finished")
	gate.Release()

	select {
	case ok := <-loaded:
		if ok {
			t.Error("Load() = true after a local edit")
		}
	case <-time.After(awaitTimeout):
		t.Fatal("Load() did not return")
	}
	doc := e.Document()
	if doc.Text != "typed before the load finished" || !doc.Dirty {
		t.Errorf("Document() = %+v, want local edit kept and dirty", doc)
	}
}

func TestEditor_EditDuringSaveIsSavedNext(t *testing.T) {
	robot, fc, e := newEditor(t)
	gate := robot.Hold(http.MethodPost, robotapi.PathScript)

	e.Edit("v1")
	fc.Step(800 * time.Millisecond)
	if first := gate.Arrived(t, awaitTimeout); first.Body["script"] != "v1" {
		t.Fatalf("first save = %v, want v1", first.Body["script"])
	}

	e.Edit("v2")
	gate.Release()
	robot.AwaitCount(t, http.MethodPost, robotapi.PathScript, 1, awaitTimeout)
	waitFor(t, "first save to finish", func() bool { return !e.saving.Load() })

	if doc := e.Document(); !doc.Dirty || doc.Text != "v2" {
		t.Fatalf("Document() = %+v after the v1 save, want v2 still dirty", doc)
	}

	fc.Step(800 * time.Millisecond)
	req := robot.AwaitCount(t, http.MethodPost, robotapi.PathScript, 2, awaitTimeout)
	if req.Body["script"] != "v2" {
		t.Errorf("second save = %v, want v2", req.Body["script"])
	}
	waitFor(t, "clean document", func() bool { return e.State() == Clean })
	if got := robot.StoredScript(); got != "v2" {
		t.Errorf("stored script = %q, want v2", got)
	}
}

func TestEditor_Flush(t *testing.T) {
	t.Run("pending autosave is saved now", func(t *testing.T) {
		robot, fc, e := newEditor(t)

		e.Edit("pending")
		if err := e.Flush(context.Background()); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		if got := robot.StoredScript(); got != "pending" {
			t.Errorf("stored script = %q, want pending", got)
		}

		fc.Step(time.Second)
		time.Sleep(20 * time.Millisecond)
		if n := robot.Count(http.MethodPost, robotapi.PathScript); n != 1 {
			t.Errorf("saved %d times, want 1", n)
		}
	})

	t.Run("clean document sends nothing", func(t *testing.T) {
		robot, _, e := newEditor(t)

		if err := e.Flush(context.Background()); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		if n := robot.Count(http.MethodPost, robotapi.PathScript); n != 0 {
			t.Errorf("saved %d times, want 0", n)
		}
	})

	t.Run("waits for autosave in flight before close", func(t *testing.T) {
		robot, fc, e := newEditor(t)
		gate := robot.Hold(http.MethodPost, robotapi.PathScript)

		e.Edit("last words")
		fc.Step(800 * time.Millisecond)
		gate.Arrived(t, awaitTimeout)

		flushed := make(chan error, 1)
		go func() { flushed <- e.Flush(context.Background()) }()

		time.Sleep(20 * time.Millisecond)
		select {
		case err := <-flushed:
			t.Fatalf("Flush() returned %v while the autosave was in flight", err)
		default:
		}

		gate.Release()
		select {
		case err := <-flushed:
			if err != nil {
				t.Fatalf("Flush() error = %v", err)
			}
		case <-time.After(awaitTimeout):
			t.Fatal("Flush() did not return")
		}
		e.Close()

		if got := robot.StoredScript(); got != "last words" {
			t.Errorf("stored script = %q, want last words", got)
		}
		if doc := e.Document(); doc.Dirty || doc.SaveError != "" {
			t.Errorf("Document() = %+v, want clean", doc)
		}
		if n := robot.Count(http.MethodPost, robotapi.PathScript); n != 1 {
			t.Errorf("saved %d times, want 1", n)
		}
	})
}
