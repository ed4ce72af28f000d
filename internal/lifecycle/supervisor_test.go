package lifecycle

import (
	"context"
	"errors"
	"io"
	"testing"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type fakeHost struct {
	setupErrs    map[string]error
	shutdownErrs map[string]error
}

func (h *fakeHost) SetupAll(ctx context.Context) map[string]error       { return h.setupErrs }
func (h *fakeHost) ShutdownAll(ctx context.Context, reason string) map[string]error {
	return h.shutdownErrs
}

type fakeReporter struct {
	started   bool
	stoppedAs string
}

func (r *fakeReporter) Start()                    { r.started = true }
func (r *fakeReporter) Stop(reason string) error { r.stoppedAs = reason; return nil }

func testDeps() (*Dependencies, *fakeHost, *fakeReporter) {
	host := &fakeHost{setupErrs: map[string]error{}, shutdownErrs: map[string]error{}}
	reporter := &fakeReporter{}
	deps := &Dependencies{
		LoadSetup:         func(ctx context.Context) error { return nil },
		OpenDataStore:     func(ctx context.Context) (io.Closer, error) { return closerFunc(func() error { return nil }), nil },
		StartHTTPListener: func(ctx context.Context) (io.Closer, error) { return closerFunc(func() error { return nil }), nil },
		Components:        host,
		InstallOpenAPI:    func(ctx context.Context) error { return nil },
		Reporter:          reporter,
	}
	return deps, host, reporter
}

func TestStartReachesReady(t *testing.T) {
	deps, _, reporter := testDeps()
	sup := New(*deps, nil)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sup.State() != StateReady {
		t.Errorf("state: got %s, want READY", sup.State())
	}
	if !reporter.started {
		t.Error("expected instance reporter to be started")
	}
}

func TestSetupFailureEntersError(t *testing.T) {
	deps, _, _ := testDeps()
	deps.LoadSetup = func(ctx context.Context) error { return errors.New("boom") }
	sup := New(*deps, nil)

	if err := sup.Setup(context.Background()); err == nil {
		t.Fatal("expected Setup to fail")
	}
	if sup.State() != StateError {
		t.Errorf("state: got %s, want ERROR", sup.State())
	}
	if sup.Err() == nil {
		t.Error("expected captured error")
	}
}

func TestStopOnlyValidFromReady(t *testing.T) {
	deps, _, _ := testDeps()
	sup := New(*deps, nil)

	if err := sup.Stop(context.Background(), "shutdown"); err != nil {
		t.Fatalf("expected no-op Stop from INSTANCED, got %v", err)
	}
	if sup.State() != StateInstanced {
		t.Errorf("state should be unchanged, got %s", sup.State())
	}
}

func TestStopWritesFinalReporterRecord(t *testing.T) {
	deps, _, reporter := testDeps()
	sup := New(*deps, nil)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sup.Stop(context.Background(), "operator requested"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sup.State() != StateStopped {
		t.Errorf("state: got %s, want STOPPED", sup.State())
	}
	if reporter.stoppedAs != "operator requested" {
		t.Errorf("stop reason: got %q", reporter.stoppedAs)
	}
}

func TestComponentSetupFailureDoesNotAbortLifecycle(t *testing.T) {
	deps, host, _ := testDeps()
	host.setupErrs["broken-component"] = errors.New("setup failed")
	sup := New(*deps, nil)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sup.State() != StateReady {
		t.Errorf("state: got %s, want READY despite component failure", sup.State())
	}
	if sup.ComponentErrors()["broken-component"] == nil {
		t.Error("expected component error to be captured")
	}
}

func TestObserverReceivesTransitionEvents(t *testing.T) {
	deps, _, _ := testDeps()
	sup := New(*deps, nil)
	_, ch := sup.Bus().Subscribe()

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		ev := <-ch
		seen[ev.Name] = true
	}
	for _, name := range []string{"initializing", "initialized", "starting", "startingConnected", "started"} {
		if !seen[name] {
			t.Errorf("expected to observe %q transition", name)
		}
	}
}
