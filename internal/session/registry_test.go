package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/flower-id/internal/classifier"
	"github.com/example/flower-id/internal/wiki"
	"github.com/example/flower-id/internal/workflow"
)

type nopClassifier struct{}

func (nopClassifier) Classify(context.Context, []byte) ([]classifier.Prediction, error) {
	return nil, nil
}

type nopLookup struct{}

func (nopLookup) Lookup(context.Context, string) (wiki.Outcome, error) {
	return wiki.Outcome{}, wiki.ErrNoPage
}

func newTestRegistry(ttl time.Duration) *Registry {
	return NewRegistry(nopClassifier{}, nopLookup{}, workflow.Config{}, ttl, zap.NewNop())
}

func TestCreateAndGet(t *testing.T) {
	r := newTestRegistry(0)
	defer r.CloseAll()

	s := r.Create("alice")
	got, err := r.Get(s.ID(), "alice")
	if err != nil {
		t.Fatalf("expected session, got error: %v", err)
	}
	if got != s {
		t.Fatal("expected the same session back")
	}
	if got.State().Phase != workflow.PhaseIdle {
		t.Fatalf("expected idle session, got %s", got.State().Phase)
	}
}

func TestGetHidesOtherOwners(t *testing.T) {
	r := newTestRegistry(0)
	defer r.CloseAll()

	s := r.Create("alice")
	if _, err := r.Get(s.ID(), "mallory"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.Close(s.ID(), "mallory"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected session to survive, have %d", r.Len())
	}
}

func TestCloseStopsSession(t *testing.T) {
	r := newTestRegistry(0)

	s := r.Create("")
	if err := r.Close(s.ID(), ""); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := s.Dispatch(workflow.Cancel{}); !errors.Is(err, workflow.ErrClosed) {
		t.Fatalf("expected closed orchestrator, got %v", err)
	}
	if _, err := r.Get(s.ID(), ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after close, got %v", err)
	}
}

func TestReapClosesIdleSessions(t *testing.T) {
	r := newTestRegistry(time.Minute)
	defer r.CloseAll()

	s := r.Create("")

	r.now = func() time.Time { return s.LastActivity().Add(30 * time.Second) }
	if n := r.Reap(); n != 0 {
		t.Fatalf("expected nothing reaped before the TTL, got %d", n)
	}

	r.now = func() time.Time { return s.LastActivity().Add(2 * time.Minute) }
	if n := r.Reap(); n != 1 {
		t.Fatalf("expected one session reaped, got %d", n)
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, have %d", r.Len())
	}
	if err := s.Dispatch(workflow.Cancel{}); !errors.Is(err, workflow.ErrClosed) {
		t.Fatalf("expected reaped session to be closed, got %v", err)
	}
}

func TestReapDisabledWithoutTTL(t *testing.T) {
	r := newTestRegistry(0)
	defer r.CloseAll()

	s := r.Create("")
	r.now = func() time.Time { return s.LastActivity().Add(24 * time.Hour) }
	if n := r.Reap(); n != 0 {
		t.Fatalf("expected no reaping without a TTL, got %d", n)
	}
}

func TestRunJanitorStopsOnCancel(t *testing.T) {
	r := newTestRegistry(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.RunJanitor(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
