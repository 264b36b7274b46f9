package registry

import (
	"testing"
	"time"

	"piloty/internal/ptyengine"
)

func newTestEngine(t *testing.T) (*ptyengine.Engine, error) {
	t.Helper()
	return ptyengine.New(ptyengine.Options{
		Command:      "/bin/sh",
		Rows:         24,
		Cols:         80,
		CWD:          t.TempDir(),
		MaxLines:     100,
		ContextLines: 20,
	})
}

func TestCreateRejectsRelativeCWD(t *testing.T) {
	r := New(4)
	_, err := r.Create("s1", "relative/path", func() (*ptyengine.Engine, error) {
		t.Fatal("engine factory should not be called for an invalid cwd")
		return nil, nil
	})
	if err == nil {
		t.Fatal("expected an error for a relative cwd")
	}
}

func TestCreateRejectsMissingDir(t *testing.T) {
	r := New(4)
	_, err := r.Create("s1", "/no/such/directory/piloty-test", func() (*ptyengine.Engine, error) {
		t.Fatal("engine factory should not be called for a missing cwd")
		return nil, nil
	})
	if err == nil {
		t.Fatal("expected an error for a nonexistent cwd")
	}
}

func TestGetUnknownIDReturnsNotFound(t *testing.T) {
	r := New(4)
	if _, err := r.Get("ghost"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateThenGetMarksLive(t *testing.T) {
	r := New(4)
	dir := t.TempDir()
	s, err := r.Create("s1", dir, func() (*ptyengine.Engine, error) { return newTestEngine(t) })
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { s.Engine.Terminate() })

	got, err := r.Get("s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != Live {
		t.Fatalf("state = %v, want Live", got.State)
	}
}

func TestCreateSameCWDIsIdempotent(t *testing.T) {
	r := New(4)
	dir := t.TempDir()
	s1, err := r.Create("s1", dir, func() (*ptyengine.Engine, error) { return newTestEngine(t) })
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { s1.Engine.Terminate() })

	called := false
	s2, err := r.Create("s1", dir, func() (*ptyengine.Engine, error) {
		called = true
		return newTestEngine(t)
	})
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if called {
		t.Fatal("engine factory should not run for an already-live id with matching cwd")
	}
	if s2 != s1 {
		t.Fatal("expected the same Session for a matching re-create")
	}
}

func TestCreateMismatchedCWDIsHardError(t *testing.T) {
	r := New(4)
	dir1, dir2 := t.TempDir(), t.TempDir()
	s1, err := r.Create("s1", dir1, func() (*ptyengine.Engine, error) { return newTestEngine(t) })
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { s1.Engine.Terminate() })

	_, err = r.Create("s1", dir2, func() (*ptyengine.Engine, error) {
		t.Fatal("engine factory should not run on cwd mismatch")
		return nil, nil
	})
	if err != ErrCWDMismatch {
		t.Fatalf("err = %v, want ErrCWDMismatch", err)
	}
}

func TestTerminateTombstonesID(t *testing.T) {
	r := New(4)
	dir := t.TempDir()
	s, err := r.Create("s1", dir, func() (*ptyengine.Engine, error) { return newTestEngine(t) })
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = s

	r.Terminate("s1")

	if _, err := r.Get("s1"); err != ErrTombstoned {
		t.Fatalf("err = %v, want ErrTombstoned", err)
	}

	_, err = r.Create("s1", dir, func() (*ptyengine.Engine, error) {
		t.Fatal("a tombstoned id must never re-bind to a new PTY")
		return nil, nil
	})
	if err != ErrTombstoned {
		t.Fatalf("err = %v, want ErrTombstoned on recreate attempt", err)
	}
}

func TestLRUEvictsLeastRecentlyUsedOnOverflow(t *testing.T) {
	r := New(2)
	dir := t.TempDir()

	s1, err := r.Create("s1", dir, func() (*ptyengine.Engine, error) { return newTestEngine(t) })
	if err != nil {
		t.Fatalf("Create s1: %v", err)
	}
	t.Cleanup(func() {
		if s1.State == Live {
			s1.Engine.Terminate()
		}
	})

	s2, err := r.Create("s2", dir, func() (*ptyengine.Engine, error) { return newTestEngine(t) })
	if err != nil {
		t.Fatalf("Create s2: %v", err)
	}
	t.Cleanup(func() { s2.Engine.Terminate() })

	// Touch s1 so s2 becomes the LRU victim instead.
	if _, err := r.Get("s1"); err != nil {
		t.Fatalf("Get s1: %v", err)
	}

	s3, err := r.Create("s3", dir, func() (*ptyengine.Engine, error) { return newTestEngine(t) })
	if err != nil {
		t.Fatalf("Create s3: %v", err)
	}
	t.Cleanup(func() { s3.Engine.Terminate() })

	if _, err := r.Get("s2"); err != ErrTombstoned {
		t.Fatalf("s2 err = %v, want ErrTombstoned (least-recently-used eviction)", err)
	}
	if _, err := r.Get("s1"); err != nil {
		t.Fatalf("s1 should still be live: %v", err)
	}
	if _, err := r.Get("s3"); err != nil {
		t.Fatalf("s3 should still be live: %v", err)
	}
}

func TestConfigureBeforeCreateIsAppliedAtCreation(t *testing.T) {
	r := New(4)
	if err := r.Configure("s1", Config{Description: "my session"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	dir := t.TempDir()
	s, err := r.Create("s1", dir, func() (*ptyengine.Engine, error) { return newTestEngine(t) })
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { s.Engine.Terminate() })

	if s.Description != "my session" {
		t.Fatalf("description = %q, want %q", s.Description, "my session")
	}
}

func TestConfigureAfterCreatePropagatesImmediately(t *testing.T) {
	r := New(4)
	dir := t.TempDir()
	s, err := r.Create("s1", dir, func() (*ptyengine.Engine, error) { return newTestEngine(t) })
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { s.Engine.Terminate() })

	if err := r.Configure("s1", Config{Description: "updated"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	got, err := r.Get("s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Description != "updated" {
		t.Fatalf("description = %q, want %q", got.Description, "updated")
	}
}

func TestTerminateAllTombstonesEverySession(t *testing.T) {
	r := New(4)
	dir := t.TempDir()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := r.Create(id, dir, func() (*ptyengine.Engine, error) { return newTestEngine(t) }); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}

	r.TerminateAll()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := r.Get(id); err != ErrTombstoned {
			t.Fatalf("%s err = %v, want ErrTombstoned", id, err)
		}
	}
}

func TestListIncludesConfiguredAndLive(t *testing.T) {
	r := New(4)
	if err := r.Configure("configured-only", Config{Description: "pending"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	dir := t.TempDir()
	s, err := r.Create("live-one", dir, func() (*ptyengine.Engine, error) { return newTestEngine(t) })
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { s.Engine.Terminate() })

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(list))
	}
}

func TestLastUsedAdvancesOnGet(t *testing.T) {
	r := New(4)
	dir := t.TempDir()
	s, err := r.Create("s1", dir, func() (*ptyengine.Engine, error) { return newTestEngine(t) })
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { s.Engine.Terminate() })

	first := s.LastUsed
	time.Sleep(5 * time.Millisecond)

	got, err := r.Get("s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.LastUsed.After(first) {
		t.Fatalf("LastUsed did not advance on Get")
	}
}
