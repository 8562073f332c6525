package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// exerciseBackend runs the behavior every backend must share.
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	if _, err := b.Get(ctx, "state/missing"); !IsNotFound(err) {
		t.Fatalf("Get(missing) error = %v, want not found", err)
	}
	ok, err := b.Exists(ctx, "state/missing")
	if err != nil || ok {
		t.Fatalf("Exists(missing) = %v, %v; want false, nil", ok, err)
	}

	if err := b.Put(ctx, "state/active", []byte(`[1,2]`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := b.Put(ctx, "media/abc/blob", []byte{0x01, 0x02}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := b.Put(ctx, "state/active", []byte(`[3]`)); err != nil {
		t.Fatalf("Put(overwrite) error = %v", err)
	}

	got, err := b.Get(ctx, "state/active")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "[3]" {
		t.Errorf("Get() = %q, want %q", got, "[3]")
	}

	ok, err = b.Exists(ctx, "media/abc/blob")
	if err != nil || !ok {
		t.Errorf("Exists() = %v, %v; want true, nil", ok, err)
	}

	keys, err := b.List(ctx, "state/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 1 || keys[0] != "state/active" {
		t.Errorf("List(state/) = %v, want [state/active]", keys)
	}

	all, err := b.List(ctx, "")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 || all[0] != "media/abc/blob" || all[1] != "state/active" {
		t.Errorf("List() = %v, want [media/abc/blob state/active]", all)
	}

	if err := b.Delete(ctx, "state/active"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := b.Delete(ctx, "state/active"); err != nil {
		t.Errorf("Delete(missing) error = %v, want nil", err)
	}
	if _, err := b.Get(ctx, "state/active"); !IsNotFound(err) {
		t.Errorf("Get(deleted) error = %v, want not found", err)
	}
}

func TestLocalBackend(t *testing.T) {
	b, err := NewLocal(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	exerciseBackend(t, b)
}

func TestLocalRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	b, err := NewLocal(filepath.Join(root, "data"), testLogger())
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	for _, key := range []string{"../escape", "/abs", "a//b", "a/./b", ""} {
		if err := b.Put(context.Background(), key, []byte("x")); err == nil {
			t.Errorf("Put(%q) succeeded, want error", key)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "escape")); err == nil {
		t.Error("traversal key wrote outside the storage root")
	}
}

func TestSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	b, err := OpenSQLite(ctx, path, testLogger())
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	exerciseBackend(t, b)
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	b, err := OpenSQLite(ctx, path, testLogger())
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	if err := b.Put(ctx, "state/colors", []byte(`{"1":"#fff"}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	b, err = OpenSQLite(ctx, path, testLogger())
	if err != nil {
		t.Fatalf("OpenSQLite(reopen) error = %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	got, err := b.Get(ctx, "state/colors")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `{"1":"#fff"}` {
		t.Errorf("Get() = %q after reopen", got)
	}
}

// TestGCSBackend runs against a Cloud Storage emulator when one is configured.
func TestGCSBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	bucket := os.Getenv("TEST_STORAGE_BUCKET")
	if os.Getenv("STORAGE_EMULATOR_HOST") == "" || bucket == "" {
		t.Skip("STORAGE_EMULATOR_HOST and TEST_STORAGE_BUCKET not set")
	}

	b, err := NewGCS(context.Background(), bucket, t.Name()+"/", testLogger())
	if err != nil {
		t.Fatalf("NewGCS() error = %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	exerciseBackend(t, b)
}
