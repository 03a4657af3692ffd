package storage_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"energy-harvester/internal/infra/storage"
)

func TestBoltStoreTimeSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "state.bbolt")
	store, err := storage.OpenBolt(path, "breaker")
	if err != nil {
		t.Fatalf("OpenBolt() error = %v", err)
	}

	if _, ok, err := store.GetTime("pause_until"); err != nil || ok {
		t.Fatalf("GetTime() on empty store = ok=%v err=%v", ok, err)
	}

	want := time.UnixMilli(1_700_000_123_456)
	if err := store.PutTime("pause_until", want); err != nil {
		t.Fatalf("PutTime() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := storage.OpenBolt(path, "breaker")
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	got, ok, err := reopened.GetTime("pause_until")
	if err != nil || !ok {
		t.Fatalf("GetTime() ok=%v err=%v", ok, err)
	}
	if !got.Equal(want) {
		t.Fatalf("GetTime() = %v, want %v", got, want)
	}

	if err := reopened.Delete("pause_until"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := reopened.Get("pause_until"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get() after Delete error = %v, want ErrNotFound", err)
	}
}

func TestBoltStoreRejectsCorruptTime(t *testing.T) {
	t.Parallel()

	store, err := storage.OpenBolt(filepath.Join(t.TempDir(), "s.bbolt"), "")
	if err != nil {
		t.Fatalf("OpenBolt() error = %v", err)
	}
	defer store.Close()

	if err := store.Put("pause_until", []byte("oops")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, _, err := store.GetTime("pause_until"); err == nil {
		t.Fatal("GetTime() error = nil, want size error")
	}
}
