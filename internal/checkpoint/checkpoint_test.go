package checkpoint

import (
	"context"
	"os"
	"testing"

	"github.com/launix-de/hlogdb/internal/device"
	"github.com/launix-de/hlogdb/internal/epoch"
	"github.com/launix-de/hlogdb/internal/hashindex"
	"github.com/launix-de/hlogdb/internal/hlog"
	"github.com/launix-de/hlogdb/internal/locktable"
	"github.com/launix-de/hlogdb/internal/ops"
	"github.com/launix-de/hlogdb/internal/pagestore"
)

func newRig(t *testing.T, dev *device.MemoryDevice) (*hlog.Log, *hashindex.Index, *epoch.Manager, *ops.Engine) {
	t.Helper()
	alloc := pagestore.New(1024, 16, 8)
	em := epoch.New()
	l := hlog.New(alloc, dev, em)
	ix := hashindex.New(16)
	locks := locktable.New(16)
	e := ops.New(l, ix, locks, em, nil)
	return l, ix, em, e
}

// TestFoldOverCheckpointThenRecover inserts keys, checkpoints, then
// simulates a process restart by
// building a fresh log/index/engine over the same device and recovering
// from the persisted token. Every key must read back its original value.
func TestFoldOverCheckpointThenRecover(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewFileStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	dev := device.NewMemoryDevice(256)
	l, ix, em, e := newRig(t, dev)
	ctx := context.Background()

	keys := []string{"alpha", "beta", "gamma", "delta"}
	for _, k := range keys {
		if _, err := e.Upsert(ctx, []byte(k), []byte("v-"+k)); err != nil {
			t.Fatalf("upsert %s: %v", k, err)
		}
	}

	cp := New(l, ix, em, e, storage)
	token, err := cp.Checkpoint(ctx, FoldOver)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	// Simulate a restart: fresh log, index, engine sharing the same device.
	l2, ix2, em2, e2 := newRig(t, dev)
	cp2 := New(l2, ix2, em2, e2, storage)
	meta, err := cp2.Recover(ctx, token)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if meta.Mode != FoldOver {
		t.Fatalf("mode = %v, want FoldOver", meta.Mode)
	}

	for _, k := range keys {
		value, status, err := e2.Read(ctx, []byte(k), nil)
		if err != nil {
			t.Fatalf("read %s after recovery: %v", k, err)
		}
		if status != ops.StatusOK || string(value) != "v-"+k {
			t.Fatalf("read %s = (%q, %v), want (v-%s, OK)", k, value, status, k)
		}
	}
}

// TestSnapshotCheckpointThenRecover exercises Snapshot mode end-to-end,
// including the xz-compressed index snapshot file round trip.
func TestSnapshotCheckpointThenRecover(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewFileStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	dev := device.NewMemoryDevice(256)
	l, ix, em, e := newRig(t, dev)
	ctx := context.Background()

	if _, err := e.Upsert(ctx, []byte("k1"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Upsert(ctx, []byte("k2"), []byte("v2")); err != nil {
		t.Fatal(err)
	}

	cp := New(l, ix, em, e, storage)
	token, err := cp.Checkpoint(ctx, Snapshot)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var sawSnapshot bool
	for _, e := range entries {
		if e.Name() == token.String()+".index.xz" {
			sawSnapshot = true
		}
	}
	if !sawSnapshot {
		t.Fatalf("expected an index snapshot file in %s, got %v", dir, entries)
	}

	l2, ix2, em2, e2 := newRig(t, dev)
	cp2 := New(l2, ix2, em2, e2, storage)
	meta, err := cp2.Recover(ctx, token)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if meta.Mode != Snapshot || meta.IndexSnapshotRef == "" {
		t.Fatalf("meta = %+v, want Snapshot mode with a populated index ref", meta)
	}

	for k, v := range map[string]string{"k1": "v1", "k2": "v2"} {
		value, status, err := e2.Read(ctx, []byte(k), nil)
		if err != nil || status != ops.StatusOK || string(value) != v {
			t.Fatalf("read %s = (%q, %v, %v), want (%s, OK, nil)", k, value, status, err, v)
		}
	}
}

func TestTokensAndPurge(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewFileStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	dev := device.NewMemoryDevice(256)
	l, ix, em, e := newRig(t, dev)
	ctx := context.Background()
	cp := New(l, ix, em, e, storage)

	tok, err := cp.Checkpoint(ctx, FoldOver)
	if err != nil {
		t.Fatal(err)
	}
	if got := cp.Tokens(); len(got) != 1 || got[0] != tok {
		t.Fatalf("Tokens() = %v, want [%v]", got, tok)
	}
	listed, err := storage.List(ctx)
	if err != nil || len(listed) != 1 || listed[0] != tok {
		t.Fatalf("storage.List() = %v, %v", listed, err)
	}

	if err := cp.Purge(ctx, tok); err != nil {
		t.Fatal(err)
	}
	if got := cp.Tokens(); len(got) != 0 {
		t.Fatalf("Tokens() after purge = %v, want empty", got)
	}
	if listed, err := storage.List(ctx); err != nil || len(listed) != 0 {
		t.Fatalf("storage.List() after purge = %v, %v", listed, err)
	}
}
