package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-sound/internal/storage"
)

type flakyStore struct {
	storage.BlobStore
	failPut func(key string) bool
}

func (f *flakyStore) Put(ctx context.Context, key string, data []byte) error {
	if f.failPut != nil && f.failPut(key) {
		return errors.New("disk full")
	}
	return f.BlobStore.Put(ctx, key, data)
}

func newStore(t *testing.T) *storage.Local {
	t.Helper()
	s, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return s
}

func TestCommitAndOpen(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	b := Bundle{Model: []byte(`{"format":"m"}`), Metadata: []byte(`{"wordLabels":["no","yes"]}`)}

	m, err := Commit(ctx, s, "default", b)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if m.SaveID == "" || m.State != StateComplete || len(m.Checksums) != 2 {
		t.Fatalf("unexpected manifest %+v", m)
	}
	for _, name := range []string{ModelFile, MetadataFile, ManifestFile} {
		if _, err := os.Stat(filepath.Join(s.Root(), "default", name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "default", stagingDir)); !os.IsNotExist(err) {
		t.Fatalf("expected staging area to be removed, got %v", err)
	}

	got, err := Open(ctx, s, "default")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(got.Model) != string(b.Model) || string(got.Metadata) != string(b.Metadata) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestCommitStagingFailureKeepsPreviousSave(t *testing.T) {
	ctx := context.Background()
	base := newStore(t)
	prev := Bundle{Model: []byte("old-model"), Metadata: []byte("old-meta")}
	if _, err := Commit(ctx, base, "default", prev); err != nil {
		t.Fatalf("initial commit: %v", err)
	}

	flaky := &flakyStore{BlobStore: base, failPut: func(key string) bool {
		return strings.Contains(key, stagingDir) && strings.HasSuffix(key, MetadataFile)
	}}
	_, err := Commit(ctx, flaky, "default", Bundle{Model: []byte("new-model"), Metadata: []byte("new-meta")})
	if err == nil {
		t.Fatal("expected staging failure")
	}

	got, err := Open(ctx, base, "default")
	if err != nil {
		t.Fatalf("open previous: %v", err)
	}
	if string(got.Model) != "old-model" {
		t.Fatalf("previous save was modified: %q", got.Model)
	}
	if _, err := os.Stat(filepath.Join(base.Root(), "default", stagingDir)); !os.IsNotExist(err) {
		t.Fatalf("expected staged blobs to be cleaned up, got %v", err)
	}
}

func TestCommitInterruptedAfterModelIsDetected(t *testing.T) {
	ctx := context.Background()
	base := newStore(t)
	if _, err := Commit(ctx, base, "m", Bundle{Model: []byte("v1"), Metadata: []byte("meta1")}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	flaky := &flakyStore{BlobStore: base, failPut: func(key string) bool {
		return key == "m/"+MetadataFile
	}}
	if _, err := Commit(ctx, flaky, "m", Bundle{Model: []byte("v2"), Metadata: []byte("meta2")}); err == nil {
		t.Fatal("expected commit failure")
	}
	// model.json is v2 while metadata.json is still meta1.
	if _, err := Open(ctx, base, "m"); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete for the mixed pair, got %v", err)
	}

	// A later commit that finishes makes the directory loadable again.
	if _, err := Commit(ctx, base, "m", Bundle{Model: []byte("v3"), Metadata: []byte("meta3")}); err != nil {
		t.Fatalf("recommit: %v", err)
	}
	got, err := Open(ctx, base, "m")
	if err != nil {
		t.Fatalf("open after recommit: %v", err)
	}
	if string(got.Model) != "v3" || string(got.Metadata) != "meta3" {
		t.Fatalf("unexpected bundle after recommit: %+v", got)
	}
}

func TestCommitPendingMarkerFailureKeepsPreviousSave(t *testing.T) {
	ctx := context.Background()
	base := newStore(t)
	if _, err := Commit(ctx, base, "m", Bundle{Model: []byte("v1"), Metadata: []byte("meta1")}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	flaky := &flakyStore{BlobStore: base, failPut: func(key string) bool {
		return key == "m/"+ManifestFile
	}}
	if _, err := Commit(ctx, flaky, "m", Bundle{Model: []byte("v2"), Metadata: []byte("meta2")}); err == nil {
		t.Fatal("expected commit failure")
	}
	got, err := Open(ctx, base, "m")
	if err != nil {
		t.Fatalf("open previous: %v", err)
	}
	if string(got.Model) != "v1" || string(got.Metadata) != "meta1" {
		t.Fatalf("previous save was modified: %+v", got)
	}
}

func TestOpenDetectsTampering(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	if _, err := Commit(ctx, s, "x", Bundle{Model: []byte("model"), Metadata: []byte("meta")}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.Put(ctx, "x/"+ModelFile, []byte("tampered")); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, err := Open(ctx, s, "x"); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}

func TestOpenWithoutManifest(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	s.Put(ctx, "ext/"+ModelFile, []byte("m"))
	s.Put(ctx, "ext/"+MetadataFile, []byte("d"))
	if _, err := Open(ctx, s, "ext"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := Open(ctx, s, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDir(t *testing.T) {
	cases := map[string]string{
		"models/kitchen":            "models/kitchen",
		"models/kitchen/":           "models/kitchen",
		"models/kitchen/model.json": "models/kitchen",
		"model.json":                "",
		"default":                   "default",
	}
	for in, want := range cases {
		if got := Dir(in); got != want {
			t.Fatalf("Dir(%q) = %q, want %q", in, got, want)
		}
	}
}
