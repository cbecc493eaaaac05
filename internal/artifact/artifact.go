// Package artifact commits and restores the model.json / metadata.json pair
// that makes up a persisted classifier.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-sound/internal/storage"
)

const (
	ModelFile    = "model.json"
	MetadataFile = "metadata.json"
	ManifestFile = "manifest.json"

	stagingDir = ".staging"
)

// ErrIncomplete means the committed blobs do not match their manifest, or a
// commit stopped between replacing the pair and completing its manifest.
var ErrIncomplete = errors.New("artifact: incomplete or corrupted save")

// Manifest states. A manifest with no state predates the pending marker and
// is treated as complete.
const (
	StatePending  = "pending"
	StateComplete = "complete"
)

// Bundle is the serialized classifier.
type Bundle struct {
	Model    []byte
	Metadata []byte
}

// Manifest describes the pair under a directory. It is written as pending
// before the pair is replaced and as complete once both blobs are in place.
type Manifest struct {
	SaveID    string            `json:"save_id"`
	State     string            `json:"state"`
	CreatedAt time.Time         `json:"created_at"`
	Checksums map[string]string `json:"checksums"`
}

// Dir normalizes a user supplied location: a trailing model.json is
// stripped and the remainder is used as the artifact directory.
func Dir(location string) string {
	location = strings.TrimSuffix(strings.TrimSpace(location), "/")
	if path.Base(location) == ModelFile {
		location = path.Dir(location)
	}
	if location == "." {
		return ""
	}
	return location
}

func key(dir, name string) string {
	if dir == "" {
		return name
	}
	return path.Join(dir, name)
}

// Commit writes the bundle under dir. Both blobs are staged first; if
// staging fails the staged blobs are removed and the previous save is left
// untouched. A pending manifest carrying the new checksums is written before
// the pair is replaced, so an interrupted commit is refused by Open instead
// of loading a mixed pair. The complete manifest is written last.
func Commit(ctx context.Context, store storage.BlobStore, dir string, b Bundle) (Manifest, error) {
	if len(b.Model) == 0 || len(b.Metadata) == 0 {
		return Manifest{}, fmt.Errorf("artifact: bundle is empty")
	}
	saveID := uuid.NewString()
	stage := key(dir, path.Join(stagingDir, saveID))
	files := []struct {
		name string
		data []byte
	}{
		{ModelFile, b.Model},
		{MetadataFile, b.Metadata},
	}

	var staged []string
	cleanup := func() {
		for _, k := range staged {
			_ = store.Delete(context.WithoutCancel(ctx), k)
		}
	}
	for _, f := range files {
		k := path.Join(stage, f.name)
		if err := store.Put(ctx, k, f.data); err != nil {
			cleanup()
			return Manifest{}, fmt.Errorf("stage %s: %w", f.name, err)
		}
		staged = append(staged, k)
	}

	manifest := Manifest{
		SaveID:    saveID,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
		Checksums: map[string]string{
			ModelFile:    checksum(b.Model),
			MetadataFile: checksum(b.Metadata),
		},
	}
	if err := writeManifest(ctx, store, dir, manifest); err != nil {
		cleanup()
		return Manifest{}, fmt.Errorf("mark pending: %w", err)
	}
	for _, f := range files {
		if err := store.Put(ctx, key(dir, f.name), f.data); err != nil {
			cleanup()
			return Manifest{}, fmt.Errorf("commit %s: %w", f.name, err)
		}
	}

	manifest.State = StateComplete
	if err := writeManifest(ctx, store, dir, manifest); err != nil {
		cleanup()
		return Manifest{}, fmt.Errorf("write manifest: %w", err)
	}
	cleanup()
	return manifest, nil
}

func writeManifest(ctx context.Context, store storage.BlobStore, dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return store.Put(ctx, key(dir, ManifestFile), data)
}

// Open reads the bundle under dir. When a manifest is present it must be
// complete and the blobs must match its checksums.
func Open(ctx context.Context, store storage.BlobStore, dir string) (Bundle, error) {
	model, err := store.Get(ctx, key(dir, ModelFile))
	if err != nil {
		return Bundle{}, fmt.Errorf("read %s: %w", ModelFile, err)
	}
	metadata, err := store.Get(ctx, key(dir, MetadataFile))
	if err != nil {
		return Bundle{}, fmt.Errorf("read %s: %w", MetadataFile, err)
	}

	raw, err := store.Get(ctx, key(dir, ManifestFile))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return Bundle{Model: model, Metadata: metadata}, nil
	case err != nil:
		return Bundle{}, fmt.Errorf("read %s: %w", ManifestFile, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return Bundle{}, fmt.Errorf("%w: decode manifest: %v", ErrIncomplete, err)
	}
	if manifest.State == StatePending {
		return Bundle{}, fmt.Errorf("%w: commit %s did not finish", ErrIncomplete, manifest.SaveID)
	}
	if manifest.Checksums[ModelFile] != checksum(model) {
		return Bundle{}, fmt.Errorf("%w: %s checksum mismatch", ErrIncomplete, ModelFile)
	}
	if manifest.Checksums[MetadataFile] != checksum(metadata) {
		return Bundle{}, fmt.Errorf("%w: %s checksum mismatch", ErrIncomplete, MetadataFile)
	}
	return Bundle{Model: model, Metadata: metadata}, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
