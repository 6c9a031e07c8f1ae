// Package publish owns the output directory. Artifacts are staged under
// a hidden directory and renamed into place, so a reader listing the
// output never observes a half-written PNG.
package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/radarwatch/radar-publisher/internal/product"
)

// FilesystemError wraps output-directory failures: staging writes,
// renames and deletions.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// Artifact identifies one published PNG.
type Artifact struct {
	Name        string
	Timestamp   time.Time
	LeadMinutes int
	Variant     string
	Scale       int
}

// Store publishes and enumerates rendered artifacts.
type Store interface {
	// Publish writes data under name atomically.
	Publish(ctx context.Context, name string, data []byte) error

	// List returns all published artifacts, oldest timestamp first.
	List(ctx context.Context) ([]Artifact, error)

	// Remove deletes the named artifacts. Missing names are not an
	// error.
	Remove(ctx context.Context, names ...string) error

	Close() error
}

// Stores maps each stream to its own Store. Streams never share an
// output directory; only the filename infix would tell their artifacts
// apart otherwise.
type Stores map[product.Stream]Store

// For returns the Store for stream.
func (s Stores) For(stream product.Stream) Store { return s[stream] }

// Close releases every underlying store.
func (s Stores) Close() error {
	var errs []error
	for _, st := range s {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewLocalStores creates one LocalStore per stream, each rooted at
// root/<stream>.
func NewLocalStores(root string, streams ...product.Stream) (Stores, error) {
	stores := make(Stores, len(streams))
	for _, stream := range streams {
		st, err := NewLocalStore(filepath.Join(root, string(stream)))
		if err != nil {
			return nil, err
		}
		stores[stream] = st
	}
	return stores, nil
}

// LocalStore is the filesystem Store. Staging files live in .staging
// under the output directory so the rename into place stays on one
// filesystem.
type LocalStore struct {
	dir     string
	staging string
}

// NewLocalStore creates the output and staging directories.
func NewLocalStore(dir string) (*LocalStore, error) {
	staging := filepath.Join(dir, ".staging")
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, &FilesystemError{Op: "create", Path: staging, Err: err}
	}
	return &LocalStore{dir: dir, staging: staging}, nil
}

// Dir returns the output directory path.
func (s *LocalStore) Dir() string { return s.dir }

// Publish writes data to a staging file and renames it into the output
// directory. A failure never leaves a partial file under the published
// name.
func (s *LocalStore) Publish(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp := filepath.Join(s.staging, name+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return &FilesystemError{Op: "stage", Path: tmp, Err: err}
	}

	final := filepath.Join(s.dir, name)
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return &FilesystemError{Op: "rename", Path: final, Err: err}
	}
	return nil
}

// List scans the output directory for artifact names. Foreign files and
// the staging directory are ignored.
func (s *LocalStore) List(ctx context.Context) ([]Artifact, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &FilesystemError{Op: "list", Path: s.dir, Err: err}
	}

	var artifacts []Artifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ts, lead, variant, scale, ok := product.ParseArtifactName(e.Name())
		if !ok {
			continue
		}
		artifacts = append(artifacts, Artifact{
			Name:        e.Name(),
			Timestamp:   ts,
			LeadMinutes: lead,
			Variant:     variant,
			Scale:       scale,
		})
	}

	sort.Slice(artifacts, func(i, j int) bool {
		if !artifacts[i].Timestamp.Equal(artifacts[j].Timestamp) {
			return artifacts[i].Timestamp.Before(artifacts[j].Timestamp)
		}
		if artifacts[i].LeadMinutes != artifacts[j].LeadMinutes {
			return artifacts[i].LeadMinutes < artifacts[j].LeadMinutes
		}
		return artifacts[i].Name < artifacts[j].Name
	})
	return artifacts, nil
}

// Remove deletes the named artifacts from the output directory.
func (s *LocalStore) Remove(ctx context.Context, names ...string) error {
	for _, name := range names {
		if _, _, _, _, ok := product.ParseArtifactName(name); !ok {
			continue
		}
		path := filepath.Join(s.dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return &FilesystemError{Op: "remove", Path: path, Err: err}
		}
	}
	return nil
}

// CleanStaging removes leftover staging files from an earlier crash.
func (s *LocalStore) CleanStaging() error {
	entries, err := os.ReadDir(s.staging)
	if err != nil {
		return &FilesystemError{Op: "list", Path: s.staging, Err: err}
	}
	for _, e := range entries {
		os.Remove(filepath.Join(s.staging, e.Name()))
	}
	return nil
}

func (s *LocalStore) Close() error { return nil }
