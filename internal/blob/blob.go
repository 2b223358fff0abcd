// SPDX-License-Identifier: MIT

// Package blob implements the content-addressed artifact store: a flat
// directory of files keyed {job_id}.{suffix}. Keys never collide because job
// identifiers are unique, so overwrites only ever replace a previous attempt
// at the same artifact.
package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/openscribe/scribed/internal/log"
	"github.com/openscribe/scribed/internal/model"
)

// Suffixes of the closed keyspace. Audio keys carry the original container
// extension behind the "audio." prefix.
const (
	SuffixText     = "txt.gz"
	SuffixSegments = "segments.json.gz"
	audioPrefix    = "audio."
)

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+\.[a-zA-Z0-9.]+$`)

// AudioKey builds the blob key for a job's uploaded audio.
func AudioKey(jobID, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "bin"
	}
	return jobID + "." + audioPrefix + ext
}

// TextKey builds the blob key for a job's gzip text artifact.
func TextKey(jobID string) string { return jobID + "." + SuffixText }

// SegmentsKey builds the blob key for a job's gzip segments artifact.
func SegmentsKey(jobID string) string { return jobID + "." + SuffixSegments }

// ValidKey reports whether key belongs to the closed keyspace and cannot
// escape the store root.
func ValidKey(key string) bool {
	if !keyPattern.MatchString(key) {
		return false
	}
	if strings.Contains(key, "..") || strings.ContainsAny(key, "/\\") {
		return false
	}
	i := strings.IndexByte(key, '.')
	id, suffix := key[:i], key[i+1:]
	if !model.IsSafeJobID(id) {
		return false
	}
	return suffix == SuffixText || suffix == SuffixSegments ||
		(strings.HasPrefix(suffix, audioPrefix) && len(suffix) > len(audioPrefix))
}

// Store is a flat filesystem blob store.
type Store struct {
	root string
}

// NewStore opens (and creates if needed) the store root directory.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("blob: store root required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, model.NewReasonError(model.RIO, "create blob root", err)
	}
	return &Store{root: root}, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

func (s *Store) path(key string) (string, error) {
	if !ValidKey(key) {
		return "", model.NewReasonError(model.RNotFound, fmt.Sprintf("invalid blob key %q", key), nil)
	}
	return filepath.Join(s.root, key), nil
}

// PutStream writes the reader's bytes under key. The write is atomic and
// durable: renameio stages a temp file, fsyncs, then renames over the final
// path. A failed write leaves no partial file behind.
func (s *Store) PutStream(key string, r io.Reader) (retErr error) {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	pending, err := renameio.NewPendingFile(p)
	if err != nil {
		return model.NewReasonError(model.RIO, "stage blob write", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil && retErr == nil {
			l := log.WithComponent("blob")
			l.Debug().Err(err).Str("key", key).Msg("cleanup pending blob")
		}
	}()

	if _, err := io.Copy(pending, r); err != nil {
		return model.NewReasonError(model.RIO, "write blob", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return model.NewReasonError(model.RIO, "commit blob", err)
	}
	return nil
}

// GetStream opens the blob for reading. The caller closes the reader.
func (s *Store) GetStream(key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p) // #nosec G304 - path confined by ValidKey
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, model.NewReasonError(model.RNotFound, fmt.Sprintf("blob %s", key), err)
		}
		return nil, model.NewReasonError(model.RIO, "open blob", err)
	}
	return f, nil
}

// Exists reports whether the key is present.
func (s *Store) Exists(key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, model.NewReasonError(model.RIO, "stat blob", err)
	}
	return true, nil
}

// Size returns the byte size of the blob, or NotFound.
func (s *Store) Size(key string) (int64, error) {
	p, err := s.path(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, model.NewReasonError(model.RNotFound, fmt.Sprintf("blob %s", key), err)
		}
		return 0, model.NewReasonError(model.RIO, "stat blob", err)
	}
	return info.Size(), nil
}

// Delete removes the blob. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return model.NewReasonError(model.RIO, "delete blob", err)
	}
	return nil
}

// ListForJob returns the keys currently stored for a job id.
func (s *Store) ListForJob(jobID string) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, model.NewReasonError(model.RIO, "list blob root", err)
	}
	var keys []string
	prefix := jobID + "."
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasPrefix(e.Name(), prefix) && ValidKey(e.Name()) {
			keys = append(keys, e.Name())
		}
	}
	return keys, nil
}
