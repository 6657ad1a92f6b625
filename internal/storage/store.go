// Package storage persists remediation state as JSON documents on disk.
// Every record lives in a bucket directory under the store root and is
// written atomically so a crash never leaves a half-serialized file behind.
package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pipewright/pipewright/internal/apperrors"
	"github.com/pipewright/pipewright/internal/logger"
)

// Bucket names the subdirectory a record kind is stored in.
type Bucket string

const (
	BucketPlans     Bucket = "plans"
	BucketActions   Bucket = "actions"
	BucketResults   Bucket = "results"
	BucketWorkflows Bucket = "workflows"
	BucketApprovals Bucket = "approvals"
	BucketSnapshots Bucket = "snapshots"
	BucketRollbacks Bucket = "rollbacks"
)

const recordExt = ".json"

// Store is a file-backed document store. Records are keyed by id within a
// bucket and serialized as indented JSON for operator inspection.
type Store struct {
	root string
	mu   sync.RWMutex
	log  logger.Logger
}

// NewStore opens a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, apperrors.Input("empty_store_root", "storage root directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Runtime("store_init_failed", "unable to create storage root").WithCause(err)
	}
	return &Store{
		root: dir,
		log:  logger.New("storage"),
	}, nil
}

// Root returns the directory the store writes under.
func (s *Store) Root() string {
	return s.root
}

// Save serializes v and writes it to <root>/<bucket>/<id>.json atomically.
func (s *Store) Save(bucket Bucket, id string, v interface{}) error {
	if err := validateID(id); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperrors.Runtime("record_encode_failed", "unable to encode record").WithCause(err).
			WithDetail("bucket", string(bucket)).WithDetail("id", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := WriteFileAtomic(s.path(bucket, id), data, 0o644); err != nil {
		return apperrors.Runtime("record_write_failed", "unable to persist record").WithCause(err).
			WithDetail("bucket", string(bucket)).WithDetail("id", id)
	}
	return nil
}

// Load reads the record id from bucket into v.
func (s *Store) Load(bucket Bucket, id string, v interface{}) error {
	if err := validateID(id); err != nil {
		return err
	}

	s.mu.RLock()
	data, err := os.ReadFile(s.path(bucket, id))
	s.mu.RUnlock()
	if err != nil {
		if os.IsNotExist(err) {
			return apperrors.Resource("record_not_found", "record does not exist").
				WithDetail("bucket", string(bucket)).WithDetail("id", id)
		}
		return apperrors.Runtime("record_read_failed", "unable to read record").WithCause(err).
			WithDetail("bucket", string(bucket)).WithDetail("id", id)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.Runtime("record_decode_failed", "unable to decode record").WithCause(err).
			WithDetail("bucket", string(bucket)).WithDetail("id", id)
	}
	return nil
}

// Exists reports whether a record with the given id is present in bucket.
func (s *Store) Exists(bucket Bucket, id string) bool {
	if validateID(id) != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(s.path(bucket, id))
	return err == nil
}

// Delete removes a record. Deleting a missing record is a resource error.
func (s *Store) Delete(bucket Bucket, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(bucket, id)); err != nil {
		if os.IsNotExist(err) {
			return apperrors.Resource("record_not_found", "record does not exist").
				WithDetail("bucket", string(bucket)).WithDetail("id", id)
		}
		return apperrors.Runtime("record_delete_failed", "unable to delete record").WithCause(err).
			WithDetail("bucket", string(bucket)).WithDetail("id", id)
	}
	return nil
}

// List returns the ids stored in bucket, sorted lexically. A bucket that was
// never written to lists as empty.
func (s *Store) List(bucket Bucket) ([]string, error) {
	s.mu.RLock()
	entries, err := os.ReadDir(filepath.Join(s.root, string(bucket)))
	s.mu.RUnlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Runtime("bucket_list_failed", "unable to list bucket").WithCause(err).
			WithDetail("bucket", string(bucket))
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, recordExt))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) path(bucket Bucket, id string) string {
	return filepath.Join(s.root, string(bucket), id+recordExt)
}

// validateID rejects ids that would escape the bucket directory.
func validateID(id string) error {
	if id == "" {
		return apperrors.Input("empty_record_id", "record id is required")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return apperrors.Input("invalid_record_id", "record id must not contain path separators").
			WithDetail("id", id)
	}
	return nil
}

// WriteFileAtomic writes data to path by staging it in a temporary file in the
// same directory, syncing, and renaming over the target. Readers observe
// either the old content or the new content, never a partial write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	tmpName = ""
	return nil
}
