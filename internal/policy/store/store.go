// Package store keeps the policy catalogue on disk, one YAML document per
// policy, with an archive of every superseded version and a change-request
// workflow for controlled edits.
package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/pipewright/pipewright/internal/apperrors"
	"github.com/pipewright/pipewright/internal/logger"
	"github.com/pipewright/pipewright/internal/policy"
	"github.com/pipewright/pipewright/internal/storage"
)

const policyExt = ".yaml"

// Store is the policy catalogue. The on-disk files are the authority; the
// in-memory map is a cache rebuilt on open and kept current by mutations
// and, when watching, by filesystem events.
type Store struct {
	dir        string
	archiveDir string

	mu       sync.RWMutex
	policies map[string]*policy.Policy

	crMu           sync.Mutex
	changeRequests map[string]*ChangeRequest
	applyLocks     map[string]*sync.Mutex

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	done     chan struct{}

	log logger.Logger
}

// Open loads every policy document under dir into a new store. Documents
// that fail to parse are logged and skipped so one bad file does not take
// the catalogue down.
func Open(dir, archiveDir string) (*Store, error) {
	if dir == "" {
		return nil, apperrors.Input("empty_policy_dir", "policy directory is required")
	}
	if archiveDir == "" {
		archiveDir = filepath.Join(dir, "archive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Runtime("policy_dir_init_failed", "unable to create policy directory").WithCause(err)
	}
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return nil, apperrors.Runtime("archive_dir_init_failed", "unable to create policy archive directory").WithCause(err)
	}

	s := &Store{
		dir:            dir,
		archiveDir:     archiveDir,
		policies:       make(map[string]*policy.Policy),
		changeRequests: make(map[string]*ChangeRequest),
		applyLocks:     make(map[string]*sync.Mutex),
		done:           make(chan struct{}),
		log:            logger.New("policy-store"),
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	s.loadChangeRequests()
	return s, nil
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return apperrors.Runtime("policy_dir_read_failed", "unable to read policy directory").WithCause(err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, policyExt) {
			continue
		}
		if err := s.loadFile(filepath.Join(s.dir, name)); err != nil {
			s.log.Warn("skipping unreadable policy document",
				logger.String("file", name),
				logger.Error(err))
		}
	}
	s.log.Info("policy catalogue loaded", logger.Int("policies", len(s.policies)))
	return nil
}

func (s *Store) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	p, err := policy.Parse(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.policies[p.ID] = p
	s.mu.Unlock()
	return nil
}

// List returns every policy sorted by id.
func (s *Store) List() []*policy.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*policy.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Active returns the policies currently enforced, sorted by id.
func (s *Store) Active() []*policy.Policy {
	all := s.List()
	out := all[:0]
	for _, p := range all {
		if p.Status == policy.StatusActive {
			out = append(out, p)
		}
	}
	return out
}

// Get returns one policy by id.
func (s *Store) Get(id string) (*policy.Policy, error) {
	s.mu.RLock()
	p, ok := s.policies[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperrors.Resource("policy_not_found", "no such policy").WithDetail("policy_id", id)
	}
	return p.Clone(), nil
}

// Create validates and persists a new policy. Duplicate ids are rejected.
func (s *Store) Create(p *policy.Policy) (*policy.Policy, error) {
	cp := p.Clone()
	policy.Normalize(cp)
	if err := policy.Validate(cp); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.policies[cp.ID]; exists {
		return nil, apperrors.State("policy_exists", "a policy with this id already exists").
			WithDetail("policy_id", cp.ID)
	}

	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if err := s.writePolicy(cp); err != nil {
		return nil, err
	}
	s.policies[cp.ID] = cp
	s.log.Info("policy created", logger.String("policy_id", cp.ID), logger.String("version", cp.Version))
	return cp.Clone(), nil
}

// Update archives the current version and persists the replacement with a
// patch bump. The id is immutable.
func (s *Store) Update(id string, p *policy.Policy) (*policy.Policy, error) {
	cp := p.Clone()
	cp.ID = id
	policy.Normalize(cp)
	if err := policy.Validate(cp); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.policies[id]
	if !ok {
		return nil, apperrors.Resource("policy_not_found", "no such policy").WithDetail("policy_id", id)
	}

	if _, err := s.archivePolicy(current); err != nil {
		return nil, err
	}

	cp.Version = bumpPatch(current.Version)
	cp.CreatedAt = current.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	if err := s.writePolicy(cp); err != nil {
		return nil, err
	}
	s.policies[id] = cp
	s.log.Info("policy updated",
		logger.String("policy_id", id),
		logger.String("version", cp.Version))
	return cp.Clone(), nil
}

// Delete archives the current version and removes the live document.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.policies[id]
	if !ok {
		return apperrors.Resource("policy_not_found", "no such policy").WithDetail("policy_id", id)
	}

	if _, err := s.archivePolicy(current); err != nil {
		return err
	}
	if err := os.Remove(s.policyPath(id)); err != nil && !os.IsNotExist(err) {
		return apperrors.Runtime("policy_delete_failed", "unable to remove policy document").
			WithCause(err).WithDetail("policy_id", id)
	}
	delete(s.policies, id)
	s.log.Info("policy deleted", logger.String("policy_id", id))
	return nil
}

func (s *Store) writePolicy(p *policy.Policy) error {
	data, err := policy.MarshalPolicy(p)
	if err != nil {
		return err
	}
	if err := storage.WriteFileAtomic(s.policyPath(p.ID), data, 0o644); err != nil {
		return apperrors.Runtime("policy_write_failed", "unable to persist policy document").
			WithCause(err).WithDetail("policy_id", p.ID)
	}
	return nil
}

func (s *Store) policyPath(id string) string {
	return filepath.Join(s.dir, id+policyExt)
}

// Watch starts observing the policy directory and reloads documents edited
// outside the store. Call Stop to release the watcher.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return apperrors.Runtime("policy_watch_failed", "unable to watch policy directory").WithCause(err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return apperrors.Runtime("policy_watch_failed", "unable to watch policy directory").WithCause(err)
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				s.handleEvent(event)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn("policy watcher error", logger.Error(err))
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

func (s *Store) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, policyExt) {
		return
	}
	switch {
	case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
		if err := s.loadFile(event.Name); err != nil {
			s.log.Warn("ignored invalid policy edit",
				logger.String("file", filepath.Base(event.Name)),
				logger.Error(err))
			return
		}
		s.log.Info("policy reloaded", logger.String("file", filepath.Base(event.Name)))
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		id := strings.TrimSuffix(filepath.Base(event.Name), policyExt)
		s.mu.Lock()
		delete(s.policies, id)
		s.mu.Unlock()
		s.log.Info("policy unloaded", logger.String("policy_id", id))
	}
}

// Stop releases the directory watcher, if one was started.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			s.watcher.Close()
		}
	})
}

func unifiedDiff(fromName, fromText, toName, toText string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(fromText),
		B:        difflib.SplitLines(toText),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", apperrors.Runtime("diff_failed", "unable to compute version diff").WithCause(err)
	}
	return text, nil
}
