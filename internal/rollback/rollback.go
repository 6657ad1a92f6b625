// Package rollback snapshots files before remediation touches them and
// restores the snapshots when a change has to be backed out. All restores
// happen inside a per-workflow sandbox; snapshot paths are validated so a
// hostile path can never write outside it.
package rollback

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pipewright/pipewright/internal/apperrors"
	"github.com/pipewright/pipewright/internal/logger"
	"github.com/pipewright/pipewright/internal/storage"
)

// OperationType is the scope of a rollback.
type OperationType string

const (
	// TypeFull restores every snapshot of the workflow.
	TypeFull OperationType = "full"
	// TypePartial restores one snapshot.
	TypePartial OperationType = "partial"
)

// OperationStatus is the lifecycle state of a rollback operation.
type OperationStatus string

const (
	OpPending   OperationStatus = "pending"
	OpRunning   OperationStatus = "running"
	OpCompleted OperationStatus = "completed"
	OpFailed    OperationStatus = "failed"
	OpVerified  OperationStatus = "verified"
)

// Snapshot preserves one file's content before a remediation step mutates
// it. Content is opaque bytes; JSON encodes it as base64.
type Snapshot struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	ActionID   string                 `json:"action_id"`
	Path       string                 `json:"path"`
	Content    []byte                 `json:"content"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Operation is one rollback attempt against a snapshot.
type Operation struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	ActionID    string                 `json:"action_id"`
	SnapshotID  string                 `json:"snapshot_id"`
	Type        OperationType          `json:"type"`
	Status      OperationStatus        `json:"status"`
	Error       string                 `json:"error,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	VerifiedAt  *time.Time             `json:"verified_at,omitempty"`
}

// Service manages snapshots and rollback operations.
type Service struct {
	store       *storage.Store
	sandboxRoot string
	log         logger.Logger
}

// NewService restores files under sandboxRoot/<workflow-id>/.
func NewService(store *storage.Store, sandboxRoot string) (*Service, error) {
	if sandboxRoot == "" {
		return nil, apperrors.Input("empty_sandbox_root", "rollback sandbox root is required")
	}
	if err := os.MkdirAll(sandboxRoot, 0o755); err != nil {
		return nil, apperrors.Runtime("sandbox_init_failed", "unable to create rollback sandbox").WithCause(err)
	}
	return &Service{
		store:       store,
		sandboxRoot: sandboxRoot,
		log:         logger.New("rollback"),
	}, nil
}

// ValidateSnapshotPath rejects paths that could escape the sandbox: absolute
// paths, volume-qualified paths, and any path containing a ".." segment.
func ValidateSnapshotPath(path string) error {
	if path == "" {
		return apperrors.Input("empty_snapshot_path", "snapshot path is required")
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") || strings.HasPrefix(path, `\`) {
		return apperrors.Input("absolute_snapshot_path", "snapshot path must be relative").
			WithDetail("path", path)
	}
	if filepath.VolumeName(path) != "" {
		return apperrors.Input("absolute_snapshot_path", "snapshot path must not name a volume").
			WithDetail("path", path)
	}
	for _, segment := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if segment == ".." {
			return apperrors.Input("unsafe_snapshot_path", "snapshot path must not contain ..").
				WithDetail("path", path)
		}
	}
	return nil
}

// CreateSnapshot records the pre-change content of a file.
func (s *Service) CreateSnapshot(ctx context.Context, workflowID, actionID, path string, content []byte, metadata map[string]interface{}) (*Snapshot, error) {
	if workflowID == "" {
		return nil, apperrors.Input("empty_workflow_id", "snapshot requires a workflow id")
	}
	if err := ValidateSnapshotPath(path); err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		ActionID:   actionID,
		Path:       filepath.ToSlash(path),
		Content:    append([]byte(nil), content...),
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.Save(storage.BucketSnapshots, snapshot.ID, snapshot); err != nil {
		return nil, err
	}
	s.log.Debug("snapshot created",
		logger.String("snapshot_id", snapshot.ID),
		logger.String("workflow_id", workflowID),
		logger.String("path", snapshot.Path))
	return snapshot, nil
}

// GetSnapshot loads one snapshot by id.
func (s *Service) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	var snapshot Snapshot
	if err := s.store.Load(storage.BucketSnapshots, id, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// CreateOperation registers a rollback against an existing snapshot. The
// snapshot must belong to the same workflow.
func (s *Service) CreateOperation(ctx context.Context, workflowID, actionID, snapshotID string, opType OperationType, metadata map[string]interface{}) (*Operation, error) {
	if opType != TypeFull && opType != TypePartial {
		return nil, apperrors.Input("invalid_rollback_type", "rollback type must be full or partial")
	}
	snapshot, err := s.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if snapshot.WorkflowID != workflowID {
		return nil, apperrors.State("snapshot_workflow_mismatch", "snapshot belongs to a different workflow").
			WithDetail("snapshot_id", snapshotID).
			WithDetail("workflow_id", workflowID)
	}

	now := time.Now().UTC()
	op := &Operation{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		ActionID:   actionID,
		SnapshotID: snapshotID,
		Type:       opType,
		Status:     OpPending,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Save(storage.BucketRollbacks, op.ID, op); err != nil {
		return nil, err
	}
	s.log.Info("rollback operation created",
		logger.String("rollback_id", op.ID),
		logger.String("workflow_id", workflowID),
		logger.String("type", string(opType)))
	return op, nil
}

// GetOperation loads one rollback operation by id.
func (s *Service) GetOperation(ctx context.Context, id string) (*Operation, error) {
	var op Operation
	if err := s.store.Load(storage.BucketRollbacks, id, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// Perform executes a pending rollback: the snapshot content is restored
// atomically into the workflow sandbox. Any failure marks the operation
// failed with the error preserved.
func (s *Service) Perform(ctx context.Context, opID string) (*Operation, error) {
	op, err := s.GetOperation(ctx, opID)
	if err != nil {
		return nil, err
	}
	if op.Status != OpPending {
		return nil, apperrors.State("rollback_not_pending", "only pending rollback operations can be performed").
			WithDetail("rollback_id", opID).
			WithDetail("status", string(op.Status))
	}

	now := time.Now().UTC()
	op.Status = OpRunning
	op.StartedAt = &now
	op.UpdatedAt = now
	if err := s.store.Save(storage.BucketRollbacks, op.ID, op); err != nil {
		return nil, err
	}

	if err := s.restore(ctx, op); err != nil {
		finished := time.Now().UTC()
		op.Status = OpFailed
		op.Error = err.Error()
		op.UpdatedAt = finished
		if saveErr := s.store.Save(storage.BucketRollbacks, op.ID, op); saveErr != nil {
			return nil, saveErr
		}
		s.log.Error("rollback failed",
			logger.String("rollback_id", op.ID),
			logger.Error(err))
		return op, err
	}

	finished := time.Now().UTC()
	op.Status = OpCompleted
	op.CompletedAt = &finished
	op.UpdatedAt = finished
	if err := s.store.Save(storage.BucketRollbacks, op.ID, op); err != nil {
		return nil, err
	}
	s.log.Info("rollback completed", logger.String("rollback_id", op.ID))
	return op, nil
}

func (s *Service) restore(ctx context.Context, op *Operation) error {
	snapshot, err := s.GetSnapshot(ctx, op.SnapshotID)
	if err != nil {
		return err
	}
	target, err := s.resolveTarget(snapshot)
	if err != nil {
		return err
	}
	if err := storage.WriteFileAtomic(target, snapshot.Content, 0o644); err != nil {
		return apperrors.Runtime("restore_failed", "unable to restore snapshot content").
			WithCause(err).WithDetail("snapshot_id", snapshot.ID)
	}
	return nil
}

// resolveTarget maps a snapshot path into the workflow sandbox and refuses
// to traverse symlinked directories or replace a symlinked file.
func (s *Service) resolveTarget(snapshot *Snapshot) (string, error) {
	if err := ValidateSnapshotPath(snapshot.Path); err != nil {
		return "", err
	}

	base := filepath.Join(s.sandboxRoot, snapshot.WorkflowID)
	target := filepath.Join(base, filepath.FromSlash(snapshot.Path))

	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperrors.Input("unsafe_snapshot_path", "snapshot path escapes the workflow sandbox").
			WithDetail("path", snapshot.Path)
	}

	current := base
	segments := strings.Split(rel, string(filepath.Separator))
	for _, segment := range segments {
		current = filepath.Join(current, segment)
		info, err := os.Lstat(current)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return "", apperrors.Runtime("restore_stat_failed", "unable to inspect restore path").WithCause(err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return "", apperrors.Input("symlinked_snapshot_path", "snapshot path crosses a symlink").
				WithDetail("path", snapshot.Path)
		}
	}
	return target, nil
}

// Verify re-reads the restored file and compares it byte for byte with the
// snapshot. Verification is idempotent: re-verifying a verified operation
// succeeds without touching anything.
func (s *Service) Verify(ctx context.Context, opID string) (*Operation, error) {
	op, err := s.GetOperation(ctx, opID)
	if err != nil {
		return nil, err
	}
	if op.Status == OpVerified {
		return op, nil
	}
	if op.Status != OpCompleted {
		return nil, apperrors.State("rollback_not_completed", "only completed rollback operations can be verified").
			WithDetail("rollback_id", opID).
			WithDetail("status", string(op.Status))
	}

	snapshot, err := s.GetSnapshot(ctx, op.SnapshotID)
	if err != nil {
		return nil, err
	}
	target, err := s.resolveTarget(snapshot)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(target)
	if err != nil {
		return nil, apperrors.Runtime("verify_read_failed", "unable to read restored file").
			WithCause(err).WithDetail("rollback_id", opID)
	}

	now := time.Now().UTC()
	if !bytes.Equal(content, snapshot.Content) {
		op.Status = OpFailed
		op.Error = "restored content does not match snapshot"
		op.UpdatedAt = now
		if saveErr := s.store.Save(storage.BucketRollbacks, op.ID, op); saveErr != nil {
			return nil, saveErr
		}
		return op, apperrors.Runtime("rollback_verify_failed", "restored content does not match snapshot").
			WithDetail("rollback_id", opID)
	}

	op.Status = OpVerified
	op.VerifiedAt = &now
	op.UpdatedAt = now
	if err := s.store.Save(storage.BucketRollbacks, op.ID, op); err != nil {
		return nil, err
	}
	s.log.Info("rollback verified", logger.String("rollback_id", op.ID))
	return op, nil
}

// SandboxPath returns where a snapshot restores to, mainly for tests and
// operator tooling.
func (s *Service) SandboxPath(workflowID, path string) string {
	return filepath.Join(s.sandboxRoot, workflowID, filepath.FromSlash(path))
}

// ListSnapshots returns the snapshot ids recorded for a workflow.
func (s *Service) ListSnapshots(ctx context.Context, workflowID string) ([]*Snapshot, error) {
	ids, err := s.store.List(storage.BucketSnapshots)
	if err != nil {
		return nil, err
	}
	var out []*Snapshot
	for _, id := range ids {
		snapshot, err := s.GetSnapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		if snapshot.WorkflowID == workflowID {
			out = append(out, snapshot)
		}
	}
	return out, nil
}
