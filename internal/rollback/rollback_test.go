package rollback

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/internal/apperrors"
	"github.com/pipewright/pipewright/internal/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	svc, err := NewService(store, filepath.Join(t.TempDir(), "sandbox"))
	require.NoError(t, err)
	return svc
}

func TestValidateSnapshotPath(t *testing.T) {
	tests := []struct {
		name string
		path string
		code string
	}{
		{"valid relative", "config/app.yaml", ""},
		{"valid nested", "a/b/c.txt", ""},
		{"empty", "", "empty_snapshot_path"},
		{"absolute", "/etc/passwd", "absolute_snapshot_path"},
		{"traversal", "../outside.txt", "unsafe_snapshot_path"},
		{"embedded traversal", "a/../../outside.txt", "unsafe_snapshot_path"},
		{"windows style traversal", `a\..\..\outside.txt`, "unsafe_snapshot_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSnapshotPath(tt.path)
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, apperrors.IsKind(err, apperrors.KindInput))
			assert.Equal(t, tt.code, apperrors.CodeOf(err))
		})
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	snap, err := svc.CreateSnapshot(ctx, "wf-1", "act-1", "config/app.yaml",
		[]byte("replicas: 3\n"), map[string]interface{}{"note": "pre-change"})
	require.NoError(t, err)

	loaded, err := svc.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", loaded.WorkflowID)
	assert.Equal(t, "config/app.yaml", loaded.Path)
	assert.Equal(t, []byte("replicas: 3\n"), loaded.Content)
}

func TestCreateSnapshotRejectsUnsafePath(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CreateSnapshot(context.Background(), "wf-1", "act-1", "../escape", nil, nil)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInput))
}

func TestPerformRestoresContent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	original := []byte("replicas: 3\n")
	snap, err := svc.CreateSnapshot(ctx, "wf-1", "act-1", "config/app.yaml", original, nil)
	require.NoError(t, err)

	// Simulate the remediation having changed the file.
	target := svc.SandboxPath("wf-1", "config/app.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("replicas: 9\n"), 0o644))

	op, err := svc.CreateOperation(ctx, "wf-1", "act-1", snap.ID, TypePartial, nil)
	require.NoError(t, err)
	assert.Equal(t, OpPending, op.Status)

	performed, err := svc.Perform(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, OpCompleted, performed.Status)
	require.NotNil(t, performed.StartedAt)
	require.NotNil(t, performed.CompletedAt)

	restored, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestPerformTwiceIsStateError(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	snap, err := svc.CreateSnapshot(ctx, "wf-1", "act-1", "file.txt", []byte("v1"), nil)
	require.NoError(t, err)
	op, err := svc.CreateOperation(ctx, "wf-1", "act-1", snap.ID, TypePartial, nil)
	require.NoError(t, err)

	_, err = svc.Perform(ctx, op.ID)
	require.NoError(t, err)

	_, err = svc.Perform(ctx, op.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindState))
	assert.Equal(t, "rollback_not_pending", apperrors.CodeOf(err))
}

func TestVerify(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	snap, err := svc.CreateSnapshot(ctx, "wf-1", "act-1", "file.txt", []byte("v1"), nil)
	require.NoError(t, err)
	op, err := svc.CreateOperation(ctx, "wf-1", "act-1", snap.ID, TypePartial, nil)
	require.NoError(t, err)
	_, err = svc.Perform(ctx, op.ID)
	require.NoError(t, err)

	verified, err := svc.Verify(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, OpVerified, verified.Status)
	require.NotNil(t, verified.VerifiedAt)

	// Verification is idempotent.
	again, err := svc.Verify(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, OpVerified, again.Status)
}

func TestVerifyDetectsDrift(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	snap, err := svc.CreateSnapshot(ctx, "wf-1", "act-1", "file.txt", []byte("v1"), nil)
	require.NoError(t, err)
	op, err := svc.CreateOperation(ctx, "wf-1", "act-1", snap.ID, TypePartial, nil)
	require.NoError(t, err)
	_, err = svc.Perform(ctx, op.ID)
	require.NoError(t, err)

	// Someone touched the file after the restore.
	require.NoError(t, os.WriteFile(svc.SandboxPath("wf-1", "file.txt"), []byte("tampered"), 0o644))

	failed, err := svc.Verify(ctx, op.ID)
	require.Error(t, err)
	assert.Equal(t, "rollback_verify_failed", apperrors.CodeOf(err))
	assert.Equal(t, OpFailed, failed.Status)
}

func TestVerifyBeforePerformIsStateError(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	snap, err := svc.CreateSnapshot(ctx, "wf-1", "act-1", "file.txt", []byte("v1"), nil)
	require.NoError(t, err)
	op, err := svc.CreateOperation(ctx, "wf-1", "act-1", snap.ID, TypePartial, nil)
	require.NoError(t, err)

	_, err = svc.Verify(ctx, op.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindState))
}

func TestCreateOperationChecks(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	snap, err := svc.CreateSnapshot(ctx, "wf-1", "act-1", "file.txt", []byte("v1"), nil)
	require.NoError(t, err)

	_, err = svc.CreateOperation(ctx, "wf-1", "act-1", "no-such-snapshot", TypePartial, nil)
	assert.True(t, apperrors.IsKind(err, apperrors.KindResource))

	_, err = svc.CreateOperation(ctx, "other-workflow", "act-1", snap.ID, TypePartial, nil)
	assert.True(t, apperrors.IsKind(err, apperrors.KindState))

	_, err = svc.CreateOperation(ctx, "wf-1", "act-1", snap.ID, OperationType("sideways"), nil)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInput))
}

func TestRestoreRefusesSymlinkedDirectory(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	snap, err := svc.CreateSnapshot(ctx, "wf-1", "act-1", "linked/file.txt", []byte("v1"), nil)
	require.NoError(t, err)

	// Plant a symlink where the restore path expects a directory.
	outside := t.TempDir()
	base := filepath.Join(svc.sandboxRoot, "wf-1")
	require.NoError(t, os.MkdirAll(base, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(base, "linked")))

	op, err := svc.CreateOperation(ctx, "wf-1", "act-1", snap.ID, TypePartial, nil)
	require.NoError(t, err)

	failed, err := svc.Perform(ctx, op.ID)
	require.Error(t, err)
	assert.Equal(t, OpFailed, failed.Status)
	assert.Contains(t, failed.Error, "symlink")

	// Nothing escaped into the symlink target.
	entries, err := os.ReadDir(outside)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListSnapshotsFiltersByWorkflow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSnapshot(ctx, "wf-1", "a", "one.txt", []byte("1"), nil)
	require.NoError(t, err)
	_, err = svc.CreateSnapshot(ctx, "wf-1", "a", "two.txt", []byte("2"), nil)
	require.NoError(t, err)
	_, err = svc.CreateSnapshot(ctx, "wf-2", "b", "three.txt", []byte("3"), nil)
	require.NoError(t, err)

	snaps, err := svc.ListSnapshots(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}
