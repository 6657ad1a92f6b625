package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := Input("invalid_condition", "condition leaf requires a value")
	assert.Equal(t, "invalid_condition: condition leaf requires a value", err.Error())

	wrapped := State("request_not_pending", "approval request already decided").
		WithCause(errors.New("status=approved"))
	assert.Contains(t, wrapped.Error(), "request_not_pending")
	assert.Contains(t, wrapped.Error(), "status=approved")
}

func TestKindHelpers(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		kind Kind
	}{
		{"input", Input("bad_document", "bad"), KindInput},
		{"resource", Resource("file_missing", "missing"), KindResource},
		{"state", State("workflow_not_found", "gone"), KindState},
		{"runtime", Runtime("step_panic", "boom"), KindRuntime},
		{"timeout", Timeout("step_timeout", "late"), KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, IsKind(tt.err, tt.kind))
			assert.Equal(t, tt.kind, KindOf(tt.err))
		})
	}
}

func TestCodeOfWrappedError(t *testing.T) {
	inner := Resource("snapshot_missing", "snapshot not on disk")
	outer := fmt.Errorf("perform rollback: %w", inner)

	assert.Equal(t, "snapshot_missing", CodeOf(outer))
	assert.True(t, IsKind(outer, KindResource))
}

func TestUnstructuredErrorDefaults(t *testing.T) {
	err := errors.New("plain")
	assert.Equal(t, "", CodeOf(err))
	assert.Equal(t, KindRuntime, KindOf(err))
	assert.False(t, IsKind(err, KindInput))
}

func TestWithDetail(t *testing.T) {
	err := Input("path_traversal", "path escapes sandbox").
		WithDetail("path", "../etc/passwd")
	assert.Equal(t, "../etc/passwd", err.Details["path"])
}
