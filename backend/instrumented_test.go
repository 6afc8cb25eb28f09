package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestInstrumented(t *testing.T) *InstrumentedBackend {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return NewInstrumentedBackend(fs, "filesystem")
}

func TestInstrumentedBackend_CreateOpen(t *testing.T) {
	ib := newTestInstrumented(t)
	ctx := context.Background()

	content := "hello, instrumented backend"
	require.NoError(t, ib.Create(ctx, "test/key", strings.NewReader(content)))

	rc, err := ib.Open(ctx, "test/key")
	require.NoError(t, err)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, content, string(got))
	require.NoError(t, rc.Close())
}

func TestInstrumentedBackend_CreateConflict(t *testing.T) {
	ib := newTestInstrumented(t)
	ctx := context.Background()

	require.NoError(t, ib.Create(ctx, "dup/key", strings.NewReader("one")))
	err := ib.Create(ctx, "dup/key", strings.NewReader("two"))
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestInstrumentedBackend_Open_NotFound(t *testing.T) {
	ib := newTestInstrumented(t)

	_, err := ib.Open(context.Background(), "nonexistent/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedBackend_ExistsDelete(t *testing.T) {
	ib := newTestInstrumented(t)
	ctx := context.Background()

	exists, err := ib.Exists(ctx, "del/key")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, ib.Create(ctx, "del/key", strings.NewReader("bye")))
	exists, err = ib.Exists(ctx, "del/key")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, ib.Delete(ctx, "del/key"))
	exists, err = ib.Exists(ctx, "del/key")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestInstrumentedBackend_StatList(t *testing.T) {
	ib := newTestInstrumented(t)
	ctx := context.Background()

	require.NoError(t, ib.Create(ctx, "list/a", strings.NewReader("a")))
	require.NoError(t, ib.Create(ctx, "list/b", strings.NewReader("bbb")))

	info, err := ib.Stat(ctx, "list/b")
	require.NoError(t, err)
	require.Equal(t, int64(3), info.Size)

	keys, err := ib.List(ctx, "list/")
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "not_found", outcomeFromError(fmt.Errorf("wrap: %w", ErrNotFound)))
	require.Equal(t, "conflict", outcomeFromError(ErrAlreadyExists))
	require.Equal(t, "error", outcomeFromError(errors.New("some other error")))
}
