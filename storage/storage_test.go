package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"meetup-messager/pkg/outreach"

	"github.com/stretchr/testify/require"
)

func newLocalStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(nil, "", dir, logger), dir
}

func TestMissingBlobsYieldDefaults(t *testing.T) {
	s, _ := newLocalStore(t)
	ctx := context.Background()

	seen, err := s.LoadSeen(ctx, "mine")
	require.NoError(t, err)
	require.Equal(t, 0, seen.Len())

	pages, err := s.LoadPages(ctx)
	require.NoError(t, err)
	require.Empty(t, pages)

	idx, err := s.LoadTemplateIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, idx)
}

func TestSeenRoundTripKeepsOtherGroups(t *testing.T) {
	s, _ := newLocalStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSeen(ctx, "other", outreach.NewIDSet("x1")))
	require.NoError(t, s.SaveSeen(ctx, "mine", outreach.NewIDSet("b", "a")))

	mine, err := s.LoadSeen(ctx, "mine")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, mine.Sorted())

	other, err := s.LoadSeen(ctx, "other")
	require.NoError(t, err)
	require.Equal(t, []string{"x1"}, other.Sorted())
}

func TestAddSeen(t *testing.T) {
	s, _ := newLocalStore(t)
	ctx := context.Background()

	added, err := s.AddSeen(ctx, "mine", "42")
	require.NoError(t, err)
	require.True(t, added)

	added, err = s.AddSeen(ctx, "mine", "42")
	require.NoError(t, err)
	require.False(t, added)

	ids, err := s.LoadSeen(ctx, "mine")
	require.NoError(t, err)
	require.Equal(t, 1, ids.Len())
}

func TestPagesAndTemplateIndex(t *testing.T) {
	s, dir := newLocalStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePages(ctx, map[string]int{"foo": 3, "bar": 1}))
	pages, err := s.LoadPages(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"foo": 3, "bar": 1}, pages)

	require.NoError(t, s.SaveTemplateIndex(ctx, 7))
	idx, err := s.LoadTemplateIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, 7, idx)

	// No temp files left behind.
	_, err = os.Stat(filepath.Join(dir, LastPagesKey+".tmp"))
	require.True(t, os.IsNotExist(err))
}

func TestUnsupportedVersion(t *testing.T) {
	s, dir := newLocalStore(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, LastPagesKey), []byte(`{"version":2,"pages":{}}`), 0o600))

	_, err := s.LoadPages(ctx)
	var verErr *UnsupportedVersionError
	require.True(t, errors.As(err, &verErr))
	require.Equal(t, 2, verErr.Version)
}

func TestCorruptBlob(t *testing.T) {
	s, dir := newLocalStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, TemplateIndexKey), []byte(`not json`), 0o600))

	_, err := s.LoadTemplateIndex(context.Background())
	require.Error(t, err)
	require.False(t, IsNotFound(err))
}
