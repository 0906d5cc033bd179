package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalMarkers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := LocalMarkers{}

	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	write(MarkerPrefix+"apache2", "b7 php\nb7 mailman RESTART\n")
	write(MarkerPrefix+"postfix", "")
	write("apache2.conf", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, MarkerPrefix+"postfix.lock"), 0o755))
	// A lock without a record still shows up.
	require.NoError(t, os.Mkdir(filepath.Join(dir, MarkerPrefix+"dovecot.lock"), 0o755))

	markers, err := store.ListMarkers(ctx, dir)
	require.NoError(t, err)
	require.Len(t, markers, 3)

	assert.Equal(t, "apache2", markers[0].Service)
	assert.False(t, markers[0].Locked)
	assert.Equal(t, []string{"php"}, markers[0].Set.Pending())
	assert.True(t, markers[0].Set.RestartRequested())
	assert.Equal(t, []string{"b7"}, markers[0].Set.Batches())
	assert.False(t, markers[0].Modified.IsZero())

	assert.Equal(t, "dovecot", markers[1].Service)
	assert.True(t, markers[1].Locked)
	assert.Empty(t, markers[1].Set.Entries)

	assert.Equal(t, "postfix", markers[2].Service)
	assert.True(t, markers[2].Locked)
	assert.Equal(t, filepath.Join(dir, MarkerPrefix+"postfix"), markers[2].Path)

	require.NoError(t, store.ClearMarker(ctx, dir, "postfix"))
	require.NoError(t, store.ClearMarker(ctx, dir, "postfix"))
	markers, err = store.ListMarkers(ctx, dir)
	require.NoError(t, err)
	assert.Len(t, markers, 2)
}

func TestLocalMarkersMissingDir(t *testing.T) {
	markers, err := LocalMarkers{}.ListMarkers(context.Background(), filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, markers)
}

func TestMarkerPathMatchesStore(t *testing.T) {
	dir := t.TempDir()
	svc := &SharedService{Name: "apache2", Dir: dir}
	require.NoError(t, os.WriteFile(svc.MarkerPath(), []byte("b1 php\n"), 0o644))

	markers, err := LocalMarkers{}.ListMarkers(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, "apache2", markers[0].Service)
	assert.Equal(t, []string{"php"}, markers[0].Set.Pending())
}
