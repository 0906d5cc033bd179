package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMarker(t *testing.T) {
	m := ParseMarker("b1 php\nb1 apache2 RESTART\n\nb2 mailman\n")
	require.Len(t, m.Entries, 3)
	assert.Equal(t, MarkerEntry{Batch: "b1", Backend: "apache2", Restart: true}, m.Entries[1])
	assert.Equal(t, []string{"php", "mailman"}, m.Pending())
	assert.True(t, m.RestartRequested())
	assert.Equal(t, []string{"b1", "b2"}, m.Batches())
	assert.Equal(t, "b1 php\nb1 apache2 RESTART\nb2 mailman\n", m.String())

	// Entries without a batch still parse.
	m = ParseMarker("php\napache2 RESTART\n")
	assert.Equal(t, []MarkerEntry{{Backend: "php"}, {Backend: "apache2", Restart: true}}, m.Entries)

	assert.False(t, ParseMarker("").RestartRequested())
}

type participant struct {
	backend string
	flag    string
}

func runLiteral(t *testing.T, text string) *ScriptResult {
	t.Helper()
	s := NewScript()
	s.Append(text)
	unit := &Unit{Backend: "test", Host: "local", Phase: PhaseCommit, Script: s}
	return NewScriptExecutor().Execute(context.Background(), NewLocalShell(), unit)
}

func setupParticipants(t *testing.T, svc *SharedService, names ...string) []participant {
	t.Helper()
	batch := &Batch{ID: "b1", Host: "local", StateDir: svc.Dir}
	var out []participant
	for _, name := range names {
		p := participant{backend: name, flag: batch.Flag(name, "reload")}
		stmt, err := svc.PrepareStatement(p.backend, p.flag)
		require.NoError(t, err)
		res := runLiteral(t, stmt)
		require.NoError(t, res.Err, res.Stderr)
		out = append(out, p)
	}
	return out
}

func commit(t *testing.T, svc *SharedService, p participant, action string) *ScriptResult {
	t.Helper()
	stmt, err := svc.CommitStatement(p.backend, p.flag, action)
	require.NoError(t, err)
	return runLiteral(t, stmt)
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return len(strings.Split(strings.TrimSpace(string(data)), "\n"))
}

func TestSharedServiceFiresOnceAtLastParticipant(t *testing.T) {
	requireBash(t)

	dir := t.TempDir()
	svc := NewSharedService("apache2", dir, "b1")
	counter := filepath.Join(dir, "reloads")
	action := "echo reload >> " + ShellQuote(counter)

	ps := setupParticipants(t, svc, "php", "apache2", "wordpress")
	data, err := os.ReadFile(svc.MarkerPath())
	require.NoError(t, err)
	assert.Equal(t, []string{"php", "apache2", "wordpress"}, ParseMarker(string(data)).Pending())

	// Only the first participant changed something.
	require.NoError(t, os.WriteFile(ps[0].flag, nil, 0o644))

	res := commit(t, svc, ps[0], action)
	require.NoError(t, res.Err, res.Stderr)
	assert.Empty(t, res.Signals)
	data, err = os.ReadFile(svc.MarkerPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "b1 php RESTART")

	res = commit(t, svc, ps[1], action)
	require.NoError(t, res.Err, res.Stderr)
	assert.Empty(t, res.Signals)
	assert.Equal(t, 0, countLines(t, counter))

	res = commit(t, svc, ps[2], action)
	require.NoError(t, res.Err, res.Stderr)
	assert.Equal(t, []string{"shared:apache2"}, res.Signals)
	assert.Equal(t, 1, countLines(t, counter))

	assert.NoFileExists(t, svc.MarkerPath())
	assert.NoDirExists(t, svc.MarkerPath()+".lock")
	assert.NoFileExists(t, ps[0].flag)
}

func TestSharedServiceSkipsWhenNothingChanged(t *testing.T) {
	requireBash(t)

	dir := t.TempDir()
	svc := NewSharedService("postfix", dir, "b1")
	counter := filepath.Join(dir, "reloads")

	ps := setupParticipants(t, svc, "mailman", "mailman-virtualdomain")
	for _, p := range ps {
		res := commit(t, svc, p, "echo reload >> "+ShellQuote(counter))
		require.NoError(t, res.Err, res.Stderr)
		assert.Empty(t, res.Signals)
	}
	assert.Equal(t, 0, countLines(t, counter))
	assert.NoFileExists(t, svc.MarkerPath())
}

func TestSharedServiceConcurrentCommitsFireOnce(t *testing.T) {
	requireBash(t)

	dir := t.TempDir()
	svc := NewSharedService("apache2", dir, "b1")
	svc.Retries = 200
	svc.Backoff = 10 * time.Millisecond
	counter := filepath.Join(dir, "reloads")
	action := "echo reload >> " + ShellQuote(counter)

	ps := setupParticipants(t, svc, "a", "b", "c", "d", "e")
	for _, p := range ps {
		require.NoError(t, os.WriteFile(p.flag, nil, 0o644))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		signals int
	)
	for _, p := range ps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stmt, err := svc.CommitStatement(p.backend, p.flag, action)
			if !assert.NoError(t, err) {
				return
			}
			s := NewScript()
			s.Append(stmt)
			res := NewScriptExecutor().Execute(context.Background(), NewLocalShell(), &Unit{Backend: p.backend, Script: s})
			assert.NoError(t, res.Err, res.Stderr)
			mu.Lock()
			signals += len(res.Signals)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, signals)
	assert.Equal(t, 1, countLines(t, counter))
}

func TestSharedServiceLockBusy(t *testing.T) {
	requireBash(t)

	dir := t.TempDir()
	svc := NewSharedService("apache2", dir, "b1")
	svc.Backoff = time.Millisecond
	require.NoError(t, os.Mkdir(svc.MarkerPath()+".lock", 0o755))

	stmt, err := svc.PrepareStatement("php", filepath.Join(dir, "flag"))
	require.NoError(t, err)

	res := runLiteral(t, stmt)
	require.Error(t, res.Err)
	assert.True(t, IsContention(res.Err))
	assert.Contains(t, res.Stderr, "is busy")
}

// A batch that died between prepare and commit leaves entries behind. The
// next batch takes them over, reports them and still fires the action.
func TestSharedServiceTakesOverLeftoverEntries(t *testing.T) {
	requireBash(t)

	dir := t.TempDir()
	svc := NewSharedService("apache2", dir, "b2")
	counter := filepath.Join(dir, "reloads")
	require.NoError(t, os.WriteFile(svc.MarkerPath(), []byte("b1 php\nb1 apache2 RESTART\n"), 0o644))

	p := participant{backend: "apache2", flag: filepath.Join(dir, "apache2.flag")}
	stmt, err := svc.PrepareStatement(p.backend, p.flag)
	require.NoError(t, err)
	res := runLiteral(t, stmt)
	require.NoError(t, res.Err, res.Stderr)
	assert.Equal(t, []string{"stale:apache2:php", "stale:apache2:apache2"}, res.Signals)

	data, err := os.ReadFile(svc.MarkerPath())
	require.NoError(t, err)
	assert.Equal(t, "b2 php RESTART\nb2 apache2 RESTART\nb2 apache2\n", string(data))

	res = commit(t, svc, p, "echo reload >> "+ShellQuote(counter))
	require.NoError(t, res.Err, res.Stderr)
	assert.Equal(t, []string{"shared:apache2"}, res.Signals)
	assert.Equal(t, 1, countLines(t, counter))
	assert.NoFileExists(t, svc.MarkerPath())
}
