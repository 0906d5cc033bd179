package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// readers parse a policy file by extension.
var readers = map[string]func(path string, data []byte) (*Policy, error){
	".rego": readRego,
	".json": readJSON,
}

func isPolicyFile(path string) bool {
	_, ok := readers[filepath.Ext(path)]
	return ok
}

// Loader reads user policies from files and directories and hot-reloads
// them when they change.
type Loader struct {
	logger  zerolog.Logger
	mu      sync.Mutex
	parsed  map[string]*Policy
	watcher *fsnotify.Watcher

	// ReloadDelay debounces bursts of file events.
	ReloadDelay time.Duration
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		parsed:      make(map[string]*Policy),
		ReloadDelay: 500 * time.Millisecond,
	}
}

// LoadFromPaths loads every policy under paths. A missing path is an
// error; an unreadable file inside a directory is logged and skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", root, err)
		}
		if !info.IsDir() {
			p, err := l.loadFromFile(root)
			if err != nil {
				return nil, fmt.Errorf("failed to load from path %s: %w", root, err)
			}
			out = append(out, *p)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || !isPolicyFile(path) {
				return nil
			}
			p, err := l.loadFromFile(path)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
				return nil
			}
			out = append(out, *p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}

	l.logger.Debug().Int("total", len(out)).Int("sources", len(paths)).Msg("Policies loaded")
	return out, nil
}

// loadFromFile parses one policy file. Parsed files are kept until the
// watcher sees them change or ClearCache is called.
func (l *Loader) loadFromFile(path string) (*Policy, error) {
	l.mu.Lock()
	p, ok := l.parsed[path]
	l.mu.Unlock()
	if ok {
		return p, nil
	}

	read, ok := readers[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	p, err = read(path, data)
	if err != nil {
		return nil, err
	}
	p.Source = path

	l.mu.Lock()
	l.parsed[path] = p
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Strs("kinds", p.Kinds).Msg("Policy parsed")
	return p, nil
}

// readRego builds a policy named after the file. Its leading comment block
// carries the description and optional directives:
//
//	# Accounts may run at most four PHP processes.
//	# severity: error
//	# kinds: webapp
//	# actions: save
func readRego(path string, data []byte) (*Policy, error) {
	h := parseHeader(string(data))
	p := &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: h.description,
		Rego:        string(data),
		Severity:    h.severity,
		Kinds:       h.kinds,
		Actions:     h.actions,
		Enabled:     true,
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	return p, nil
}

func readJSON(_ string, data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("JSON policy has no name")
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	return &p, nil
}

// header is what the leading comment block of a Rego file declares.
type header struct {
	description string
	severity    Severity
	kinds       []string
	actions     []string
}

func parseHeader(content string) header {
	var h header
	var desc []string
	started := false

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		comment, isComment := strings.CutPrefix(trimmed, "#")
		if !isComment {
			if trimmed != "" && started {
				break
			}
			continue
		}
		started = true
		comment = strings.TrimSpace(comment)

		key, value, found := strings.Cut(comment, ":")
		switch key = strings.ToLower(strings.TrimSpace(key)); {
		case found && key == "severity":
			h.severity = Severity(strings.TrimSpace(value))
		case found && key == "kinds":
			h.kinds = splitList(value)
		case found && key == "actions":
			h.actions = splitList(value)
		case comment != "":
			desc = append(desc, comment)
		}
	}
	h.description = strings.Join(desc, " ")
	return h
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		out = append(out, strings.ToLower(f))
	}
	return out
}

// Watch calls reload with the full policy set from paths whenever a policy
// file under them changes. It returns once the watcher runs; watching stops
// when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher

	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			// Files are watched directly; directories cover their entries.
			if d.IsDir() || path == root {
				return watcher.Add(path)
			}
			return nil
		})
		if err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Failed to watch policy path")
		}
	}

	go l.watch(ctx, paths, reload)

	l.logger.Info().Int("paths", len(paths)).Msg("Watching policy paths")
	return nil
}

func (l *Loader) watch(ctx context.Context, paths []string, reload func([]Policy) error) {
	defer l.watcher.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !isPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")

			l.mu.Lock()
			delete(l.parsed, event.Name)
			l.mu.Unlock()

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.ReloadDelay, func() {
				policies, err := l.LoadFromPaths(ctx, paths)
				if err == nil {
					err = reload(policies)
				}
				if err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
					return
				}
				l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// ClearCache forgets every parsed file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.parsed = make(map[string]*Policy)
}

// WatchEngine hot-reloads e's user policies from paths until ctx is done.
// A reload that fails to compile keeps the previous policies.
func WatchEngine(ctx context.Context, e *Engine, paths []string) (*Loader, error) {
	l := NewLoader(e.logger)
	err := l.Watch(ctx, paths, func(policies []Policy) error {
		return e.SetPolicies(ctx, policies)
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}
