package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// MarkerPrefix prefixes marker record file names in a state directory.
const MarkerPrefix = "restart."

// MarkerFile is a marker record found in a state directory. A record left
// behind after a batch means a participant never committed, or a restart
// was deferred and never performed.
type MarkerFile struct {
	Service  string    `json:"service"`
	Path     string    `json:"path"`
	Locked   bool      `json:"locked"`
	Modified time.Time `json:"modified"`
	Set      MarkerSet `json:"-"`
}

// MarkerStore reads and clears marker records on a host.
type MarkerStore interface {
	ListMarkers(ctx context.Context, dir string) ([]MarkerFile, error)
	ClearMarker(ctx context.Context, dir, service string) error
}

// LocalMarkers is the MarkerStore of the local host.
type LocalMarkers struct{}

var _ MarkerStore = LocalMarkers{}

// ListMarkers implements MarkerStore.
func (LocalMarkers) ListMarkers(_ context.Context, dir string) ([]MarkerFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	infos := make([]fs.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return CollectMarkers(dir, infos, func(p string) (string, error) {
		data, err := os.ReadFile(p)
		return string(data), err
	})
}

// ClearMarker implements MarkerStore. It removes the record and a stale
// lock directory.
func (LocalMarkers) ClearMarker(_ context.Context, dir, service string) error {
	p := filepath.Join(dir, MarkerPrefix+service)
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", p, err)
	}
	if err := os.Remove(p + ".lock"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s.lock: %w", p, err)
	}
	return nil
}

// CollectMarkers builds marker records from a directory listing. read
// returns the content of a record file.
func CollectMarkers(dir string, infos []fs.FileInfo, read func(p string) (string, error)) ([]MarkerFile, error) {
	byService := map[string]*MarkerFile{}
	get := func(service string) *MarkerFile {
		m, ok := byService[service]
		if !ok {
			m = &MarkerFile{Service: service, Path: path.Join(dir, MarkerPrefix+service)}
			byService[service] = m
		}
		return m
	}

	for _, info := range infos {
		name := info.Name()
		if !strings.HasPrefix(name, MarkerPrefix) {
			continue
		}
		service := strings.TrimPrefix(name, MarkerPrefix)
		if base, ok := strings.CutSuffix(service, ".lock"); ok {
			if info.IsDir() {
				get(base).Locked = true
			}
			continue
		}
		if info.IsDir() || service == "" {
			continue
		}
		m := get(service)
		m.Modified = info.ModTime()
		data, err := read(m.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read marker %s: %w", m.Path, err)
		}
		m.Set = ParseMarker(data)
	}

	out := make([]MarkerFile, 0, len(byService))
	for _, m := range byService {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}
