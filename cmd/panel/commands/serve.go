package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hostpanel/hostpanel/pkg/policy"
	"github.com/hostpanel/hostpanel/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var (
		applyOnStart bool
		delay        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve metrics and re-apply on manifest changes",
		Long: `Run until interrupted:
  - Expose Prometheus metrics on telemetry.metrics.listen_address
  - Reload policies from policy.dir when they change
  - Apply the manifests again whenever one of them changes`,
		Example: `  # Serve with the default settings
  panel serve

  # Apply once at startup, then on every change
  panel serve --apply-on-start`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close()

			var loader *policy.Loader
			if a.policy != nil && a.settings.Policy.Dir != "" {
				loader, err = policy.WatchEngine(ctx, a.policy, []string{a.settings.Policy.Dir})
				if err != nil {
					return err
				}
				defer loader.StopWatching()
			}

			s := &server{app: a, delay: delay}
			if applyOnStart {
				s.apply(ctx)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.tel.Metrics.Serve(gctx) })
			g.Go(func() error { return s.watchManifests(gctx) })

			log.Info().Strs("manifests", a.settings.Manifests).Msg("Serving")
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&applyOnStart, "apply-on-start", false, "apply the manifests once before watching")
	cmd.Flags().DurationVar(&delay, "debounce", time.Second, "quiet period after a manifest change before applying")

	return cmd
}

// server re-applies manifests. Applies never overlap.
type server struct {
	app   *app
	delay time.Duration
	mu    sync.Mutex
}

func (s *server) apply(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.app
	var flags batchFlags
	ops, set, err := flags.operations(ctx, a, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load manifests")
		return
	}

	op := a.tel.StartOperation(ctx, "panel.serve.apply", telemetry.AttrCommand.String("serve"))
	run, err := a.orch.Apply(op.Ctx, ops, set)
	if err == nil {
		op.Span.SetAttributes(telemetry.AttrBatchID.String(run.ID))
		err = a.store.RecordApplied(op.Ctx, run, set)
	}
	op.End(err)
	if err != nil {
		log.Error().Err(err).Msg("Apply failed")
		return
	}
	log.Info().
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Int("failed", run.Summary.Failed).
		Int("denied", run.Summary.Denied).
		Msg("Applied manifests")
}

// watchManifests applies after every burst of changes to a manifest file.
// Directories are watched for their *.cue files.
func (s *server) watchManifests(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	files := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, m := range s.app.settings.Manifests {
		abs, err := filepath.Abs(m)
		if err != nil {
			return err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", m, err)
		}
		dir := abs
		if info.IsDir() {
			dirs[abs] = true
		} else {
			// Editors replace files, so the parent is watched.
			dir = filepath.Dir(abs)
			files[abs] = true
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	relevant := func(name string) bool {
		return files[name] || (dirs[filepath.Dir(name)] && strings.HasSuffix(name, ".cue"))
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(ev.Name) || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) {
				continue
			}
			log.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Manifest changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.delay, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Manifest watcher error")
		case <-fire:
			s.apply(ctx)
		}
	}
}
