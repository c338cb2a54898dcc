package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/stackd/stackd/pkg/config"
	"github.com/stackd/stackd/pkg/engine"
)

// Syncer mirrors source changes into running containers during development.
// Plain file edits are copied into the container in place; changes to build
// inputs (Dockerfile, dependency manifests) trigger a full image rebuild
// through the RebuildFunc instead.
type Syncer struct {
	runtime engine.ContainerRuntime
	logger  zerolog.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	targets map[string]*syncTarget

	// Rebuild is invoked when a build input changes and the image must be
	// rebuilt and the container recreated. Optional.
	Rebuild RebuildFunc

	// Debounce is the quiet period after the last event before changes
	// are applied. Defaults to 500ms.
	Debounce time.Duration
}

// RebuildFunc rebuilds a service's image and recreates its container.
type RebuildFunc func(ctx context.Context, service string) error

type syncTarget struct {
	service     string
	containerID string
	// sourceDir is the absolute host directory being mirrored.
	sourceDir string
	// targetDir is the absolute directory inside the container.
	targetDir string
	// contextDir is the build context; changes to build inputs under it
	// trigger a rebuild rather than a copy.
	contextDir string
	timer      *time.Timer
	pending    map[string]struct{}
}

// NewSyncer creates a syncer backed by the given container runtime.
func NewSyncer(rt engine.ContainerRuntime, logger zerolog.Logger) (*Syncer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Syncer{
		runtime:  rt,
		logger:   logger.With().Str("component", "dev-sync").Logger(),
		watcher:  watcher,
		targets:  make(map[string]*syncTarget),
		Debounce: 500 * time.Millisecond,
	}, nil
}

// Add registers a running container for sync. The service must declare a
// build block with a sync mapping; services without one are ignored.
func (s *Syncer) Add(svc config.Service, containerID string) error {
	if svc.Build == nil || svc.Build.Sync == nil {
		return nil
	}

	contextDir, err := filepath.Abs(svc.Build.Context)
	if err != nil {
		return fmt.Errorf("failed to resolve build context: %w", err)
	}

	sourceDir := filepath.Join(contextDir, svc.Build.Sync.Source)
	info, err := os.Stat(sourceDir)
	if err != nil {
		return fmt.Errorf("failed to stat sync source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("sync source %s is not a directory", sourceDir)
	}

	target := &syncTarget{
		service:     svc.Name,
		containerID: containerID,
		sourceDir:   sourceDir,
		targetDir:   svc.Build.Sync.Target,
		contextDir:  contextDir,
		pending:     make(map[string]struct{}),
	}

	if err := s.watchTree(contextDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", contextDir, err)
	}

	s.mu.Lock()
	s.targets[contextDir] = target
	s.mu.Unlock()

	s.logger.Info().
		Str("service", svc.Name).
		Str("source", sourceDir).
		Str("target", target.targetDir).
		Msg("Watching for source changes")

	return nil
}

// watchTree adds a directory and all its subdirectories to the watcher.
func (s *Syncer) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return s.watcher.Add(path)
		}
		return nil
	})
}

// Run processes file system events until the context is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	defer func() { _ = s.watcher.Close() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, event)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (s *Syncer) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	target := s.targetFor(event.Name)
	if target == nil {
		return
	}

	// New directories must be added to the watcher before events from
	// them can be seen.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = s.watcher.Add(event.Name)
		}
	}

	s.mu.Lock()
	target.pending[event.Name] = struct{}{}
	if target.timer != nil {
		target.timer.Stop()
	}
	target.timer = time.AfterFunc(s.Debounce, func() {
		s.flush(ctx, target)
	})
	s.mu.Unlock()
}

// targetFor finds the sync target whose build context contains the path.
func (s *Syncer) targetFor(path string) *syncTarget {
	s.mu.Lock()
	defer s.mu.Unlock()

	for contextDir, target := range s.targets {
		if strings.HasPrefix(path, contextDir+string(filepath.Separator)) {
			return target
		}
	}
	return nil
}

// flush applies all pending changes for one target: a rebuild if any build
// input changed, otherwise an in-place copy of each changed file.
func (s *Syncer) flush(ctx context.Context, target *syncTarget) {
	s.mu.Lock()
	changed := make([]string, 0, len(target.pending))
	for path := range target.pending {
		changed = append(changed, path)
	}
	target.pending = make(map[string]struct{})
	s.mu.Unlock()

	if len(changed) == 0 {
		return
	}

	if s.needsRebuild(target, changed) {
		if s.Rebuild == nil {
			s.logger.Warn().
				Str("service", target.service).
				Msg("Build input changed but no rebuild handler is set")
			return
		}
		s.logger.Info().
			Str("service", target.service).
			Msg("Build input changed, rebuilding")
		if err := s.Rebuild(ctx, target.service); err != nil {
			s.logger.Error().Err(err).
				Str("service", target.service).
				Msg("Rebuild failed")
		}
		return
	}

	for _, path := range changed {
		if err := s.copyChange(ctx, target, path); err != nil {
			s.logger.Error().Err(err).
				Str("service", target.service).
				Str("file", path).
				Msg("Failed to sync file")
		}
	}
}

// needsRebuild reports whether any changed path is a build input rather
// than plain application source.
func (s *Syncer) needsRebuild(target *syncTarget, changed []string) bool {
	for _, path := range changed {
		if isBuildInput(filepath.Base(path)) {
			return true
		}
		// Anything outside the sync source still lives in the build
		// context and only affects the image.
		if !strings.HasPrefix(path, target.sourceDir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// isBuildInput reports whether a file name names a build input whose
// change invalidates the built image.
func isBuildInput(name string) bool {
	switch name {
	case "Dockerfile", "package.json", "package-lock.json",
		"requirements.txt", "go.mod", "go.sum", "Gemfile", "Gemfile.lock":
		return true
	}
	return strings.HasPrefix(name, "Dockerfile.")
}

// copyChange mirrors one changed file into the container.
func (s *Syncer) copyChange(ctx context.Context, target *syncTarget, path string) error {
	rel, err := filepath.Rel(target.sourceDir, path)
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			// docker cp cannot delete; deletions are picked up on the
			// next rebuild.
			s.logger.Debug().Str("file", path).Msg("Skipping removed file")
			return nil
		}
		return err
	}

	dest := target.targetDir + "/" + filepath.ToSlash(rel)
	if err := s.runtime.CopyTo(ctx, target.containerID, path, dest); err != nil {
		return err
	}

	s.logger.Info().
		Str("service", target.service).
		Str("file", rel).
		Msg("Synced file into container")

	return nil
}
