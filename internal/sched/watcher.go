package sched

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/joestump/prose-arena/internal/config"
	"github.com/joestump/prose-arena/internal/rating"
)

// debounceWindow absorbs the multi-event bursts editors emit on save.
const debounceWindow = 2 * time.Second

// runWatcher observes the config directory and applies hot reloads.
func (m *Manager) runWatcher(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config watcher: %v\n", err)
		return
	}
	defer watcher.Close() //nolint:errcheck

	if err := watcher.Add(m.cfg.Dir()); err != nil {
		fmt.Fprintf(os.Stderr, "watch %s: %v\n", m.cfg.Dir(), err)
		return
	}

	var mu sync.Mutex
	timers := make(map[string]*time.Timer)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			path := event.Name
			mu.Lock()
			if timer, ok := timers[path]; ok {
				timer.Reset(debounceWindow)
			} else {
				timers[path] = time.AfterFunc(debounceWindow, func() {
					mu.Lock()
					delete(timers, path)
					mu.Unlock()
					m.HandleConfigChange(ctx, path)
				})
			}
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "config watcher: %v\n", err)
		}
	}
}

// HandleConfigChange applies one debounced config-file mutation: the model
// list forces a reload and a models-table resync, the prompt file just a
// reload.
func (m *Manager) HandleConfigChange(ctx context.Context, path string) {
	switch filepath.Base(path) {
	case config.ModelsFile, config.PresetModelsFile:
		log.Printf("config: %s changed, resyncing models", filepath.Base(path))
		m.cfg.ForceReload(config.ModelsFile)
		m.cfg.ForceReload(config.PresetModelsFile)
		if err := m.ResyncModels(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "resync models: %v\n", err)
		}
	case config.FixedPromptsFile:
		log.Printf("config: %s changed, reloading", config.FixedPromptsFile)
		m.cfg.ForceReload(config.FixedPromptsFile)
	case config.ModelScoresFile:
		m.cfg.ForceReload(config.ModelScoresFile)
	case config.PresetMappingFile:
		m.cfg.ForceReload(config.PresetMappingFile)
	}
}

// ResyncModels re-seeds the models table from the current configuration.
func (m *Manager) ResyncModels(ctx context.Context) error {
	seeds, err := rating.SeedsFromConfig(m.cfg)
	if err != nil {
		return err
	}
	return m.store.SyncModels(ctx, seeds)
}
