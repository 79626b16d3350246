package agent

import (
	"fmt"
	"log"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// EnableEvictionWatch starts an fsnotify watcher on the staging root so
// assets cleared externally (device cleanup, test teardown) leave the
// queue immediately instead of surfacing as skipped entries at pop
// time. The watcher runs for the life of the store.
func (s *DiskStore) EnableEvictionWatch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create staging watcher: %w", err)
	}

	if err := watcher.Add(s.root); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", s.root, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				// Ignore our own state file churn.
				if strings.HasSuffix(event.Name, ".json") || strings.HasSuffix(event.Name, ".tmp") {
					continue
				}
				s.evict(event.Name)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[media] staging watcher error: %v", err)
			}
		}
	}()

	log.Printf("[media] eviction watch enabled on %s", s.root)
	return nil
}
