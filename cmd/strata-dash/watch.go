package main

import (
	"log"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"

	"strata/pkg/protocol"
)

// fsChangeMsg is sent when something changes in the state directory.
type fsChangeMsg struct{}

const debounceDuration = 100 * time.Millisecond

// newWatcher watches the state directory and the record directories under
// it. It returns nil if nothing can be watched; the dashboard then relies
// on its refresh tick alone.
func newWatcher(stateDir string) *fsnotify.Watcher {
	if _, err := os.Stat(stateDir); err != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("fsnotify: failed to create watcher: %v (falling back to polling)", err)
		return nil
	}
	added := 0
	for _, dir := range []string{"", protocol.SignalsDir, protocol.AgentsDir, protocol.HooksDir} {
		if err := watcher.Add(filepath.Join(stateDir, dir)); err == nil {
			added++
		}
	}
	if added == 0 {
		_ = watcher.Close()
		return nil
	}
	return watcher
}

// waitForChange returns a tea.Cmd that blocks until a burst of events has
// settled, then reports fsChangeMsg. It returns nil when the watcher is
// closed.
func waitForChange(watcher *fsnotify.Watcher) tea.Cmd {
	if watcher == nil {
		return nil
	}
	return func() tea.Msg {
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		defer debounce.Stop()

		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(debounceDuration)
			case <-debounce.C:
				return fsChangeMsg{}
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				log.Printf("fsnotify: watcher error: %v", err)
			}
		}
	}
}
