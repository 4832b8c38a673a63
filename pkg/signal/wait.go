package signal

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"strata/pkg/protocol"
)

// pollUntil runs attempt immediately and then every interval until it
// reports done, returns an error, ctx is cancelled, or timeout elapses. A
// receive on wake shortens the current wait; it never replaces the fixed
// interval. Expiry returns protocol.ErrTimeout.
func pollUntil(ctx context.Context, timeout, interval time.Duration, wake <-chan struct{}, attempt func() (bool, error)) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	for {
		done, err := attempt()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return protocol.ErrTimeout
		}
		wait := interval
		if remaining < wait {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-wake:
			timer.Stop()
		}
	}
}

// waker turns fsnotify events on the signals directory into non-blocking
// wake-ups. If the watcher cannot be created the channel simply never fires
// and receivers fall back to pure polling.
type waker struct {
	ch      chan struct{}
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

func newWaker(dir string) *waker {
	w := &waker{ch: make(chan struct{}, 1)}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return w
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return w
	}
	w.watcher = watcher

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				select {
				case w.ch <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return w
}

func (w *waker) close() {
	if w.watcher == nil {
		return
	}
	_ = w.watcher.Close()
	w.wg.Wait()
}
