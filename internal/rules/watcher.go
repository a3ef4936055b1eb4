// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package rules

import (
	"bufio"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sakost/betcode/internal/logging"
)

const reloadDebounce = 200 * time.Millisecond

// Watcher reloads a rule file on change and hands the freshly parsed Set to
// OnReload. A bad edit (one that fails to parse) is logged and ignored; the
// last good Set keeps serving until the file is fixed.
type Watcher struct {
	Path     string
	OnReload func(Set)

	fsw     *fsnotify.Watcher
	timer   *time.Timer
	mu      sync.Mutex
	done    chan struct{}
	current atomic.Value // Set
}

// NewWatcher starts watching path, invoking OnReload once immediately with
// the current contents and again on every subsequent write. onReload may be
// nil; Current/Provider always reflect the latest successfully parsed Set
// regardless.
func NewWatcher(path string, onReload func(Set)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{Path: path, OnReload: onReload, fsw: fsw, done: make(chan struct{})}
	w.reload()
	go w.loop()
	return w, nil
}

// Current returns the most recently, successfully parsed Set.
func (w *Watcher) Current() Set {
	if v := w.current.Load(); v != nil {
		return v.(Set)
	}
	return Set{}
}

// Provider adapts Current into a permission.RuleProvider; the rule file is
// global, so every session sees the same Set.
func (w *Watcher) Provider() func(sessionID string) Set {
	return func(string) Set { return w.Current() }
}

// Close stops watching and releases the underlying fsnotify handle.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				w.scheduleReload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn().Err(err).Str("path", w.Path).Msg("rules: watcher error")
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	f, err := os.Open(w.Path)
	if err != nil {
		logging.Warn().Err(err).Str("path", w.Path).Msg("rules: reload failed to open file")
		return
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		logging.Warn().Err(err).Str("path", w.Path).Msg("rules: reload failed to read file")
		return
	}

	set, err := Parse(lines)
	if err != nil {
		logging.Warn().Err(err).Str("path", w.Path).Msg("rules: reload failed to parse, keeping previous rule set")
		return
	}

	logging.Info().Str("path", w.Path).Int("allow", len(set.Allow)).Int("deny", len(set.Deny)).Msg("rules: reloaded")
	w.current.Store(set)
	if w.OnReload != nil {
		w.OnReload(set)
	}
}
