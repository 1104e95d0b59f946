package extract

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	logx "pricewatch/pkg/logx"
)

const (
	rulesDebounce      = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// RulesWatcher keeps a Registry in sync with a rules file.
type RulesWatcher struct {
	path string
	reg  *Registry
	log  logx.Logger

	mu       sync.Mutex
	lastHash uint64

	// applied is signalled after every successful reload (tests).
	applied chan struct{}
}

func NewRulesWatcher(path string, reg *Registry, log logx.Logger) *RulesWatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RulesWatcher{path: path, reg: reg, log: log, applied: make(chan struct{}, 1)}
}

// Load reads the file once and installs its adapters.
func (w *RulesWatcher) Load() error {
	ads, h, err := LoadRules(w.path)
	if err != nil {
		return err
	}
	w.install(ads, h)
	return nil
}

func (w *RulesWatcher) install(ads []*Adapter, h uint64) {
	w.mu.Lock()
	w.lastHash = h
	w.mu.Unlock()
	w.reg.SetRules(ads)
	w.log.Info("site rules loaded", logx.String("path", w.path), logx.Int("sites", len(ads)))
	select {
	case w.applied <- struct{}{}:
	default:
	}
}

func (w *RulesWatcher) reload() {
	ads, h, err := LoadRules(w.path)
	if err != nil {
		// Keep the last good rules.
		w.log.Warn("site rules rejected", logx.String("path", w.path), logx.Err(err))
		return
	}
	w.mu.Lock()
	unchanged := h == w.lastHash
	w.mu.Unlock()
	if unchanged {
		w.log.Debug("site rules unchanged; skipping", logx.String("path", w.path))
		return
	}
	w.install(ads, h)
}

// Watch reloads the rules on change until ctx is done. The fsnotify watcher
// is recreated with jittered backoff if it breaks.
func (w *RulesWatcher) Watch(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)
	backoff := restartBackoffBase

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(rulesDebounce, w.reload)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	wait := func() bool {
		d := backoff + time.Duration(rand.Int64N(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.log.Warn("rules watch init failed", logx.Err(err), logx.String("dir", dir))
			if !wait() {
				return nil
			}
			continue
		}
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			w.log.Warn("rules watch add failed", logx.Err(err), logx.String("dir", dir))
			if !wait() {
				return nil
			}
			continue
		}
		backoff = restartBackoffBase
		w.log.Debug("rules watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == fsnotify.ErrEventOverflow {
					w.log.Warn("rules watch overflow; forcing reload", logx.String("dir", dir))
					debounce()
					continue
				}
				w.log.Warn("rules watch error", logx.Err(err), logx.String("dir", dir))
			}
		}
		_ = fw.Close()
		w.log.Warn("rules watcher stopped; restarting", logx.String("dir", dir))
		if !wait() {
			return nil
		}
	}
	return nil
}
