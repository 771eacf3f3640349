package classifier

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/slyt3/guardstats/internal/assert"
	"github.com/slyt3/guardstats/internal/logging"
)

const maxWatchEvents = 1 << 30

// Engine is the rule-based reference classifier. Rules can be reloaded
// while Classify is in use.
type Engine struct {
	mu       sync.RWMutex
	rules    *RuleSet
	path     string
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewEngine loads rules from path.
func NewEngine(path string) (*Engine, error) {
	if err := assert.Check(path != "", "rules path must not be empty"); err != nil {
		return nil, err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	rules, err := LoadRules(absPath)
	if err != nil {
		return nil, err
	}
	logging.Info("rules_loaded", logging.Fields{Component: "classifier", Path: absPath, Count: rules.PatternCount()})
	return &Engine{rules: rules, path: absPath, stopChan: make(chan struct{})}, nil
}

// NewEngineFromRules wraps an in-memory rule set. Reload and Watch are
// unavailable.
func NewEngineFromRules(rules *RuleSet) (*Engine, error) {
	if err := assert.NotNil(rules, "rules"); err != nil {
		return nil, err
	}
	if err := rules.normalize(); err != nil {
		return nil, err
	}
	return &Engine{rules: rules, stopChan: make(chan struct{})}, nil
}

// Classify evaluates query against the current rules.
func (e *Engine) Classify(ctx context.Context, query string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()
	return rules.Evaluate(query), nil
}

// Reload re-reads the rules file. On error the previous rules stay active.
func (e *Engine) Reload() error {
	if err := assert.Check(e.path != "", "engine has no rules file"); err != nil {
		return err
	}
	rules, err := LoadRules(e.path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	logging.Info("rules_reloaded", logging.Fields{Component: "classifier", Path: e.path, Count: rules.PatternCount()})
	return nil
}

// Watch reloads the rules whenever the file is written, created or renamed
// into place. The parent directory is watched so editors that replace the
// file are handled.
func (e *Engine) Watch() error {
	if err := assert.Check(e.path != "", "engine has no rules file"); err != nil {
		return err
	}
	e.mu.Lock()
	if e.watcher != nil {
		e.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(e.path)); err != nil {
		e.mu.Unlock()
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(e.path), err)
	}
	e.watcher = watcher
	e.done = make(chan struct{})
	e.mu.Unlock()

	go e.watchLoop(watcher)
	return nil
}

func (e *Engine) watchLoop(watcher *fsnotify.Watcher) {
	defer close(e.done)
	for i := 0; i < maxWatchEvents; i++ {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != e.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := e.Reload(); err != nil {
				logging.Warn("rules_reload_failed", logging.Fields{Component: "classifier", Path: e.path, Error: err.Error()})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("rules_watch_error", logging.Fields{Component: "classifier", Error: err.Error()})
		case <-e.stopChan:
			return
		}
	}
	_ = assert.Check(false, "watch loop exceeded max events")
}

// Stop ends the watcher, if running.
func (e *Engine) Stop() error {
	if err := assert.NotNil(e, "engine"); err != nil {
		return err
	}
	var err error
	e.stopOnce.Do(func() {
		close(e.stopChan)
		e.mu.Lock()
		watcher, done := e.watcher, e.done
		e.mu.Unlock()
		if watcher != nil {
			<-done
			err = watcher.Close()
		}
	})
	return err
}

// Version returns the rules file version string.
func (e *Engine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules.Version
}

// RuleCount returns the number of categories.
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules.Rules)
}

// Rules returns the active rule set. Callers must not modify it.
func (e *Engine) Rules() *RuleSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules
}
