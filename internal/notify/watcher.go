package notify

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/classifier"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/extractor"
)

// RulesWatcher applies the rules file to a classifier and an extractor at
// start and again whenever the file changes. An invalid file is logged and
// the previously installed rules stay active.
type RulesWatcher struct {
	path       string
	classifier *classifier.Classifier
	extractor  *extractor.Extractor
	logger     zerolog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}

	mu       sync.Mutex
	onReload func(err error)
}

// NewRulesWatcher creates a watcher for path.
func NewRulesWatcher(path string, c *classifier.Classifier, e *extractor.Extractor, logger zerolog.Logger) *RulesWatcher {
	return &RulesWatcher{
		path:       filepath.Clean(path),
		classifier: c,
		extractor:  e,
		logger:     logger.With().Str("component", "rules_watcher").Str("path", path).Logger(),
		done:       make(chan struct{}),
	}
}

// OnReload registers a callback run after every reload attempt.
func (rw *RulesWatcher) OnReload(fn func(err error)) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.onReload = fn
}

// Reload loads the file and installs its rules.
func (rw *RulesWatcher) Reload() error {
	rs, err := LoadRuleSet(rw.path)
	if err == nil {
		err = rw.classifier.SetRules(rs.Classifier)
	}
	if err == nil {
		rw.extractor.SetPolicy(rs.Extractor)
	}

	if err != nil {
		rw.logger.Error().Err(err).Msg("rules reload failed, keeping previous rules")
	} else {
		rw.logger.Info().Int("categories", len(rs.Classifier.Categories)).
			Int("triggers", len(rs.Extractor.Triggers)).Msg("rules loaded")
	}

	rw.mu.Lock()
	fn := rw.onReload
	rw.mu.Unlock()
	if fn != nil {
		fn(err)
	}
	return err
}

// Start applies the file once, then watches its directory. Editors usually
// replace files by rename, so the directory is watched rather than the file.
// A failed initial load is returned but the watch still starts when the
// directory exists. Call Stop to clean up.
func (rw *RulesWatcher) Start() error {
	loadErr := rw.Reload()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("notify: new watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(rw.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("notify: watch %s: %w", filepath.Dir(rw.path), err)
	}
	rw.watcher = w

	go rw.loop()
	return loadErr
}

// Stop shuts down the watcher.
func (rw *RulesWatcher) Stop() {
	if rw.watcher == nil {
		return
	}
	_ = rw.watcher.Close()
	<-rw.done
}

func (rw *RulesWatcher) loop() {
	defer close(rw.done)
	for {
		select {
		case evt, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != rw.path {
				continue
			}
			if evt.Has(fsnotify.Write) || evt.Has(fsnotify.Create) {
				_ = rw.Reload()
			}
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.Warn().Err(err).Msg("watcher error")
		}
	}
}
