package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/tradecouncil/tradecouncil/pkg/safego"
	"go.uber.org/zap"
)

// Watcher hot-reloads the trading thresholds when the config file changes.
// Only the Trading section is swapped at runtime; everything else requires a
// restart. Safe for concurrent reads.
type Watcher struct {
	path   string
	mu     sync.RWMutex
	cfg    TradingConfig
	fw     *fsnotify.Watcher
	done   chan struct{}
	logger *zap.Logger
}

// NewWatcher creates a watcher seeded with the currently loaded thresholds.
func NewWatcher(path string, initial TradingConfig, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{
		path:   path,
		cfg:    initial,
		fw:     fw,
		done:   make(chan struct{}),
		logger: logger.With(zap.String("component", "config-watcher")),
	}
	safego.Go(w.logger, "config-watch-loop", w.loop)
	return w, nil
}

// Trading returns the current thresholds.
func (w *Watcher) Trading() TradingConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Close stops the watch loop.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watch error", zap.Error(err))
		}
	}
}

// reload re-parses the file. A broken file keeps the previous thresholds.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("Config reload failed, keeping previous thresholds", zap.Error(err))
		return
	}

	w.mu.Lock()
	w.cfg = cfg.Trading
	w.mu.Unlock()

	w.logger.Info("Trading thresholds reloaded",
		zap.Int("max_leverage", cfg.Trading.MaxLeverage),
		zap.Float64("max_position_percent", cfg.Trading.MaxPositionPct),
		zap.Int("min_confidence", cfg.Trading.MinConfidence),
	)
}
