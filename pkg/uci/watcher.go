package uci

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"time"

	"github.com/markus-lassfolk/locator/pkg/logx"
)

// Watcher polls a configuration file and hands every changed, valid
// revision to a callback
type Watcher struct {
	path     string
	interval time.Duration
	logger   *logx.Logger
	lastHash string
}

// NewWatcher creates a watcher; the current file content is the baseline
func NewWatcher(path string, interval time.Duration, logger *logx.Logger) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	w := &Watcher{path: path, interval: interval, logger: logger}
	w.lastHash, _ = fileHash(path)
	return w
}

func fileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Check reloads the file when its content changed since the last check.
// An invalid revision is reported but still becomes the baseline, so it is
// not retried until the file changes again.
func (w *Watcher) Check() (*Config, bool, error) {
	hash, err := fileHash(w.path)
	if err != nil {
		return nil, false, err
	}
	if hash == w.lastHash {
		return nil, false, nil
	}
	w.lastHash = hash

	cfg, err := LoadConfig(w.path)
	if err != nil {
		return nil, true, err
	}
	return cfg, true, nil
}

// Run polls until ctx is cancelled
func (w *Watcher) Run(ctx context.Context, apply func(*Config) error) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cfg, changed, err := w.Check()
			if err != nil {
				w.logger.Error("configuration reload failed", "path", w.path, "error", err)
				continue
			}
			if !changed {
				continue
			}
			w.logger.Info("configuration changed, applying", "path", w.path)
			if err := apply(cfg); err != nil {
				w.logger.Error("failed to apply configuration", "error", err)
			}
		}
	}
}
