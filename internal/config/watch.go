package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"mlxhost/internal/logging"
)

// Watch reloads the config file on change and invokes onChange with each
// successfully parsed result. It blocks until ctx is done. The directory is
// watched rather than the file so editors that replace-by-rename keep
// working.
func Watch(ctx context.Context, path string, logger logging.Logger, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name != abs || !ev.Op.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			cfg, err := Load(LoadOptions{ConfigFile: abs})
			if err != nil {
				logger.Warn("config reload failed", "path", abs, "err", err.Error())
				continue
			}
			logger.Info("config reloaded", "path", abs)
			onChange(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watch error", "err", err.Error())
		}
	}
}
