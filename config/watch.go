package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Watch reloads the file at path whenever it changes and hands the result to
// fn. The parent directory is watched so editors that replace the file by
// rename are picked up. Watch returns once the watcher is running; the
// watcher stops when ctx is done.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create config watcher")
	}

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return errors.Wrapf(err, "watch %s", filepath.Dir(target))
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}

				cfg, err := Load(target)
				if err != nil {
					log.Warn().Err(err).Str("path", target).Msg("[config] reload failed, keeping current config")
					continue
				}
				fn(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("[config] watcher error")
			}
		}
	}()

	return nil
}

// SameModes reports whether two configurations select the same delivery
// modes. Modes are fixed for the life of the process, so a reload that
// changes them is only partially applied.
func (c *Config) SameModes(o *Config) bool {
	return c.InvokeMode == o.InvokeMode && c.WebsocketResponseMode == o.WebsocketResponseMode
}
