package trust

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the registry whenever the sources file changes. The parent
// directory is watched so editors that replace the file by rename are
// seen. A file that fails to load is logged and the previous table kept.
// Watch blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context, path string, logger *zap.Logger, reloaded func(error)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	filePath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(filePath)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filePath || !isChange(event) {
				continue
			}
			err := r.reload(filePath)
			if err != nil {
				logger.Warn("Rejected trusted source reload", zap.String("path", filePath), zap.Error(err))
			} else {
				logger.Info("Reloaded trusted sources", zap.String("path", filePath))
			}
			if reloaded != nil {
				reloaded(err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Trusted source watcher error", zap.Error(err))
		}
	}
}

func (r *Registry) reload(path string) error {
	sources, err := LoadFile(path)
	if err != nil {
		return err
	}
	return r.Replace(sources)
}

func isChange(event fsnotify.Event) bool {
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}
