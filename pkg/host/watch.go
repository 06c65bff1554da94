package host

import (
	"context"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/manifest"
)

// WatchManifests loads manifests as they appear in dir, reloads them when
// they change and unloads them when their file goes away. It blocks until
// ctx is done.
func (h *Host) WatchManifests(ctx context.Context, dir string) error {
	w, err := manifest.Watch(ctx, dir)
	if err != nil {
		return err
	}
	defer w.Close()

	logger := h.logger.With("dir", dir)
	byPath := make(map[string]string)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			now := h.clock()
			switch {
			case ev.Err != nil:
				logger.WarnContext(ctx, "manifest skipped", "path", ev.Path, "error", ev.Err)
			case ev.Removed:
				id, known := byPath[ev.Path]
				if !known {
					continue
				}
				delete(byPath, ev.Path)
				if err := h.Unload(ctx, id, "manifest removed", now); err != nil {
					logger.WarnContext(ctx, "unload failed", "module", id, "error", err)
				}
			default:
				id := ev.Manifest.ModuleID
				if prev, known := byPath[ev.Path]; known {
					if err := h.Unload(ctx, prev, "manifest changed", now); err != nil {
						logger.WarnContext(ctx, "unload failed", "module", prev, "error", err)
					}
					delete(byPath, ev.Path)
				}
				if _, err := h.Load(ctx, ev.Manifest, now); err != nil {
					logger.WarnContext(ctx, "load failed", "module", id, "path", ev.Path, "error", err)
					continue
				}
				byPath[ev.Path] = id
			}
		}
	}
}
