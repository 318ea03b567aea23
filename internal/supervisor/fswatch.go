package supervisor

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// startFileWatch arms fsnotify watches on the telemetry file's directory
// and the music status directory so a write schedules an out-of-band
// poll instead of waiting for the next cadence tick. Cadence remains
// the floor: the watcher only ever triggers an *extra* tick, never
// replaces the cron-driven one, and a setup failure is logged and
// otherwise ignored.
func (s *Supervisor) startFileWatch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Entry(ctx).WithError(err).Warn("supervisor: fsnotify watcher unavailable")
		return
	}

	watched := 0
	if s.cfg.TelemetryFilePath != "" {
		dir := filepath.Dir(s.cfg.TelemetryFilePath)
		if err := watcher.Add(dir); err != nil {
			s.log.Entry(ctx).WithError(err).WithField("dir", dir).Warn("supervisor: watch telemetry dir failed")
		} else {
			watched++
		}
	}
	if s.cfg.MusicStatusDir != "" {
		if err := watcher.Add(s.cfg.MusicStatusDir); err != nil {
			s.log.Entry(ctx).WithError(err).WithField("dir", s.cfg.MusicStatusDir).Warn("supervisor: watch music dir failed")
		} else {
			watched++
		}
	}
	if watched == 0 {
		_ = watcher.Close()
		return
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel

	debounce := s.debounceInterval()
	var lastTelemetry, lastMusic time.Time

	s.watchWG.Add(1)
	go func() {
		defer s.watchWG.Done()
		defer watcher.Close()
		for {
			select {
			case <-watchCtx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				now := time.Now()
				if s.cfg.TelemetryFilePath != "" && ev.Name == s.cfg.TelemetryFilePath {
					if now.Sub(lastTelemetry) >= debounce {
						lastTelemetry = now
						s.pollTelemetry(watchCtx)
					}
					continue
				}
				if s.cfg.MusicStatusDir != "" && filepath.Dir(ev.Name) == filepath.Clean(s.cfg.MusicStatusDir) {
					if now.Sub(lastMusic) >= debounce {
						lastMusic = now
						s.pollMusic(watchCtx)
					}
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Entry(watchCtx).WithError(werr).Warn("supervisor: fsnotify error")
			}
		}
	}()
}
