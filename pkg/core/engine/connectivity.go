package engine

import "github.com/vango-go/vai-interpret/pkg/core/recognition"

// online is the effective connectivity: the network is reachable and, once a
// session has connected, its relay link is up.
func (e *Engine) online() bool {
	if !e.netOnline {
		return false
	}
	if s := e.sess; s != nil && s.id != "" {
		return s.linkUp
	}
	return true
}

func (e *Engine) onNetwork(up bool) {
	before := e.online()
	e.netOnline = up
	if after := e.online(); after != before {
		e.connectivityChanged(after)
	}
}

func (e *Engine) onLink(gen uint64, up bool) {
	s := e.current(gen)
	if s == nil || s.id == "" {
		return
	}
	before := e.online()
	s.linkUp = up
	if after := e.online(); after != before {
		e.connectivityChanged(after)
	}
}

// connectivityChanged pauses or resumes the session. Losing connectivity is
// not an error: recognition and playback are suspended and resume where they
// left off.
func (e *Engine) connectivityChanged(online bool) {
	s := e.sess
	if s == nil || !s.ready || s.failed || s.stopping {
		return
	}
	e.logger.Info("connectivity changed", "session_id", s.id, "online", online, "role", s.role)
	if s.player != nil {
		if online {
			s.player.Release()
		} else {
			s.player.Hold()
		}
	}
	if e.speaker() == nil || e.rec == nil {
		return
	}
	if online {
		e.recQ.Go(func() {
			if e.rec.State() == recognition.StatePaused {
				if err := e.rec.Resume(); err != nil {
					e.logger.Warn("resume recognition", "error", err)
				}
			}
		})
		e.pump(s)
		return
	}
	ctx := s.ctx
	e.recQ.Go(func() {
		if e.rec.State() == recognition.StateListening {
			if err := e.rec.Pause(ctx); err != nil {
				e.logger.Warn("pause recognition", "error", err)
			}
		}
	})
}
