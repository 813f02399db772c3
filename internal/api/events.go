package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"nets-observer/internal/notifier"
)

type changePayload struct {
	Path string `json:"path"`
	TS   int64  `json:"ts"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if s.notifier == nil {
		writeError(w, http.StatusServiceUnavailable, "事件推送未启用")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	registry := s.notifier.Registry()
	obs := registry.Add()
	defer registry.Remove(obs.ID)

	if err := writeEvent(w, string(notifier.EventHello), "", map[string]bool{"ok": true}); err != nil {
		return
	}
	flusher.Flush()

	interval := 15 * time.Second
	if s.cfg != nil && s.cfg.Server.KeepAliveSeconds > 0 {
		interval = s.cfg.Server.KeepAlive()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case now := <-ticker.C:
			if err := writeEvent(w, string(notifier.EventPing), "", map[string]int64{"t": now.UnixMilli()}); err != nil {
				return
			}
		case ev, ok := <-obs.Events():
			if !ok {
				return
			}
			if err := writeEvent(w, string(ev.Type), ev.ID, changePayload{Path: ev.Path, TS: ev.TS}); err != nil {
				s.logger.Debug("observer disconnected", slog.String("observer", obs.ID), slog.Any("error", err))
				return
			}
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, name, id string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
	return err
}
