package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"

	"github.com/joestump/claude-watch/internal/config"
	"github.com/joestump/claude-watch/internal/orchestrator"
	"github.com/joestump/claude-watch/internal/platform"
	"github.com/joestump/claude-watch/internal/registry"
	"github.com/joestump/claude-watch/internal/render"
)

// parseDestination validates the tagged destination payload and builds the
// runtime value. TG thread_id 1 is Telegram's reserved "General" topic and
// cannot be addressed.
func parseDestination(p destinationPayload) (platform.Destination, error) {
	switch p.Type {
	case string(platform.VariantTelegram):
		if p.ChatID == "" {
			return platform.Destination{}, fmt.Errorf("chat_id must not be empty")
		}
		threadID := 0
		if p.ThreadID != nil {
			if *p.ThreadID <= 0 {
				return platform.Destination{}, fmt.Errorf("thread_id must be a positive integer")
			}
			if *p.ThreadID == platform.GeneralTopicThreadID {
				return platform.Destination{}, fmt.Errorf("thread_id 1 is the reserved General topic and cannot be targeted")
			}
			threadID = *p.ThreadID
		}
		return platform.Telegram(p.ChatID, threadID), nil
	case string(platform.VariantSlack):
		if p.Channel == "" {
			return platform.Destination{}, fmt.Errorf("channel must not be empty")
		}
		return platform.Slack(p.Channel), nil
	default:
		return platform.Destination{}, fmt.Errorf("destination type must be %q or %q",
			platform.VariantTelegram, platform.VariantSlack)
	}
}

func destinationToPayload(d platform.Destination) destinationPayload {
	p := destinationPayload{Type: string(d.Variant)}
	switch d.Variant {
	case platform.VariantTelegram:
		p.ChatID = d.ChatID
		if d.ThreadID != 0 {
			t := d.ThreadID
			p.ThreadID = &t
		}
	case platform.VariantSlack:
		p.Channel = d.Channel
	}
	return p
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req attachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if req.Path != "" && !filepath.IsAbs(req.Path) {
		writeError(w, http.StatusBadRequest, "path must be absolute")
		return
	}
	if req.Preset == "" {
		req.Preset = string(render.PresetDesktop)
	}
	if !render.ValidPreset(req.Preset) {
		writeError(w, http.StatusBadRequest, "preset must be \"desktop\" or \"mobile\"")
		return
	}
	if req.ReplayCount < 0 {
		writeError(w, http.StatusBadRequest, "replay_count must not be negative")
		return
	}
	dest, err := parseDestination(req.Destination)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.orch.Attach(r.Context(), orchestrator.AttachParams{
		SessionID:   req.SessionID,
		Path:        req.Path,
		Destination: dest,
		Preset:      render.Preset(req.Preset),
		ReplayCount: req.ReplayCount,
	})
	if err != nil {
		s.writeAttachError(w, err)
		return
	}

	// A duplicate attach is not an error, but it did not create anything.
	status := http.StatusCreated
	if !res.Attached {
		status = http.StatusOK
	}
	writeJSON(w, status, attachResponse{
		Attached:       res.Attached,
		SessionID:      req.SessionID,
		Destination:    destinationToPayload(dest),
		Preset:         req.Preset,
		MessageID:      res.MessageID,
		ReplayedEvents: res.ReplayedEvents,
	})
}

func (s *Server) writeAttachError(w http.ResponseWriter, err error) {
	var authErr *platform.AuthError
	switch {
	case errors.Is(err, orchestrator.ErrNotConfigured):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &authErr):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, orchestrator.ErrFileMissing),
		errors.Is(err, registry.ErrUnknownSession):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("attach failed", "error", err)
		writeError(w, http.StatusInternalServerError, "attach failed")
	}
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	var req detachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	dest, err := parseDestination(req.Destination)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.orch.SessionKnown(req.SessionID) {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	removed, err := s.orch.Detach(req.SessionID, dest)
	if err != nil {
		s.logger.Error("detach failed", "error", err)
		writeError(w, http.StatusInternalServerError, "detach failed")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "destination not attached")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	infos := s.orch.Sessions()
	sort.Slice(infos, func(i, j int) bool { return infos[i].SessionID < infos[j].SessionID })

	resp := sessionsResponse{Sessions: make([]sessionEntry, 0, len(infos))}
	for _, info := range infos {
		entry := sessionEntry{
			SessionID:  info.SessionID,
			Path:       info.Path,
			SSEClients: info.SSEClients,
			Destinations: sessionDestinations{
				Telegram: []destinationPayload{},
				Slack:    []destinationPayload{},
			},
		}
		for _, tg := range info.Destinations.Telegram {
			entry.Destinations.Telegram = append(entry.Destinations.Telegram,
				telegramConfigToPayload(tg))
		}
		for _, sl := range info.Destinations.Slack {
			entry.Destinations.Slack = append(entry.Destinations.Slack,
				destinationPayload{Type: string(platform.VariantSlack), Channel: sl.Channel})
		}
		resp.Sessions = append(resp.Sessions, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

func telegramConfigToPayload(tg config.TelegramDestination) destinationPayload {
	p := destinationPayload{Type: string(platform.VariantTelegram), ChatID: tg.ChatID}
	if tg.ThreadID != nil {
		t := *tg.ThreadID
		p.ThreadID = &t
	}
	return p
}

// handleEvents serves the per-session SSE stream, replaying from the
// Last-Event-ID header when the client reconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	sub, cancel, err := s.orch.Subscribe(sessionID, r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-sub.Events():
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.orch.HealthInfo()
	botState := func(configured bool) string {
		if configured {
			return "configured"
		}
		return "not_configured"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:          "healthy",
		UptimeSeconds:   h.UptimeSeconds,
		SessionsWatched: h.SessionsWatched,
		Bots: map[string]string{
			string(platform.VariantTelegram): botState(h.Telegram),
			string(platform.VariantSlack):    botState(h.Slack),
		},
	})
}
