package web

// destinationPayload is the tagged destination shape shared by attach and
// detach requests.
type destinationPayload struct {
	Type     string `json:"type"` // "TG" or "SL"
	ChatID   string `json:"chat_id,omitempty"`
	ThreadID *int   `json:"thread_id,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

type attachRequest struct {
	SessionID   string             `json:"session_id"`
	Path        string             `json:"path,omitempty"`
	Destination destinationPayload `json:"destination"`
	Preset      string             `json:"preset"`
	ReplayCount int                `json:"replay_count,omitempty"`
}

type attachResponse struct {
	Attached       bool               `json:"attached"`
	SessionID      string             `json:"session_id"`
	Destination    destinationPayload `json:"destination"`
	Preset         string             `json:"preset"`
	MessageID      string             `json:"message_id,omitempty"`
	ReplayedEvents int                `json:"replayed_events"`
}

type detachRequest struct {
	SessionID   string             `json:"session_id"`
	Destination destinationPayload `json:"destination"`
}

type sessionEntry struct {
	SessionID    string              `json:"session_id"`
	Path         string              `json:"path"`
	Destinations sessionDestinations `json:"destinations"`
	SSEClients   int                 `json:"sse_clients"`
}

type sessionDestinations struct {
	Telegram []destinationPayload `json:"TG"`
	Slack    []destinationPayload `json:"SL"`
}

type sessionsResponse struct {
	Sessions []sessionEntry `json:"sessions"`
}

type healthResponse struct {
	Status          string            `json:"status"`
	UptimeSeconds   int64             `json:"uptime_seconds"`
	SessionsWatched int               `json:"sessions_watched"`
	Bots            map[string]string `json:"bots"`
}
