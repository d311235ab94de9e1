package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/joestump/claude-watch/internal/platform"
)

// slackTimestampWindow is the maximum clock skew accepted on signed Slack
// requests; anything older is treated as a replay.
const slackTimestampWindow = 300 * time.Second

// handleTelegramWebhook accepts Telegram bot updates. Authenticity comes
// from the secret token Telegram echoes back in a header on every delivery.
func (s *Server) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	secret := s.cfg.Bots.Telegram.WebhookSecret
	if secret == "" {
		writeError(w, http.StatusServiceUnavailable, "telegram webhook is not configured")
		return
	}
	got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var update struct {
		CallbackQuery *struct {
			ID   string `json:"id"`
			Data string `json:"data"`
		} `json:"callback_query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if update.CallbackQuery != nil && update.CallbackQuery.Data != "" {
		s.orch.HandleInteraction(platform.VariantTelegram, update.CallbackQuery.Data)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleSlackWebhook accepts Slack event and interaction callbacks. Requests
// are authenticated by HMAC-SHA256 over "v0:<timestamp>:<body>" with the
// signing secret; a URL-verification challenge is echoed back.
func (s *Server) handleSlackWebhook(w http.ResponseWriter, r *http.Request) {
	secret := s.cfg.Bots.Slack.SigningSecret
	if secret == "" {
		writeError(w, http.StatusServiceUnavailable, "slack webhook is not configured")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if !validSlackSignature(secret, r.Header.Get("X-Slack-Request-Timestamp"),
		r.Header.Get("X-Slack-Signature"), body) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	// Interaction callbacks arrive form-encoded with a "payload" field;
	// event callbacks are plain JSON.
	payload := body
	if vals, err := url.ParseQuery(string(body)); err == nil && vals.Get("payload") != "" {
		payload = []byte(vals.Get("payload"))
	}

	var envelope struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
		Actions   []struct {
			ActionID string `json:"action_id"`
			Value    string `json:"value"`
		} `json:"actions"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if envelope.Type == "url_verification" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": envelope.Challenge})
		return
	}

	for _, action := range envelope.Actions {
		value := action.Value
		if value == "" {
			value = action.ActionID
		}
		s.orch.HandleInteraction(platform.VariantSlack, value)
	}
	w.WriteHeader(http.StatusOK)
}

// validSlackSignature checks the v0 signing scheme in constant time and
// rejects timestamps outside the replay window.
func validSlackSignature(secret, timestamp, signature string, body []byte) bool {
	if timestamp == "" || signature == "" {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	age := time.Since(time.Unix(ts, 0))
	if age > slackTimestampWindow || age < -slackTimestampWindow {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
