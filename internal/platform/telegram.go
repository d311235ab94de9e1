package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sethvargo/go-retry"
)

// telegramTextLimit is the Bot API cap on message text length, in characters.
const telegramTextLimit = 4096

// truncationMarker trails Telegram content that had to be cut.
const truncationMarker = "\n[truncated]"

// truncationReserve is the headroom kept below the limit for the marker and
// for the closing tags truncateHTML appends.
const truncationReserve = len(truncationMarker) + 16

// retryBackoff is the pause before the single retry of a transient failure.
const retryBackoff = time.Second

// TelegramMessage is the rendered document the Telegram client consumes:
// HTML-formatted text plus optional inline keyboard buttons (one per row).
type TelegramMessage struct {
	Text    string           `json:"text"`
	Buttons []TelegramButton `json:"buttons,omitempty"`
}

// TelegramButton is one inline keyboard button. Data is the callback payload
// and must fit Telegram's 64-byte callback_data limit.
type TelegramButton struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// TelegramClient talks to the Telegram Bot API over plain HTTP, in the same
// shape as the other hand-rolled JSON API clients in this codebase.
type TelegramClient struct {
	token   string
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	mu        sync.Mutex
	validated bool
}

// NewTelegramClient creates a client for the given bot token.
func NewTelegramClient(token string) *TelegramClient {
	return &TelegramClient{
		token:   token,
		baseURL: "https://api.telegram.org",
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default().With("component", "telegram"),
	}
}

// NewTelegramClientWithBaseURL targets a custom API URL. Useful for testing
// against a mock server.
func NewTelegramClientWithBaseURL(token, baseURL string) *TelegramClient {
	c := NewTelegramClient(token)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// apiResponse is the Bot API envelope shared by all methods.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
}

// apiError is a non-ok Bot API response.
type apiError struct {
	Code        int
	Description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram api error %d: %s", e.Code, e.Description)
}

// transient reports whether the error is worth one retry.
func (e *apiError) transient() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

func (c *TelegramClient) doJSON(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}

	var env apiResponse
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if !env.OK {
		return &apiError{Code: env.ErrorCode, Description: env.Description}
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

// Validate calls getMe once and caches success.
func (c *TelegramClient) Validate(ctx context.Context) error {
	c.mu.Lock()
	if c.validated {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var me struct {
		Username string `json:"username"`
	}
	if err := c.doJSON(ctx, "getMe", struct{}{}, &me); err != nil {
		return &AuthError{Platform: VariantTelegram, Err: err}
	}
	c.logger.Info("telegram credentials validated", "bot", me.Username)

	c.mu.Lock()
	c.validated = true
	c.mu.Unlock()
	return nil
}

// sendPayload covers both sendMessage and editMessageText.
type sendPayload struct {
	ChatID          string          `json:"chat_id"`
	MessageID       int64           `json:"message_id,omitempty"`
	MessageThreadID int             `json:"message_thread_id,omitempty"`
	Text            string          `json:"text"`
	ParseMode       string          `json:"parse_mode"`
	ReplyMarkup     *inlineKeyboard `json:"reply_markup,omitempty"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

func (c *TelegramClient) buildPayload(dest Destination, content string) (*sendPayload, error) {
	var msg TelegramMessage
	if err := json.Unmarshal([]byte(content), &msg); err != nil {
		// Plain text content is accepted as-is.
		msg = TelegramMessage{Text: content}
	}

	p := &sendPayload{
		ChatID:          dest.ChatID,
		MessageThreadID: dest.ThreadID,
		Text:            truncateHTML(msg.Text),
		ParseMode:       "HTML",
	}
	if len(msg.Buttons) > 0 {
		kb := &inlineKeyboard{}
		for _, b := range msg.Buttons {
			kb.InlineKeyboard = append(kb.InlineKeyboard, []inlineButton{{
				Text:         b.Label,
				CallbackData: b.Data,
			}})
		}
		p.ReplyMarkup = kb
	}
	return p, nil
}

// truncateHTML caps text at telegramTextLimit characters. The cut lands on a
// rune boundary; a half-emitted entity or tag at the cut is rolled back and
// tags still open are closed, so parse_mode HTML keeps accepting the message.
func truncateHTML(text string) string {
	if utf8.RuneCountInString(text) <= telegramTextLimit {
		return text
	}
	keep := []rune(text)[:telegramTextLimit-truncationReserve]

	// Entities (&amp; and friends) are short, so only the tail can hold a
	// partial one.
	for i, back := len(keep)-1, 0; i >= 0 && back < 8; i, back = i-1, back+1 {
		if keep[i] == ';' {
			break
		}
		if keep[i] == '&' {
			keep = keep[:i]
			break
		}
	}
	// Renderer output escapes literal angle brackets, so a bare '<' with no
	// '>' after it can only be a cut-open tag.
	for i := len(keep) - 1; i >= 0; i-- {
		if keep[i] == '>' {
			break
		}
		if keep[i] == '<' {
			keep = keep[:i]
			break
		}
	}

	var sb strings.Builder
	sb.WriteString(string(keep))
	open := openTags(string(keep))
	for i := len(open) - 1; i >= 0; i-- {
		sb.WriteString("</" + open[i] + ">")
	}
	sb.WriteString(truncationMarker)
	return sb.String()
}

// openTags returns the tags opened but not closed in s, outermost first.
func openTags(s string) []string {
	var stack []string
	for i := 0; i < len(s); i++ {
		if s[i] != '<' {
			continue
		}
		j := strings.IndexByte(s[i:], '>')
		if j < 0 {
			break
		}
		tag := s[i+1 : i+j]
		if strings.HasPrefix(tag, "/") {
			if n := len(stack); n > 0 && stack[n-1] == tag[1:] {
				stack = stack[:n-1]
			}
		} else {
			stack = append(stack, tag)
		}
		i += j
	}
	return stack
}

// Send posts a new message and returns its message_id as the handle.
func (c *TelegramClient) Send(ctx context.Context, dest Destination, content string) (MessageHandle, error) {
	if err := c.Validate(ctx); err != nil {
		return "", err
	}
	payload, err := c.buildPayload(dest, content)
	if err != nil {
		return "", err
	}

	var sent struct {
		MessageID int64 `json:"message_id"`
	}
	err = c.withRetry(ctx, func(ctx context.Context) error {
		return c.doJSON(ctx, "sendMessage", payload, &sent)
	})
	if err != nil {
		return "", &Error{Platform: VariantTelegram, Op: "send", Err: err}
	}
	return MessageHandle(strconv.FormatInt(sent.MessageID, 10)), nil
}

// Update edits a previously sent message. Returns false when Telegram
// reports the message as gone; "message is not modified" counts as success.
func (c *TelegramClient) Update(ctx context.Context, dest Destination, handle MessageHandle, content string) (bool, error) {
	if err := c.Validate(ctx); err != nil {
		return false, err
	}
	msgID, err := strconv.ParseInt(string(handle), 10, 64)
	if err != nil {
		return false, fmt.Errorf("bad telegram handle %q: %w", handle, err)
	}
	payload, err := c.buildPayload(dest, content)
	if err != nil {
		return false, err
	}
	payload.MessageID = msgID

	notFound := false
	err = c.withRetry(ctx, func(ctx context.Context) error {
		err := c.doJSON(ctx, "editMessageText", payload, nil)
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			desc := strings.ToLower(apiErr.Description)
			if strings.Contains(desc, "message is not modified") {
				return nil
			}
			if strings.Contains(desc, "message to edit not found") {
				notFound = true
				return nil
			}
		}
		return err
	})
	if err != nil {
		return false, &Error{Platform: VariantTelegram, Op: "update", Err: err}
	}
	return !notFound, nil
}

// withRetry runs fn, retrying once after ~1 s on transient failures.
func (c *TelegramClient) withRetry(ctx context.Context, fn func(context.Context) error) error {
	b := retry.WithMaxRetries(1, retry.NewConstant(retryBackoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var apiErr *apiError
		if errors.As(err, &apiErr) && !apiErr.transient() {
			return err // terminal: 4xx other than 429
		}
		c.logger.Warn("telegram call failed, will retry", "error", err)
		return retry.RetryableError(err)
	})
}
