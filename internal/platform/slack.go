package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/sethvargo/go-retry"
	goslack "github.com/slack-go/slack"
)

// slackBlockLimit is Slack's cap on block-level elements per message.
const slackBlockLimit = 50

// SlackClient is a thin wrapper around the slack-go SDK.
type SlackClient struct {
	api    *goslack.Client
	logger *slog.Logger

	mu        sync.Mutex
	validated bool
}

// NewSlackClient creates a Slack API client.
func NewSlackClient(token string) *SlackClient {
	return &SlackClient{
		api:    goslack.New(token),
		logger: slog.Default().With("component", "slack"),
	}
}

// NewSlackClientWithAPIURL targets a custom API URL. Useful for testing with
// a mock server.
func NewSlackClientWithAPIURL(token, apiURL string) *SlackClient {
	return &SlackClient{
		api:    goslack.New(token, goslack.OptionAPIURL(apiURL)),
		logger: slog.Default().With("component", "slack"),
	}
}

// Validate calls auth.test once and caches success.
func (c *SlackClient) Validate(ctx context.Context) error {
	c.mu.Lock()
	if c.validated {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return &AuthError{Platform: VariantSlack, Err: err}
	}
	c.logger.Info("slack credentials validated", "team", resp.Team, "user", resp.User)

	c.mu.Lock()
	c.validated = true
	c.mu.Unlock()
	return nil
}

// parseBlocks decodes rendered content (a JSON array of Slack blocks) and
// applies the 50-block cap, replacing the tail with a truncation block.
func (c *SlackClient) parseBlocks(content string) ([]goslack.Block, error) {
	var blocks goslack.Blocks
	if err := json.Unmarshal([]byte(content), &blocks); err != nil {
		return nil, fmt.Errorf("decode slack blocks: %w", err)
	}
	set := blocks.BlockSet
	if len(set) > slackBlockLimit {
		truncNote := goslack.NewContextBlock("",
			goslack.NewTextBlockObject(goslack.MarkdownType, "_…output truncated_", false, false))
		set = append(set[:slackBlockLimit-1:slackBlockLimit-1], truncNote)
	}
	return set, nil
}

// Send posts a new message and returns its ts as the handle.
func (c *SlackClient) Send(ctx context.Context, dest Destination, content string) (MessageHandle, error) {
	if err := c.Validate(ctx); err != nil {
		return "", err
	}
	blocks, err := c.parseBlocks(content)
	if err != nil {
		return "", err
	}

	var ts string
	err = c.withRetry(ctx, "chat.postMessage", func(ctx context.Context) error {
		_, postTS, err := c.api.PostMessageContext(ctx, dest.Channel,
			goslack.MsgOptionBlocks(blocks...))
		if err == nil {
			ts = postTS
		}
		return err
	})
	if err != nil {
		return "", &Error{Platform: VariantSlack, Op: "send", Err: err}
	}
	return MessageHandle(ts), nil
}

// Update edits a previously posted message in place. Returns false when
// Slack reports message_not_found.
func (c *SlackClient) Update(ctx context.Context, dest Destination, handle MessageHandle, content string) (bool, error) {
	if err := c.Validate(ctx); err != nil {
		return false, err
	}
	blocks, err := c.parseBlocks(content)
	if err != nil {
		return false, err
	}

	notFound := false
	err = c.withRetry(ctx, "chat.update", func(ctx context.Context) error {
		_, _, _, err := c.api.UpdateMessageContext(ctx, dest.Channel, string(handle),
			goslack.MsgOptionBlocks(blocks...))
		if err != nil && strings.Contains(err.Error(), "message_not_found") {
			notFound = true
			return nil
		}
		return err
	})
	if err != nil {
		return false, &Error{Platform: VariantSlack, Op: "update", Err: err}
	}
	return !notFound, nil
}

// withRetry runs fn, retrying once after ~1 s on transient failures
// (rate limits and transport errors). Other API errors are terminal.
func (c *SlackClient) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	b := retry.WithMaxRetries(1, retry.NewConstant(retryBackoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var rateErr *goslack.RateLimitedError
		var slackErr goslack.SlackErrorResponse
		if errors.As(err, &rateErr) || !errors.As(err, &slackErr) {
			// Rate limited or a transport-level failure: retry once.
			c.logger.Warn("slack call failed, will retry", "op", op, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}
