// Package platform models messaging destinations and the clients that keep a
// single live message per binding up to date on each platform.
package platform

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Variant tags the destination platforms.
type Variant string

const (
	VariantTelegram Variant = "TG"
	VariantSlack    Variant = "SL"
)

// GeneralTopicThreadID is Telegram's reserved "General" topic. It cannot be
// addressed as a thread and is rejected at the boundary.
const GeneralTopicThreadID = 1

/// Destination is a tagged variant: a Telegram chat (optionally a forum
// topic) or a Slack channel.
type Destination struct {
	Variant  Variant
	ChatID   string // Telegram
	ThreadID int    // Telegram; 0 means no topic
	Channel  string // Slack
}

// Telegram builds a Telegram destination. threadID 0 means no topic.
func Telegram(chatID string, threadID int) Destination {
	return Destination{Variant: VariantTelegram, ChatID: chatID, ThreadID: threadID}
}

// Slack builds a Slack destination.
func Slack(channel string) Destination {
	return Destination{Variant: VariantSlack, Channel: channel}
}

// Identifier returns the runtime identifier: the compound chat_id[:thread_id]
// for Telegram, the channel for Slack.
func (d Destination) Identifier() string {
	switch d.Variant {
	case VariantTelegram:
		if d.ThreadID != 0 {
			return d.ChatID + ":" + strconv.Itoa(d.ThreadID)
		}
		return d.ChatID
	case VariantSlack:
		return d.Channel
	}
	return ""
}

func (d Destination) String() string {
	return string(d.Variant) + "/" + d.Identifier()
}

// ParseTelegramIdentifier splits a compound Telegram identifier. chat_id may
// itself start with "-" (supergroups), so only the rightmost colon is
// considered, and only when its suffix parses as an integer.
func ParseTelegramIdentifier(s string) (chatID string, threadID int, err error) {
	if s == "" {
		return "", 0, fmt.Errorf("empty telegram identifier")
	}
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		if n, convErr := strconv.Atoi(s[i+1:]); convErr == nil {
			if s[:i] == "" {
				return "", 0, fmt.Errorf("telegram identifier %q has empty chat_id", s)
			}
			return s[:i], n, nil
		}
	}
	return s, 0, nil
}

// MessageHandle identifies a platform message for later edits: the Telegram
// message_id or the Slack ts.
type MessageHandle string

// Client is the capability set shared by both platforms. Update returns
// false (not an error) when the platform reports the message as gone; the
// caller reacts by re-sending.
type Client interface {
	// Validate performs a credentials-echo call. Success is cached.
	Validate(ctx context.Context) error
	// Send posts new content and returns a handle for later edits.
	Send(ctx context.Context, dest Destination, content string) (MessageHandle, error)
	// Update edits an existing message in place. A "not modified" response
	// from the platform still counts as success.
	Update(ctx context.Context, dest Destination, handle MessageHandle, content string) (bool, error)
}

// AuthError reports rejected or unusable credentials.
type AuthError struct {
	Platform Variant
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s auth failed: %v", e.Platform, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Error reports a platform operation that failed after its retry.
type Error struct {
	Platform Variant
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Platform, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
