package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joestump/claude-watch/internal/platform"
	"github.com/joestump/claude-watch/internal/transform"
)

// Telegram renders the block list into the JSON message document consumed by
// the Telegram client: HTML text plus inline keyboard buttons for unanswered
// questions. THINKING blocks are never rendered.
func Telegram(blocks []*transform.Block, preset Preset) string {
	lim := presetLimits(preset)
	var parts []string
	var buttons []platform.TelegramButton

	for _, b := range blocks {
		switch b.Kind {
		case transform.BlockUser:
			parts = append(parts, "👤 <b>"+escapeHTML(truncateRunes(b.Text, lim.text))+"</b>")
		case transform.BlockAssistant:
			parts = append(parts, escapeHTML(truncateRunes(b.Text, lim.text)))
		case transform.BlockToolCall:
			line := "🔧 <code>" + escapeHTML(b.ToolName) + "</code>"
			if s := truncateRunes(b.ToolSummary, lim.summary); s != "" {
				line += " " + escapeHTML(s)
			}
			if b.ToolDone {
				line += " ✓"
			}
			parts = append(parts, line)
		case transform.BlockDuration:
			parts = append(parts, "⏱ "+fmtDuration(b.DurationMs))
		case transform.BlockSystem:
			parts = append(parts, "<i>"+escapeHTML(truncateRunes(b.Text, lim.text))+"</i>")
		case transform.BlockCompaction:
			parts = append(parts, "<i>♻️ "+escapeHTML(b.Text)+"</i>")
		case transform.BlockQuestion:
			text, qButtons := telegramQuestion(b, lim)
			parts = append(parts, text)
			buttons = append(buttons, qButtons...)
		case transform.BlockThinking:
			// Never rendered.
		}
	}

	doc := platform.TelegramMessage{
		Text:    strings.Join(parts, "\n\n"),
		Buttons: buttons,
	}
	out, _ := json.Marshal(doc)
	return string(out)
}

// telegramQuestion renders one QUESTION block. Unanswered questions get up to
// maxQuestionButtons inline buttons with q:<tool_use_id>:<q>:<opt> callback
// payloads; answered ones render without controls.
func telegramQuestion(b *transform.Block, lim limits) (string, []platform.TelegramButton) {
	var lines []string
	var buttons []platform.TelegramButton

	for _, q := range b.Questions {
		lines = append(lines, "❓ <b>"+escapeHTML(truncateRunes(q.Text, lim.text))+"</b>")
		if q.Answered {
			if q.Answer != "" {
				lines = append(lines, "→ "+escapeHTML(q.Answer))
			}
			continue
		}
		shown := q.Options
		if len(shown) > maxQuestionButtons {
			shown = shown[:maxQuestionButtons]
		}
		for i, opt := range shown {
			data := fmt.Sprintf("q:%s:%d:%d", q.ToolUseID, q.Index, i)
			if len(data) > callbackDataLimit {
				continue
			}
			buttons = append(buttons, platform.TelegramButton{
				Label: truncateLabel(opt),
				Data:  data,
			})
		}
		if extra := len(q.Options) - len(shown); extra > 0 {
			lines = append(lines, fmt.Sprintf("<i>+%d more options</i>", extra))
		}
	}
	return strings.Join(lines, "\n"), buttons
}

func fmtDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	secs := ms / 1000
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	return fmt.Sprintf("%dm%ds", secs/60, secs%60)
}

// escapeHTML escapes the metacharacters of Telegram's HTML parse mode.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
