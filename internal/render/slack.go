package render

import (
	"encoding/json"
	"fmt"
	"strings"

	goslack "github.com/slack-go/slack"

	"github.com/joestump/claude-watch/internal/transform"
)

// Slack renders the block list into a JSON array of Slack layout blocks, the
// document the Slack client consumes. Answered questions render without
// action blocks; unanswered ones get a single actions block with up to five
// buttons plus an overflow context note.
func Slack(blocks []*transform.Block, preset Preset) string {
	lim := presetLimits(preset)
	var out []goslack.Block

	for _, b := range blocks {
		switch b.Kind {
		case transform.BlockUser:
			out = append(out, mrkdwnSection(":bust_in_silhouette: *"+escapeMrkdwn(truncateRunes(b.Text, lim.text))+"*"))
		case transform.BlockAssistant:
			out = append(out, mrkdwnSection(escapeMrkdwn(truncateRunes(b.Text, lim.text))))
		case transform.BlockToolCall:
			line := ":wrench: `" + b.ToolName + "`"
			if s := truncateRunes(b.ToolSummary, lim.summary); s != "" {
				line += " " + escapeMrkdwn(s)
			}
			if b.ToolDone {
				line += " :white_check_mark:"
			}
			out = append(out, mrkdwnContext(line))
		case transform.BlockDuration:
			out = append(out, mrkdwnContext(":stopwatch: "+fmtDuration(b.DurationMs)))
		case transform.BlockSystem:
			out = append(out, mrkdwnContext("_"+escapeMrkdwn(truncateRunes(b.Text, lim.text))+"_"))
		case transform.BlockCompaction:
			out = append(out, mrkdwnContext(":recycle: _"+escapeMrkdwn(b.Text)+"_"))
		case transform.BlockQuestion:
			out = append(out, slackQuestion(b, lim)...)
		case transform.BlockThinking:
			// Never rendered.
		}
	}

	data, _ := json.Marshal(goslack.Blocks{BlockSet: out})
	return string(data)
}

func slackQuestion(b *transform.Block, lim limits) []goslack.Block {
	var out []goslack.Block
	for _, q := range b.Questions {
		out = append(out, mrkdwnSection(":question: *"+escapeMrkdwn(truncateRunes(q.Text, lim.text))+"*"))
		if q.Answered {
			if q.Answer != "" {
				out = append(out, mrkdwnContext("→ "+escapeMrkdwn(q.Answer)))
			}
			continue
		}

		shown := q.Options
		if len(shown) > maxQuestionButtons {
			shown = shown[:maxQuestionButtons]
		}
		var buttons []goslack.BlockElement
		for i, opt := range shown {
			payload := fmt.Sprintf("q:%s:%d:%d", q.ToolUseID, q.Index, i)
			if len(payload) > callbackDataLimit {
				continue
			}
			buttons = append(buttons, goslack.NewButtonBlockElement(
				payload, payload,
				goslack.NewTextBlockObject(goslack.PlainTextType, truncateLabel(opt), false, false),
			))
		}
		if len(buttons) > 0 {
			out = append(out, goslack.NewActionBlock(fmt.Sprintf("q:%s:%d", q.ToolUseID, q.Index), buttons...))
		}
		if extra := len(q.Options) - len(shown); extra > 0 {
			out = append(out, mrkdwnContext(fmt.Sprintf("_+%d more options_", extra)))
		}
	}
	return out
}

func mrkdwnSection(text string) goslack.Block {
	return goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false), nil, nil)
}

func mrkdwnContext(text string) goslack.Block {
	return goslack.NewContextBlock("",
		goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false))
}

// escapeMrkdwn escapes the three characters Slack requires escaping in
// user-supplied text.
func escapeMrkdwn(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
