// Package render turns a session's event list into presentation strings, one
// per (preset, platform). Rendering is a pure fold over the events; the cache
// stores the latest strings per session.
package render

import (
	"encoding/json"

	"github.com/joestump/claude-watch/internal/events"
	"github.com/joestump/claude-watch/internal/transform"
)

// Preset selects layout density and truncation rules.
type Preset string

const (
	PresetDesktop Preset = "desktop"
	PresetMobile  Preset = "mobile"
)

// Presets lists all render presets.
var Presets = []Preset{PresetDesktop, PresetMobile}

// ValidPreset reports whether s names a preset.
func ValidPreset(s string) bool {
	return s == string(PresetDesktop) || s == string(PresetMobile)
}

// limits are the per-preset truncation rules.
type limits struct {
	text    int // cap per text block
	summary int // cap per tool summary
}

func presetLimits(p Preset) limits {
	if p == PresetMobile {
		return limits{text: 1000, summary: 60}
	}
	return limits{text: 3500, summary: 120}
}

// maxQuestionButtons caps the interactive affordances per question; options
// beyond it are summarised in an overflow notice.
const maxQuestionButtons = 5

// callbackDataLimit is Telegram's cap on callback_data, in bytes. The same
// q:<tool_use_id>:<q>:<opt> payload is used on both platforms, so it is
// enforced for both: a payload that cannot round-trip gets no button.
const callbackDataLimit = 64

// Fold replays buffered envelopes into the current block list. AddBlock
// appends, UpdateBlock merges into the addressed block, ClearAll resets.
// Unknown envelopes (e.g. the terminal session_ended) are ignored.
func Fold(envs []events.Envelope) []*transform.Block {
	var blocks []*transform.Block
	index := make(map[int]*transform.Block)

	for _, env := range envs {
		var ev transform.Event
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			continue
		}
		switch ev.Kind {
		case transform.AddBlock:
			if ev.Block == nil {
				continue
			}
			b := *ev.Block // private copy; folds must not share state
			blocks = append(blocks, &b)
			index[b.Seq] = &b
		case transform.UpdateBlock:
			if ev.Block == nil {
				continue
			}
			b, ok := index[ev.Block.Seq]
			if !ok {
				continue // target fell off the ring or predates a ClearAll
			}
			b.ToolDone = b.ToolDone || ev.Block.ToolDone
			if b.Kind == transform.BlockQuestion {
				for i := range b.Questions {
					b.Questions[i].Answered = true
					b.Questions[i].Answer = ev.Block.Text
				}
			}
		case transform.ClearAll:
			blocks = nil
			index = make(map[int]*transform.Block)
		}
	}
	return blocks
}

func truncateRunes(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

// truncateLabel caps a button label at 30 characters with an ellipsis.
func truncateLabel(s string) string {
	return truncateRunes(s, 30)
}
