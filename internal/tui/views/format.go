package views

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/matborges/lojachat/internal/store"
)

// statusGlyph maps a delivery status to its one-cell indicator.
func statusGlyph(s store.Status) string {
	switch s {
	case store.StatusPending:
		return "…"
	case store.StatusRead:
		return "✓✓"
	default:
		return "✓"
	}
}

func formatClock(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}

// preview shortens a message body to a single list-row cell.
func preview(s string, max int) string {
	s = sanitizeForTerminal(strings.ReplaceAll(s, "\n", " "))
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}

// sanitizeForTerminal strips codepoints that tcell renders with a wrong cell
// width: skin tone modifiers, zero width joiners and variation selectors.
// The base emoji that remains draws correctly as a two-cell character.
func sanitizeForTerminal(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 0x1F3FB && r <= 0x1F3FF: // skin tones
			return -1
		case r == 0x200D: // zero width joiner
			return -1
		case r >= 0xFE00 && r <= 0xFE0F: // variation selectors
			return -1
		case r >= 0xE0100 && r <= 0xE01EF: // variation selectors supplement
			return -1
		}
		return r
	}, s)
}
