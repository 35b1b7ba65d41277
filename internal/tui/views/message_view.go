package views

import (
	"fmt"

	"github.com/rivo/tview"

	"github.com/matborges/lojachat/internal/store"
)

// MessageView renders the active conversation's messages, oldest first,
// with a delivery glyph on our own messages.
type MessageView struct {
	*tview.TextView
}

// NewMessageView creates the message pane.
func NewMessageView() *MessageView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	tv.SetBorder(true).SetTitle(" Messages ")

	return &MessageView{TextView: tv}
}

// SetPeerName updates the pane title.
func (mv *MessageView) SetPeerName(name string) {
	mv.SetTitle(fmt.Sprintf(" %s ", sanitizeForTerminal(name)))
}

// Update redraws the pane. selfID marks which messages are ours; names maps
// participant ids to display names.
func (mv *MessageView) Update(msgs []store.Message, selfID string, names map[string]string) {
	mv.Clear()

	for _, m := range msgs {
		sender := names[m.SenderID]
		if sender == "" {
			sender = m.SenderID
		}
		suffix := ""
		if m.SenderID == selfID {
			sender = "You"
			suffix = " [::d]" + statusGlyph(m.Status) + "[-:-:-]"
		}

		line := fmt.Sprintf("[::b]%s[-:-:-] [::d]%s[-:-:-]%s\n%s\n\n",
			sanitizeForTerminal(sender), formatClock(m.SentAt), suffix, sanitizeForTerminal(m.Content))
		_, _ = fmt.Fprint(mv, line)
	}

	mv.ScrollToEnd()
}
