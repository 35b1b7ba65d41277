package views

import (
	"fmt"

	"github.com/rivo/tview"

	"github.com/matborges/lojachat/internal/store"
)

// ConversationList is the left-hand table of conversations with unread
// badges and a presence marker for the peer.
type ConversationList struct {
	*tview.Table
	conversations []store.Conversation
	selectedFn    func() (int, int)
}

// NewConversationList creates the conversation table.
func NewConversationList() *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false)
	table.SetBorder(true).SetTitle(" Conversations ")

	cl := &ConversationList{Table: table}
	cl.selectedFn = table.GetSelection
	return cl
}

// Update redraws the table. online reports whether a peer id is currently
// online; selfID identifies our own participant entry.
func (cl *ConversationList) Update(convs []store.Conversation, selfID string, online func(string) bool) {
	cl.conversations = convs
	cl.Clear()

	cl.SetCell(0, 0, tview.NewTableCell(" Contact").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	cl.SetCell(0, 1, tview.NewTableCell(" Last Message").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	cl.SetCell(0, 2, tview.NewTableCell(" Time").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))

	for i, conv := range convs {
		row := i + 1
		peer := conv.Peer(selfID)
		name := peer.Name
		if name == "" {
			name = peer.ID
		}
		if store.IsTempKey(conv.ID) {
			name = store.TempKeyUser(conv.ID) + " (new)"
		}
		marker := " "
		if online != nil && online(peer.ID) {
			marker = "[green]●[-]"
		}
		if conv.UnreadCount > 0 {
			name = fmt.Sprintf("%s (%d)", name, conv.UnreadCount)
		}

		var lastBody string
		var lastTime string
		if conv.LastMessage != nil {
			lastBody = preview(conv.LastMessage.Content, 40)
			lastTime = formatClock(conv.LastMessage.SentAt)
		}

		cl.SetCell(row, 0, tview.NewTableCell(marker+" "+sanitizeForTerminal(name)).SetMaxWidth(30).SetExpansion(1))
		cl.SetCell(row, 1, tview.NewTableCell(" "+lastBody).SetMaxWidth(40).SetExpansion(2))
		cl.SetCell(row, 2, tview.NewTableCell(" "+lastTime).SetMaxWidth(12))
	}
}

// Selected returns the conversation id of the highlighted row, or "".
func (cl *ConversationList) Selected() string {
	row, _ := cl.selectedFn()
	idx := row - 1 // header
	if idx >= 0 && idx < len(cl.conversations) {
		return cl.conversations[idx].ID
	}
	return ""
}
