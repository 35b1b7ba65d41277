package views

import (
	"fmt"
	"time"

	"github.com/rivo/tview"

	"github.com/matborges/lojachat/internal/status"
)

// StatusBar shows the profile, connection state, unread total and any
// flash message on one line.
type StatusBar struct {
	*tview.TextView
	profile string
	state   status.State
	unread  int
	flash   string
}

// NewStatusBar creates the status bar.
func NewStatusBar(profile string) *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)

	return &StatusBar{TextView: tv, profile: profile, state: status.Idle}
}

// SetState updates the connection indicator.
func (sb *StatusBar) SetState(s status.State) {
	sb.state = s
	sb.render()
}

// SetUnread updates the total unread badge.
func (sb *StatusBar) SetUnread(n int) {
	sb.unread = n
	sb.render()
}

// SetFlash sets a temporary message.
func (sb *StatusBar) SetFlash(msg string) {
	sb.flash = msg
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()

	var conn string
	switch sb.state {
	case status.Connected:
		conn = "[green]live[-]"
	case status.Connecting:
		conn = "[yellow]connecting[-]"
	case status.Error:
		conn = "[red]error[-]"
	default:
		conn = "[gray]offline[-]"
	}

	line := fmt.Sprintf(" [::b]%s[-:-:-] | %s | %s", sb.profile, conn, time.Now().Format("15:04"))
	if sb.unread > 0 {
		line += fmt.Sprintf(" | [::b]%d unread[-:-:-]", sb.unread)
	}
	if sb.flash != "" {
		line += fmt.Sprintf(" | [yellow]%s[-]", sb.flash)
	}

	_, _ = fmt.Fprint(sb, line)
}
