// Package tui is the terminal chat surface. It renders the conversation
// store and never owns chat state itself: every keystroke turns into a store
// operation and every redraw reads back from the store, so the screen is
// always a pure projection of store contents.
package tui

import (
	"context"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"github.com/matborges/lojachat/internal/bus"
	"github.com/matborges/lojachat/internal/status"
	"github.com/matborges/lojachat/internal/store"
	"github.com/matborges/lojachat/internal/tui/model"
	"github.com/matborges/lojachat/internal/tui/views"
)

// App is the TUI application shell.
type App struct {
	app      *tview.Application
	pages    *tview.Pages
	store    *store.Store
	bus      *bus.Bus
	machine  *status.Machine
	logger   *zap.Logger
	flash    model.Flash
	convList *views.ConversationList
	msgView  *views.MessageView
	composer *views.Composer
	bar      *views.StatusBar
	ctx      context.Context
	cancel   context.CancelFunc
}

// Config carries the TUI collaborators.
type Config struct {
	Store   *store.Store
	Bus     *bus.Bus
	Machine *status.Machine
	Logger  *zap.Logger
	Profile string
}

// New creates the TUI application.
func New(cfg Config) *App {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	a := &App{
		app:      tview.NewApplication(),
		pages:    tview.NewPages(),
		store:    cfg.Store,
		bus:      cfg.Bus,
		machine:  cfg.Machine,
		logger:   cfg.Logger,
		convList: views.NewConversationList(),
		msgView:  views.NewMessageView(),
		composer: views.NewComposer(),
		bar:      views.NewStatusBar(cfg.Profile),
		ctx:      ctx,
		cancel:   cancel,
	}

	a.setupCallbacks()
	a.setupLayout()
	return a
}

func (a *App) setupCallbacks() {
	a.convList.SetSelectedFunc(func(row, col int) {
		if id := a.convList.Selected(); id != "" {
			a.openConversation(id)
		}
	})

	a.composer.SetOnSend(func(text string) {
		active, ok := a.store.Conversation(a.store.ActiveID())
		if !ok {
			return
		}
		req := store.SendRequest{Content: text}
		if store.IsTempKey(active.ID) {
			req.ReceiverID = store.TempKeyUser(active.ID)
		} else {
			req.ConversationID = active.ID
			req.ReceiverID = active.Peer(a.store.SelfID()).ID
		}
		go func() {
			if _, err := a.store.SendMessage(req); err != nil {
				a.flash.Set("Send failed: "+err.Error(), 5*time.Second)
				a.logger.Warn("send failed", zap.Error(err))
			}
			a.app.QueueUpdateDraw(a.refresh)
		}()
	})
}

func (a *App) setupLayout() {
	chatFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.msgView, 0, 1, false).
		AddItem(a.composer, 1, 0, false)

	a.pages.AddPage("conversations", a.convList, true, true)
	a.pages.AddPage("chat", chatFlex, true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.bar, 1, 0, false)

	a.app.SetRoot(root, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		page, _ := a.pages.GetFrontPage()

		if event.Key() == tcell.KeyEscape && page == "chat" {
			a.pages.SwitchToPage("conversations")
			a.app.SetFocus(a.convList)
			return nil
		}

		// Text input handles its own keys.
		if _, ok := a.app.GetFocus().(*tview.InputField); ok {
			return event
		}

		if event.Key() == tcell.KeyRune {
			switch {
			case event.Rune() == 'q':
				a.app.Stop()
				return nil
			case event.Rune() == 'i' && page == "chat":
				a.app.SetFocus(a.composer.InputField)
				return nil
			case event.Rune() == 'r':
				go func() {
					if err := a.store.LoadConversations(a.ctx); err != nil {
						a.flash.Set("Refresh failed: "+err.Error(), 5*time.Second)
					}
					a.app.QueueUpdateDraw(a.refresh)
				}()
				return nil
			}
		}
		return event
	})
}

func (a *App) openConversation(id string) {
	go func() {
		if err := a.store.SetActive(a.ctx, id); err != nil {
			a.flash.Set("Load failed: "+err.Error(), 5*time.Second)
			a.logger.Warn("open conversation failed", zap.String("conversation", id), zap.Error(err))
		}
		a.app.QueueUpdateDraw(func() {
			a.refresh()
			a.pages.SwitchToPage("chat")
			a.app.SetFocus(a.composer.InputField)
		})
	}()
}

// refresh redraws every widget from the current store snapshot. Must run on
// the tview event loop.
func (a *App) refresh() {
	selfID := a.store.SelfID()
	presence := a.store.Presence()
	convs := a.store.Conversations()
	a.convList.Update(convs, selfID, presence.Online)

	active := a.store.ActiveID()
	if active != "" {
		names := make(map[string]string)
		title := active
		if c, ok := a.store.Conversation(active); ok {
			for _, p := range c.Participants {
				names[p.ID] = p.Name
			}
			if peer := c.Peer(selfID); peer.Name != "" {
				title = peer.Name
			} else if peer.ID != "" {
				title = peer.ID
			}
		}
		a.msgView.SetPeerName(title)
		a.msgView.Update(a.store.Messages(active), selfID, names)
	}

	a.bar.SetState(a.machine.Current())
	a.bar.SetUnread(a.store.UnreadTotal())
	a.bar.SetFlash(a.flash.Get())
}

// Run starts the event loop and blocks until the user quits or Stop is
// called.
func (a *App) Run() error {
	storeCh, unsubStore := a.bus.Subscribe("store.", 64)
	connCh, unsubConn := a.bus.Subscribe("conn.", 16)
	go func() {
		defer unsubStore()
		defer unsubConn()
		for {
			select {
			case <-storeCh:
			case <-connCh:
			case <-a.ctx.Done():
				return
			}
			a.app.QueueUpdateDraw(a.refresh)
		}
	}()

	go func() {
		if err := a.store.LoadConversations(a.ctx); err != nil {
			a.flash.Set("Load failed: "+err.Error(), 5*time.Second)
			a.logger.Warn("initial load failed", zap.Error(err))
		}
		a.app.QueueUpdateDraw(a.refresh)
	}()

	return a.app.Run()
}

// Stop terminates the event loop. Safe to call from any goroutine.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
