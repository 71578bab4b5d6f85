package presenter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"nudge/internal/module"
	rtsup "nudge/internal/runtime/supervisor"
	logx "nudge/pkg/logx"
	"nudge/pkg/tgui"
)

type TelegramConfig struct {
	Token       string
	ChatID      int64
	ThreadID    int
	PollTimeout time.Duration
	// Offline skips the getMe handshake; used by tests and dry runs.
	Offline bool
}

// ActionHandler receives a user's button press for the module behind tag.
type ActionHandler func(ctx context.Context, tag string, action module.Action) error

// TelegramSink posts notifications to one chat (optionally a forum topic) and
// turns inline button presses back into module actions.
type TelegramSink struct {
	cfg TelegramConfig
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	onAct   ActionHandler
	sup     *rtsup.Supervisor
	running bool
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	s := &TelegramSink{cfg: cfg, log: log, bot: b}
	b.Handle(tele.OnCallback, s.handleCallback)
	return s, nil
}

// SetActionHandler installs the callback used for button presses.
func (s *TelegramSink) SetActionHandler(h ActionHandler) {
	s.mu.Lock()
	s.onAct = h
	s.mu.Unlock()
}

// Start begins long polling for button presses. It is idempotent.
func (s *TelegramSink) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.Go0("telegram.poll", func(context.Context) {
		s.log.Info("polling started")
		s.bot.Start()
	})
	s.sup.Go0("telegram.stop", func(c context.Context) {
		<-c.Done()
		s.bot.Stop()
	})
}

func (s *TelegramSink) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	wasRunning := s.running
	s.running = false
	s.sup = nil
	s.mu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}

	// getUpdates may still be long-polling; don't hold shutdown on it for long.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Stop(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.log.Info("polling stopped")
	return nil
}

func (s *TelegramSink) Present(_ context.Context, c Content, id Identity) error {
	chat := &tele.Chat{ID: s.cfg.ChatID}
	opts := &tele.SendOptions{
		ParseMode:   tele.ModeHTML,
		ThreadID:    s.cfg.ThreadID,
		ReplyMarkup: buildMarkup(c.Buttons, id),
	}
	var what any = renderText(c, tgui.MaxMessageLen)
	if c.Hero != "" {
		what = &tele.Photo{File: heroFile(c.Hero), Caption: renderText(c, tgui.MaxCaptionLen)}
	}
	if _, err := s.bot.Send(chat, what, opts); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func (s *TelegramSink) handleCallback(c tele.Context) error {
	cb := c.Callback()
	if cb == nil {
		return nil
	}
	action, tag, ok := parseCallback(cb.Data)
	if !ok {
		return c.Respond(&tele.CallbackResponse{Text: "Unknown action"})
	}
	s.mu.Lock()
	h := s.onAct
	s.mu.Unlock()
	if h == nil {
		return c.Respond(&tele.CallbackResponse{Text: "Not available"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h(ctx, tag, action); err != nil {
		s.log.Warn("action failed", logx.String("tag", tag), logx.String("action", string(action)), logx.Err(err))
		return c.Respond(&tele.CallbackResponse{Text: "Failed: " + tgui.TruncRunes(err.Error(), 150)})
	}
	return c.Respond(&tele.CallbackResponse{Text: actionReply(action)})
}

// renderText renders c as Telegram HTML, cutting the body so the visible
// text stays within limit.
func renderText(c Content, limit int) string {
	var head []tgui.H
	used := 0
	if c.Icon != "" && !looksLikePath(c.Icon) {
		head = append(head, tgui.Esc(c.Icon))
		used += utf8.RuneCountInString(c.Icon) + 1
	}
	if c.Title != "" {
		head = append(head, tgui.B(c.Title))
		used += utf8.RuneCountInString(c.Title) + 1
	}
	header := tgui.JoinH(" ", head...)
	if c.Body == "" {
		return header.String()
	}
	if used > 0 {
		used++ // the blank line; the last +1 above covers the newline
	}
	body := tgui.Esc(tgui.TruncRunes(c.Body, max(limit-used, 1)))
	return tgui.JoinH("\n\n", header, body).String()
}

func looksLikePath(s string) bool {
	return strings.ContainsAny(s, "/\\.")
}

func heroFile(src string) tele.File {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return tele.FromURL(src)
	}
	return tele.FromDisk(src)
}

var actionCodes = map[module.Action]string{
	module.ActionAcknowledge: "a",
	module.ActionDismiss:     "d",
	module.ActionSnooze:      "s",
}

func callbackData(action module.Action, tag string) (string, error) {
	return tgui.Data(actionCodes[action], tag)
}

func parseCallback(data string) (module.Action, string, bool) {
	code, tag, ok := tgui.Split(data)
	if !ok {
		return "", "", false
	}
	for a, c := range actionCodes {
		if c == code {
			return a, tag, true
		}
	}
	return "", "", false
}

func buildMarkup(buttons []module.Button, id Identity) *tele.ReplyMarkup {
	if len(buttons) == 0 {
		return nil
	}
	row := make([]tele.InlineButton, 0, len(buttons))
	for _, b := range buttons {
		btn := tele.InlineButton{Text: b.Label}
		switch {
		case b.URL != "":
			btn.URL = b.URL
		case b.Action.Valid():
			data, err := callbackData(b.Action, id.Tag)
			if err != nil {
				continue
			}
			btn.Data = data
		default:
			continue
		}
		row = append(row, btn)
	}
	if len(row) == 0 {
		return nil
	}
	return &tele.ReplyMarkup{InlineKeyboard: [][]tele.InlineButton{row}}
}

func actionReply(a module.Action) string {
	switch a {
	case module.ActionAcknowledge:
		return "Done"
	case module.ActionDismiss:
		return "Dismissed"
	case module.ActionSnooze:
		return "Snoozed"
	}
	return "OK"
}
