// Package telegram is the Telegram bot adapter. It serves three roles:
// a transport.Sender (recipient "number" is a chat id), the operator command
// surface, and the destination for forwarded logs and the live status message.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "bulksms/internal/runtime/supervisor"
	"bulksms/internal/transport"
	logx "bulksms/pkg/logx"
)

// TextLimit is the per-message rune budget; longer texts are split.
const TextLimit = 4000

var (
	ErrInvalidChat = errors.New("telegram: recipient is not a chat id")
	ErrNotOwner    = errors.New("telegram: sender is not an owner")
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// OwnerUserIDs may issue commands. Empty means nobody can.
	OwnerUserIDs []int64
	// Offline skips the getMe handshake (tests).
	Offline bool
}

// MessageRef identifies a sent message so it can be edited later.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Command is an operator command invocation.
type Command struct {
	Name   string
	Args   string
	FromID int64
	ChatID int64
}

// CommandFunc handles a command and returns the reply text.
type CommandFunc func(ctx context.Context, cmd Command) (string, error)

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	baseCtx context.Context

	cmdMu    sync.Mutex
	commands []tele.Command
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
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
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "telegram")),
		bot:     b,
		baseCtx: context.Background(),
	}, nil
}

func (a *Adapter) isOwner(id int64) bool {
	for _, o := range a.cfg.OwnerUserIDs {
		if o == id {
			return true
		}
	}
	return false
}

// Handle registers an owner-only command, e.g. Handle("status", "show progress", fn).
// Register before Start.
func (a *Adapter) Handle(name, description string, fn CommandFunc) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")
	if name == "" || fn == nil {
		return
	}
	a.cmdMu.Lock()
	a.commands = append(a.commands, tele.Command{Text: name, Description: description})
	a.cmdMu.Unlock()

	a.bot.Handle("/"+name, func(c tele.Context) error {
		sender := c.Sender()
		if sender == nil {
			return nil
		}
		if !a.isOwner(sender.ID) {
			a.log.Warn("command rejected", logx.String("cmd", name), logx.Int64("from", sender.ID))
			return c.Send(ErrNotOwner.Error())
		}

		a.runMu.Lock()
		ctx := a.baseCtx
		a.runMu.Unlock()

		cmd := Command{Name: name, FromID: sender.ID}
		if m := c.Message(); m != nil {
			cmd.Args = strings.TrimSpace(m.Payload)
		}
		if chat := c.Chat(); chat != nil {
			cmd.ChatID = chat.ID
		}
		reply, err := fn(ctx, cmd)
		if err != nil {
			a.log.Warn("command failed", logx.String("cmd", name), logx.Err(err))
			reply = "error: " + err.Error()
		}
		if strings.TrimSpace(reply) == "" {
			return nil
		}
		return c.Send(reply)
	})
}

func (a *Adapter) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.baseCtx = ctx
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		// adapter errors should not take down the whole app
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	a.cmdMu.Lock()
	cmds := append([]tele.Command(nil), a.commands...)
	a.cmdMu.Unlock()
	if len(cmds) > 0 && !a.cfg.Offline {
		if err := a.bot.SetCommands(cmds); err != nil {
			a.log.Warn("set commands failed", logx.Err(err))
		}
	}

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Start() can return in some failure modes; keep polling under a restart loop.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	go a.bot.Stop()

	// getUpdates long-poll may still be waiting; never hold shutdown on it.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && sup.Context().Err() == nil {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

// SendText posts text to a chat, splitting it at TextLimit. The reference
// points at the first part.
func (a *Adapter) SendText(ctx context.Context, chatID int64, text string) (MessageRef, error) {
	chat := &tele.Chat{ID: chatID}
	var first MessageRef
	for i, part := range transport.SplitParts(text, TextLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, part, &tele.SendOptions{DisableWebPagePreview: true})
		if err != nil {
			return first, err
		}
		if i == 0 && msg != nil {
			first = MessageRef{ChatID: chatID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// EditText replaces the text of a previously sent message.
func (a *Adapter) EditText(ctx context.Context, ref MessageRef, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parts := transport.SplitParts(text, TextLimit)
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	_, err := a.bot.Edit(m, parts[0], &tele.SendOptions{DisableWebPagePreview: true})
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		return nil
	}
	return err
}

// Send implements transport.Sender: number is the numeric chat id and every
// part must be accepted for the send to count.
func (a *Adapter) Send(ctx context.Context, number, message string) error {
	chatID, err := ParseChatID(number)
	if err != nil {
		return err
	}
	if _, err := a.SendText(ctx, chatID, message); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

var _ transport.Sender = (*Adapter)(nil)

// Forwarder returns a logx.Forwarder posting into chatID.
func (a *Adapter) Forwarder(chatID int64) logx.Forwarder {
	return forwarder{a: a, chatID: chatID}
}

type forwarder struct {
	a      *Adapter
	chatID int64
}

func (f forwarder) Forward(ctx context.Context, text string) error {
	if f.chatID == 0 {
		return nil
	}
	_, err := f.a.SendText(ctx, f.chatID, text)
	return err
}

// ParseChatID accepts a signed decimal chat id, optionally prefixed with '+'.
func ParseChatID(number string) (int64, error) {
	s := strings.TrimPrefix(strings.TrimSpace(number), "+")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChat, number)
	}
	return id, nil
}
