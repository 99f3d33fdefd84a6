package notify

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"bulksms/internal/transport/telegram"
	logx "bulksms/pkg/logx"
)

// ChatEditor is the part of the Telegram adapter the progress message needs.
type ChatEditor interface {
	SendText(ctx context.Context, chatID int64, text string) (telegram.MessageRef, error)
	EditText(ctx context.Context, ref telegram.MessageRef, text string) error
}

// TelegramSink keeps one progress message per campaign and edits it in place.
// Edits are rate limited; progress in between is coalesced, and a snapshot
// that leaves the sending state is always flushed.
type TelegramSink struct {
	chat   ChatEditor
	chatID int64
	log    logx.Logger

	limiter *rate.Limiter
	ref     telegram.MessageRef
	text    string
}

func NewTelegramSink(chat ChatEditor, chatID int64, ratePerSec float64, log logx.Logger) *TelegramSink {
	if ratePerSec <= 0 {
		ratePerSec = 0.5
	}
	return &TelegramSink{
		chat:    chat,
		chatID:  chatID,
		log:     log.With(logx.String("comp", "notify.telegram")),
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
	}
}

func (s *TelegramSink) Name() string { return "telegram" }

// SetRate changes the edit rate; safe while Run is active.
func (s *TelegramSink) SetRate(ratePerSec float64) {
	if ratePerSec <= 0 {
		ratePerSec = 0.5
	}
	s.limiter.SetLimit(rate.Limit(ratePerSec))
}

func (s *TelegramSink) Run(ctx context.Context, events <-chan Event) {
	var (
		pending *Event
		timer   *time.Timer
		fire    <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fire:
			fire = nil
			if pending != nil {
				s.render(ctx, *pending)
				pending = nil
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Kind == KindStarted {
				s.ref = telegram.MessageRef{}
				s.text = ""
			}
			if !Ongoing(e.Status) || s.ref.MessageID == 0 || s.limiter.Allow() {
				pending = nil
				s.render(ctx, e)
				continue
			}
			pending = &e
			if fire == nil {
				wait := s.limiter.Reserve().Delay()
				if timer == nil {
					timer = time.NewTimer(wait)
				} else {
					timer.Reset(wait)
				}
				fire = timer.C
			}
		}
	}
}

func (s *TelegramSink) render(ctx context.Context, e Event) {
	text := Summary(e.Status)
	if text == s.text {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if s.ref.MessageID != 0 {
		err := s.chat.EditText(cctx, s.ref, text)
		if err == nil {
			s.text = text
			return
		}
		s.log.Debug("edit failed; sending a new message", logx.Err(err))
	}
	ref, err := s.chat.SendText(cctx, s.chatID, text)
	if err != nil {
		s.log.Warn("status message failed", logx.Err(err))
		return
	}
	s.ref = ref
	s.text = text
}
