package notify

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"

	"bulksms/internal/campaign"
	logx "bulksms/pkg/logx"
)

// Sink consumes events until ctx is done or the channel closes.
type Sink interface {
	Name() string
	Run(ctx context.Context, events <-chan Event)
}

func drain(ctx context.Context, events <-chan Event, fn func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			fn(e)
		}
	}
}

// LogSink logs state transitions at info and progress at debug.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink {
	return &LogSink{log: log.With(logx.String("comp", "notify.log"))}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Run(ctx context.Context, events <-chan Event) {
	var last campaign.State
	drain(ctx, events, func(e Event) {
		st := e.Status
		fields := []logx.Field{
			logx.String("state", string(st.State)),
			logx.Int("total", st.Total),
			logx.Int("sent", st.Sent),
			logx.Int("failed", st.Failed),
			logx.Int("pending", st.Pending),
		}
		if e.Kind == KindStarted || st.State != last {
			s.log.Info("campaign "+string(st.State), fields...)
		} else {
			s.log.Debug("campaign progress", append(fields, logx.String("current", st.CurrentNumber))...)
		}
		last = st.State
	})
}

// SystemdSink mirrors progress into the unit's STATUS= line.
type SystemdSink struct {
	log    logx.Logger
	notify func(state string) (bool, error)
}

func NewSystemdSink(log logx.Logger) *SystemdSink {
	return &SystemdSink{
		log: log.With(logx.String("comp", "notify.systemd")),
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
	}
}

func (s *SystemdSink) Name() string { return "systemd" }

func (s *SystemdSink) Run(ctx context.Context, events <-chan Event) {
	drain(ctx, events, func(e Event) {
		line := fmt.Sprintf("STATUS=%s %d%%: %s", e.Status.State, Percent(e.Status), ProgressText(e.Status))
		if _, err := s.notify(line); err != nil {
			s.log.Debug("sd_notify failed", logx.Err(err))
		}
	})
}

// Ready tells systemd the service finished starting.
func (s *SystemdSink) Ready() { s.send(daemon.SdNotifyReady) }

// Stopping tells systemd a shutdown is in progress.
func (s *SystemdSink) Stopping() { s.send(daemon.SdNotifyStopping) }

func (s *SystemdSink) send(state string) {
	if _, err := s.notify(state); err != nil {
		s.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}
