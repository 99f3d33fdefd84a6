package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bulksms/internal/campaign"
	"bulksms/internal/config"
	"bulksms/internal/control"
	"bulksms/internal/dispatch"
	"bulksms/internal/httpapi"
	"bulksms/internal/keepalive"
	"bulksms/internal/notify"
	rtsup "bulksms/internal/runtime/supervisor"
	"bulksms/internal/storage"
	"bulksms/internal/transport"
	"bulksms/internal/transport/telegram"
	logx "bulksms/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store  *storage.Store
	repo   *campaign.Repository
	bus    *notify.Bus
	sender transport.Sender
	// closeSender releases the transport connection, may be nil.
	closeSender func() error
	locker      keepalive.Locker
	runner      *dispatch.Runner

	adapter *telegram.Adapter
	tgSink  *notify.TelegramSink
	sdSink  *notify.SystemdSink

	ctl  *control.Controller
	http *httpapi.Server
	beat *heartbeat
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	dur, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: notify.NewBus()}
	ok := false
	defer func() {
		if !ok {
			a.release()
		}
	}()

	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		ad, err := telegram.New(telegram.Config{
			Token:        cfg.Telegram.Token,
			PollTimeout:  dur.PollTimeout,
			OwnerUserIDs: cfg.Telegram.OwnerUserIDs,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		a.adapter = ad
		if cfg.Telegram.LogChatID != 0 {
			logSvc.SetForwarder(ad.Forwarder(cfg.Telegram.LogChatID))
		}
		if cfg.Telegram.StatusChatID != 0 {
			a.tgSink = notify.NewTelegramSink(ad, cfg.Telegram.StatusChatID, cfg.Notify.TelegramRatePerSec, log)
		}
	}

	sc := mapStorageConfig(cfg, dur)
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	a.repo = campaign.NewRepository(st)
	log.Info("storage ready", logx.String("driver", st.Driver()))

	a.sender, a.closeSender, err = buildSender(cfg, dur, a.adapter, log)
	if err != nil {
		return nil, err
	}

	a.locker = keepalive.New(cfg.Systemd.Inhibit, log)
	a.runner = dispatch.NewRunner(a.repo, a.sender,
		dispatch.WithPublisher(a.bus),
		dispatch.WithLocker(a.locker),
		dispatch.WithLogger(log.With(logx.String("comp", "dispatch"))),
		dispatch.WithSendDelay(dur.SendDelay),
		dispatch.WithKeepAwake(dur.KeepAwakeTimeout),
	)
	if cfg.Systemd.Notify {
		a.sdSink = notify.NewSystemdSink(log)
	}

	ok = true
	return a, nil
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Controller is available after Start.
func (a *App) Controller() *control.Controller { return a.ctl }

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	dur, err := config.Resolve(cfg)
	if err != nil {
		return err
	}

	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.ctl = control.New(a.repo, a.runner, a.sup, a.bus, a.log)

	a.startSinks()

	if a.adapter != nil {
		a.registerCommands(a.adapter, a.ctl)
		if err := a.adapter.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.http = httpapi.New(mapHTTPConfig(cfg, dur), httpapi.Deps{
		Control: a.ctl,
		Bus:     a.bus,
		Store:   a.store,
		Health:  a.sup.Snapshot,
	}, a.log)
	a.http.Start(a.sup.Context())

	a.beat = newHeartbeat(a.republish, a.log)
	a.beat.Apply(dur.StatusHeartbeat)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if cfg.Dispatch.ResumeEnabled() {
		resumed, err := a.ctl.RecoverOnStart(a.sup.Context())
		if err != nil {
			return fmt.Errorf("recover on start: %w", err)
		}
		if resumed {
			a.log.Info("interrupted campaign resumed")
		}
	}
	// seed observers with the current state
	a.republish()

	if a.sdSink != nil {
		a.sdSink.Ready()
	}
	a.log.Info("app started", logx.String("transport", config.TransportDriver(cfg)), logx.Duration("send_delay", dur.SendDelay))
	return nil
}

func (a *App) startSinks() {
	sinks := []notify.Sink{notify.NewLogSink(a.log)}
	if a.sdSink != nil {
		sinks = append(sinks, a.sdSink)
	}
	if a.tgSink != nil {
		sinks = append(sinks, a.tgSink)
	}
	for _, s := range sinks {
		events, unsub := a.bus.Subscribe(32)
		a.sup.Go0("notify."+s.Name(), func(c context.Context) {
			defer unsub()
			s.Run(c, events)
		})
	}
}

func (a *App) republish() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := a.repo.Status(ctx)
	if err != nil {
		a.log.Warn("status read failed", logx.Err(err))
		return
	}
	a.bus.PublishStatus(st)
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	dur, err := config.Resolve(next)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	a.logs.Apply(mapLogConfig(next))
	a.runner.SetSendDelay(dur.SendDelay)
	a.beat.Apply(dur.StatusHeartbeat)
	if a.tgSink != nil {
		a.tgSink.SetRate(next.Notify.TelegramRatePerSec)
	}
	a.http.Reconfigure(ctx, mapHTTPConfig(next, dur))

	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.release()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sdSink != nil {
		a.sdSink.Stopping()
	}

	// The dispatch loop sees the cancellation at its next iteration and
	// leaves the campaign in "sending" so the next start resumes it.
	a.sup.Cancel()

	a.step(ctx, "dispatch", dispatchBudget(ctx), a.ctl.Wait)
	a.step(ctx, "heartbeat", time.Second, func(c context.Context) error { a.beat.Stop(c); return nil })
	a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	if a.adapter != nil {
		a.step(ctx, "telegram", 3*time.Second, a.adapter.Stop)
	}
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	a.release()
	return nil
}

// stopReserve is what the dispatch step leaves for the steps after it.
const stopReserve = 3 * time.Second

// dispatchBudget gives the loop most of the stop deadline to finish its
// in-flight send.
func dispatchBudget(ctx context.Context) time.Duration {
	dl, ok := ctx.Deadline()
	if !ok {
		return 30 * time.Second
	}
	rem := time.Until(dl)
	if rem > stopReserve {
		return rem - stopReserve
	}
	return rem
}

// release closes what New opened. Store last: an in-flight outcome write
// must land before the database goes away. A loop that outlived the stop
// budget keeps the transport, lock and store; the process exit reclaims them.
func (a *App) release() {
	if a.ctl != nil && a.ctl.Running() {
		a.log.Warn("dispatch loop still running; leaving transport and storage open")
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return
	}
	if a.closeSender != nil {
		if err := a.closeSender(); err != nil {
			a.log.Warn("transport close failed", logx.Err(err))
		}
	}
	if c, ok := a.locker.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// step runs one shutdown step bounded by max and the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
