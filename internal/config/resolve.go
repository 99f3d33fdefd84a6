package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultSendDelay        = 2000 * time.Millisecond
	DefaultKeepAwakeTimeout = 10 * time.Minute
	DefaultPollTimeout      = 10 * time.Second
	DefaultPartLimit        = 1600
)

// Durations holds the parsed duration fields of a Config.
type Durations struct {
	SendDelay        time.Duration
	KeepAwakeTimeout time.Duration
	StatusHeartbeat  time.Duration
	TransportTimeout time.Duration
	ConfirmTimeout   time.Duration
	BusyTimeout      time.Duration
	PollTimeout      time.Duration
	HTTPRead         time.Duration
	HTTPIdle         time.Duration
}

// Resolve validates cfg and returns its parsed durations with defaults applied.
func Resolve(cfg *Config) (Durations, error) {
	var d Durations
	if cfg == nil {
		return d, errors.New("config is nil")
	}

	var errs []error
	// A zero duration falls back to def, except for send_delay where "0s"
	// disables pacing.
	parse := func(dst *time.Duration, path, raw string, def time.Duration) {
		v, err := durationField(path, raw)
		switch {
		case err != nil:
			errs = append(errs, err)
		case v == 0:
			*dst = def
		default:
			*dst = v
		}
	}
	if v, err := durationField("dispatch.send_delay", cfg.Dispatch.SendDelay); err != nil {
		errs = append(errs, err)
	} else if strings.TrimSpace(cfg.Dispatch.SendDelay) == "" {
		d.SendDelay = DefaultSendDelay
	} else {
		d.SendDelay = v
	}
	parse(&d.KeepAwakeTimeout, "dispatch.keepawake_timeout", cfg.Dispatch.KeepAwakeTimeout, DefaultKeepAwakeTimeout)
	parse(&d.StatusHeartbeat, "dispatch.status_heartbeat", cfg.Dispatch.StatusHeartbeat, 0)
	parse(&d.TransportTimeout, "transport.timeout", cfg.Transport.Timeout, 0)
	parse(&d.ConfirmTimeout, "transport.amqp.confirm_timeout", cfg.Transport.AMQP.ConfirmTimeout, 10*time.Second)
	parse(&d.BusyTimeout, "storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	parse(&d.PollTimeout, "telegram.poll_timeout", cfg.Telegram.PollTimeout, DefaultPollTimeout)
	parse(&d.HTTPRead, "http.read_timeout", cfg.HTTP.ReadTimeout, 15*time.Second)
	parse(&d.HTTPIdle, "http.idle_timeout", cfg.HTTP.IdleTimeout, 60*time.Second)

	if d.StatusHeartbeat > 0 && d.StatusHeartbeat < time.Second {
		errs = append(errs, fmt.Errorf("dispatch.status_heartbeat: must be >= 1s"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	switch TransportDriver(cfg) {
	case "log":
	case "telegram":
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			errs = append(errs, errors.New("telegram.token: required for the telegram transport"))
		}
	case "amqp":
		if strings.TrimSpace(cfg.Transport.AMQP.URL) == "" {
			errs = append(errs, errors.New("transport.amqp.url: required for the amqp transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.driver: unknown driver %q", cfg.Transport.Driver))
	}
	if cfg.Transport.PartLimit < 0 {
		errs = append(errs, errors.New("transport.part_limit: must be >= 0"))
	}

	if cfg.Logging.Telegram.Enabled && cfg.Telegram.LogChatID == 0 {
		errs = append(errs, errors.New("logging.telegram: telegram.log_chat_id is required"))
	}
	if cfg.Notify.TelegramRatePerSec < 0 {
		errs = append(errs, errors.New("notify.telegram_rate_per_sec: must be >= 0"))
	}

	return d, errors.Join(errs...)
}

// TransportDriver returns the normalized transport driver; empty means "log".
func TransportDriver(cfg *Config) string {
	d := strings.ToLower(strings.TrimSpace(cfg.Transport.Driver))
	if d == "" {
		return "log"
	}
	return d
}

// PartLimit returns the transport part size with the default applied.
func PartLimit(cfg *Config) int {
	if cfg.Transport.PartLimit > 0 {
		return cfg.Transport.PartLimit
	}
	return DefaultPartLimit
}

func durationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w", path, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}
