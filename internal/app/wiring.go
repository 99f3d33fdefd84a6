package app

import (
	"fmt"
	"strings"

	"bulksms/internal/config"
	"bulksms/internal/httpapi"
	"bulksms/internal/storage"
	"bulksms/internal/transport"
	"bulksms/internal/transport/rabbitmq"
	"bulksms/internal/transport/telegram"
	logx "bulksms/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Forward: logx.ForwardConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.LogChatID != 0,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config, d config.Durations) storage.Config {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./data/bulksms.db"
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: d.BusyTimeout,
	}
}

func mapHTTPConfig(cfg *config.Config, d config.Durations) httpapi.Config {
	return httpapi.Config{
		Enabled:       cfg.HTTP.Enabled,
		Addr:          cfg.HTTP.Addr,
		Token:         cfg.HTTP.Token,
		AllowInsecure: cfg.HTTP.AllowInsecure,
		Pprof:         cfg.HTTP.Pprof,
		ReadTimeout:   d.HTTPRead,
		IdleTimeout:   d.HTTPIdle,
	}
}

// buildSender picks the transport and applies the per-send timeout. The
// returned closer may be nil.
func buildSender(cfg *config.Config, d config.Durations, ad *telegram.Adapter, log logx.Logger) (transport.Sender, func() error, error) {
	var (
		s       transport.Sender
		closeFn func() error
	)
	switch config.TransportDriver(cfg) {
	case "log":
		s = transport.NewLogSender(log.With(logx.String("comp", "transport.log")), config.PartLimit(cfg))
	case "telegram":
		if ad == nil {
			return nil, nil, fmt.Errorf("telegram transport requires telegram.token")
		}
		s = ad
	case "amqp":
		p, err := rabbitmq.New(rabbitmq.Config{
			URL:            cfg.Transport.AMQP.URL,
			Queue:          cfg.Transport.AMQP.Queue,
			PartLimit:      config.PartLimit(cfg),
			ConfirmTimeout: d.ConfirmTimeout,
		}, log.With(logx.String("comp", "transport.amqp")))
		if err != nil {
			return nil, nil, err
		}
		s, closeFn = p, p.Close
	default:
		return nil, nil, fmt.Errorf("unknown transport.driver: %s", cfg.Transport.Driver)
	}
	if d.TransportTimeout > 0 {
		s = transport.WithTimeout(s, d.TransportTimeout)
	}
	return s, closeFn, nil
}
