package config

import (
	"reflect"
	"sort"
	"strings"

	logx "bulksms/pkg/logx"
)

// hotSections are applied without a restart.
var hotSections = map[string]bool{
	"logging":  true,
	"dispatch": true,
	"notify":   true,
	"http":     true,
}

// SummarizeChange returns the changed section names, safe log attrs (never
// secrets) and the changed sections that only take effect after a restart.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.send_delay", strings.TrimSpace(newCfg.Dispatch.SendDelay)),
			logx.String("dispatch.status_heartbeat", strings.TrimSpace(newCfg.Dispatch.StatusHeartbeat)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		attrs = append(attrs, logx.Any("notify.telegram_rate_per_sec", newCfg.Notify.TelegramRatePerSec))
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Transport, newCfg.Transport) {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.driver", TransportDriver(newCfg)),
			logx.Bool("transport.amqp_url_set", strings.TrimSpace(newCfg.Transport.AMQP.URL) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.status_chat_set", newCfg.Telegram.StatusChatID != 0),
		)
	}
	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if !hotSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
