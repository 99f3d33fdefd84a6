package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces the secret overrides.
const EnvPrefix = "BULKSMS_"

// secrets are the fields that may come from the environment instead of the
// file. A set variable wins over the file value.
type secrets struct {
	TelegramToken string `env:"TELEGRAM_TOKEN"`
	StorageDSN    string `env:"STORAGE_DSN"`
	AMQPURL       string `env:"AMQP_URL"`
	HTTPAddr      string `env:"HTTP_ADDR"`
	HTTPToken     string `env:"HTTP_TOKEN"`
}

// ApplyEnv overlays BULKSMS_* variables onto cfg. environ overrides the
// process environment when non-nil.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	var s secrets
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&s, opts); err != nil {
		return fmt.Errorf("env overlay: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, s.TelegramToken)
	set(&cfg.Storage.DSN, s.StorageDSN)
	set(&cfg.Transport.AMQP.URL, s.AMQPURL)
	set(&cfg.HTTP.Addr, s.HTTPAddr)
	set(&cfg.HTTP.Token, s.HTTPToken)
	return nil
}
