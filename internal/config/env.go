package config

import (
	"net"
	"strings"
)

// Environment variables that override file values.
const (
	EnvTelegramToken = "COURTBOT_TELEGRAM_TOKEN"
	EnvAdminToken    = "COURTBOT_ADMIN_TOKEN"
	EnvPort          = "PORT"
	EnvExternalURL   = "RENDER_EXTERNAL_URL"
)

// ApplyEnv overlays secrets and hosting variables onto c.
// lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if c == nil || lookup == nil {
		return
	}
	get := func(k string) string {
		v, ok := lookup(k)
		if !ok {
			return ""
		}
		return strings.TrimSpace(v)
	}

	if v := get(EnvTelegramToken); v != "" {
		c.Telegram.Token = v
	}
	if v := get(EnvAdminToken); v != "" {
		c.HTTP.AdminToken = v
	}
	if v := get(EnvPort); v != "" {
		host := ""
		if h, _, err := net.SplitHostPort(c.HTTP.Addr); err == nil {
			host = h
		}
		c.HTTP.Addr = net.JoinHostPort(host, v)
	}
	if v := get(EnvExternalURL); v != "" && strings.TrimSpace(c.Keepalive.URL) == "" {
		c.Keepalive.URL = v
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = ":8080"
	}
}
