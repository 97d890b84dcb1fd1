package config

import (
	"reflect"
	"sort"
	"strings"

	logx "courtbot/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe structured
// attrs for logging. Tokens are reported only as "set"/"unset".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh.Addr != nh.Addr || oh.CookieName != nh.CookieName || oh.CookieSecure != nh.CookieSecure ||
		oh.ReadTimeout != nh.ReadTimeout || oh.WriteTimeout != nh.WriteTimeout ||
		oh.ShutdownTimeout != nh.ShutdownTimeout || (oh.AdminToken != "") != (nh.AdminToken != "") {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", nh.Addr),
			logx.Bool("http.admin_token_set", nh.AdminToken != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Remote, newCfg.Remote) {
		changed = append(changed, "remote")
		attrs = append(attrs,
			logx.String("remote.base_url", newCfg.Remote.BaseURL),
			logx.String("remote.group_id", newCfg.Remote.GroupID),
			logx.Int("remote.modality_id", newCfg.Remote.ModalityID),
		)
	}

	if oldCfg.Race != newCfg.Race {
		r := newCfg.Race
		changed = append(changed, "race")
		attrs = append(attrs,
			logx.String("race.open_at", r.OpenAt),
			logx.String("race.close_at", r.CloseAt),
			logx.String("race.timezone", r.Timezone),
			logx.String("race.sweep_interval", r.SweepInterval),
			logx.String("race.fallback_window", r.FallbackWindow),
		)
	}

	if oldCfg.Registry != newCfg.Registry {
		changed = append(changed, "registry")
		attrs = append(attrs, logx.Int("registry.max_finished", newCfg.Registry.MaxFinished))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.ChatID != nt.ChatID || ot.ThreadID != nt.ThreadID || ot.APIURL != nt.APIURL ||
		ot.Timeout != nt.Timeout || (ot.Token != "") != (nt.Token != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", nt.Token != ""),
			logx.Bool("telegram.chat_set", nt.ChatID != 0),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.workers", n.Workers),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
				logx.Strings("notifier.statuses", n.Statuses),
			)
		} else {
			attrs = append(attrs, logx.Bool("notifier.enabled", false))
		}
	}

	// Storage: nil means disabled.
	var oDriver, nDriver, oBusy, nBusy, oPath, nPath string
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if oDriver != nDriver || oBusy != nBusy || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
		)
	}

	if oldCfg.Keepalive != newCfg.Keepalive {
		changed = append(changed, "keepalive")
		attrs = append(attrs,
			logx.Bool("keepalive.enabled", newCfg.Keepalive.Enabled),
			logx.String("keepalive.schedule", newCfg.Keepalive.Schedule),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that are only read at startup.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "http", "storage", "registry":
			out = append(out, s)
		}
	}
	return out
}
