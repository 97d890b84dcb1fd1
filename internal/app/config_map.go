package app

import (
	"fmt"
	"strings"
	"time"

	"courtbot/internal/booking"
	"courtbot/internal/config"
	"courtbot/internal/httpapi"
	"courtbot/internal/keepalive"
	"courtbot/internal/notifier"
	"courtbot/internal/race"
	"courtbot/internal/storage"
	kit "courtbot/internal/transport"
	"courtbot/internal/transport/telegram"
	logx "courtbot/pkg/logx"
)

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func chatTarget(cfg *config.Config) kit.ChatTarget {
	return kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID}
}

// mapTelegramConfig reports enabled=false when no bot token is configured.
func mapTelegramConfig(cfg *config.Config) (telegram.Config, bool, error) {
	tok := strings.TrimSpace(cfg.Telegram.Token)
	if tok == "" {
		return telegram.Config{}, false, nil
	}
	timeout, err := parseDurationField("telegram.timeout", cfg.Telegram.Timeout)
	if err != nil {
		return telegram.Config{}, false, err
	}
	return telegram.Config{Token: tok, APIURL: cfg.Telegram.APIURL, Timeout: timeout}, true, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.TrimSpace(sc.Driver)
	if driver == "" || strings.EqualFold(driver, "none") {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	dl := strings.ToLower(driver)
	switch dl {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: dl, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}

func mapRaceConfig(cfg *config.Config) (race.Config, error) {
	rc := cfg.Race
	loc, err := rc.Location()
	if err != nil {
		return race.Config{}, err
	}
	out := race.Config{
		OpenAt:       strings.TrimSpace(rc.OpenAt),
		CloseAt:      strings.TrimSpace(rc.CloseAt),
		Location:     loc,
		AuthAttempts: rc.AuthAttempts,
	}
	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"race.fallback_window", rc.FallbackWindow, &out.FallbackWindow},
		{"race.sweep_interval", rc.SweepInterval, &out.SweepInterval},
		{"race.transient_backoff", rc.TransientBackoff, &out.TransientBackoff},
		{"race.gate_poll", rc.GatePoll, &out.GatePoll},
		{"race.gate_report", rc.GateReport, &out.GateReport},
	}
	for _, d := range durations {
		v, err := parseDurationField(d.path, d.raw)
		if err != nil {
			return race.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

func mapBookingConfig(cfg *config.Config) (booking.Config, error) {
	r := cfg.Remote
	timeout, err := parseDurationField("remote.timeout", r.Timeout)
	if err != nil {
		return booking.Config{}, err
	}
	return booking.Config{
		BaseURL:                 strings.TrimSpace(r.BaseURL),
		TenantID:                strings.TrimSpace(r.TenantID),
		GroupID:                 strings.TrimSpace(r.GroupID),
		AuthMode:                r.AuthMode,
		Module:                  r.Module,
		ModalityID:              r.ModalityID,
		VerificationPlaceholder: r.VerificationPlaceholder,
		Timeout:                 timeout,
		RatePerSec:              r.RatePerSec,
		UserAgent:               r.UserAgent,
	}, nil
}

// mapNotifierConfig returns a disabled config when the section is omitted.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg == nil || cfg.Notifier == nil {
		return notifier.Config{}, nil
	}
	n := cfg.Notifier
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: numeric fields must be >= 0")
	}
	retryBase, err := parseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax, err := parseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := parseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMax,
		DedupWindow:     dedup,
		DedupMaxEntries: n.DedupMaxEntries,
		Target:          chatTarget(cfg),
		Statuses:        append([]string(nil), n.Statuses...),
	}, nil
}

func mapKeepaliveConfig(cfg *config.Config) (keepalive.Config, error) {
	k := cfg.Keepalive
	timeout, err := parseDurationField("keepalive.timeout", k.Timeout)
	if err != nil {
		return keepalive.Config{}, err
	}
	return keepalive.Config{
		Enabled:  k.Enabled,
		URL:      k.URL,
		Schedule: k.Schedule,
		Timeout:  timeout,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	out := httpapi.Config{Addr: strings.TrimSpace(h.Addr)}
	var err error
	if out.ReadTimeout, err = parseDurationField("http.read_timeout", h.ReadTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.WriteTimeout, err = parseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.ShutdownTimeout, err = parseDurationField("http.shutdown_timeout", h.ShutdownTimeout); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

// ValidateConfig runs every component mapper over cfg. Hot reloads that pass
// field validation but fail mapping are rejected before commit.
func ValidateConfig(cfg *config.Config) error {
	if _, _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRaceConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBookingConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	kc, err := mapKeepaliveConfig(cfg)
	if err != nil {
		return err
	}
	if kc.Enabled {
		sched := kc.Schedule
		if strings.TrimSpace(sched) == "" {
			sched = keepalive.DefaultSchedule
		}
		if _, err := keepalive.ParseSchedule(sched); err != nil {
			return err
		}
	}
	_, err = mapHTTPConfig(cfg)
	return err
}
