package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"courtbot/internal/clockgate"
	"courtbot/internal/session"
)

// Validate checks every section and reports all problems at once, each
// prefixed with its field path.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.HTTP.Addr) == "" {
		add(errors.New("http.addr: required"))
	}
	for path, raw := range map[string]string{
		"http.read_timeout":     c.HTTP.ReadTimeout,
		"http.write_timeout":    c.HTTP.WriteTimeout,
		"http.shutdown_timeout": c.HTTP.ShutdownTimeout,
		"remote.timeout":        c.Remote.Timeout,
		"telegram.timeout":      c.Telegram.Timeout,
		"keepalive.timeout":     c.Keepalive.Timeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	add(c.Remote.validate())
	add(c.Race.validate())

	if c.Registry.MaxFinished < 0 {
		add(errors.New("registry.max_finished: must be >= 0"))
	}
	if c.Registry.RecentLimit < 0 {
		add(errors.New("registry.recent_limit: must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}
	if c.Logging.Telegram.Enabled && (strings.TrimSpace(c.Telegram.Token) == "" || c.Telegram.ChatID == 0) {
		add(errors.New("logging.telegram: requires telegram.token and telegram.chat_id"))
	}

	if n := c.Notifier; n != nil {
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			_, err := ParseDurationField(path, raw)
			add(err)
		}
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			add(errors.New("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0"))
		}
		if n.Enabled && (strings.TrimSpace(c.Telegram.Token) == "" || c.Telegram.ChatID == 0) {
			add(errors.New("notifier.enabled: requires telegram.token and telegram.chat_id"))
		}
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(errors.New("storage.path: required"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}

	if c.Keepalive.Enabled {
		if raw := strings.TrimSpace(c.Keepalive.URL); raw != "" {
			if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
				add(fmt.Errorf("keepalive.url: invalid url %q", raw))
			}
		}
	}

	return errors.Join(errs...)
}

func (r RemoteConfig) validate() error {
	var errs []error
	u, err := url.Parse(strings.TrimSpace(r.BaseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("remote.base_url: invalid url %q", r.BaseURL))
	}
	if strings.TrimSpace(r.TenantID) == "" {
		errs = append(errs, errors.New("remote.tenant_id: required"))
	}
	if strings.TrimSpace(r.GroupID) == "" {
		errs = append(errs, errors.New("remote.group_id: required"))
	}
	if r.ModalityID < 0 {
		errs = append(errs, errors.New("remote.modality_id: must be >= 0"))
	}
	if r.RatePerSec < 0 {
		errs = append(errs, errors.New("remote.rate_per_sec: must be >= 0"))
	}
	return errors.Join(errs...)
}

func (r RaceConfig) validate() error {
	var errs []error
	openAt, closeAt := r.OpenAt, r.CloseAt
	if strings.TrimSpace(openAt) == "" {
		openAt = "07:00:00"
	}
	if strings.TrimSpace(closeAt) == "" {
		closeAt = "07:10:00"
	}
	o, err := clockgate.ParseClock(openAt)
	if err != nil {
		errs = append(errs, fmt.Errorf("race.open_at: %w", err))
	}
	c, err := clockgate.ParseClock(closeAt)
	if err != nil {
		errs = append(errs, fmt.Errorf("race.close_at: %w", err))
	}
	if o != "" && c != "" && c <= o {
		errs = append(errs, fmt.Errorf("race.close_at: %s must be after race.open_at %s", c, o))
	}
	if _, err := r.Location(); err != nil {
		errs = append(errs, err)
	}
	for path, raw := range map[string]string{
		"race.fallback_window":   r.FallbackWindow,
		"race.sweep_interval":    r.SweepInterval,
		"race.transient_backoff": r.TransientBackoff,
		"race.gate_poll":         r.GatePoll,
		"race.gate_report":       r.GateReport,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if r.AuthAttempts < 0 {
		errs = append(errs, errors.New("race.auth_attempts: must be >= 0"))
	}
	if r.LogCapacity < 0 || r.LogCapacity > session.MaxLogCapacity {
		errs = append(errs, fmt.Errorf("race.log_capacity: must be between 0 and %d", session.MaxLogCapacity))
	}
	return errors.Join(errs...)
}

// Location resolves race.timezone; empty means process local time.
func (r RaceConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(r.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("race.timezone: %w", err)
	}
	return loc, nil
}
