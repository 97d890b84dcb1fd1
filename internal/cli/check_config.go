package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"courtbot/internal/app"
	"courtbot/internal/clockgate"
	"courtbot/internal/config"
	"courtbot/internal/keepalive"
	"courtbot/internal/race"
)

type checkOptions struct {
	Count int
	now   func() time.Time
}

// NewCheckConfigCommand creates the check-config command.
func NewCheckConfigCommand(rootOpts *RootOptions) *cobra.Command {
	co := &checkOptions{now: time.Now}
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and preview upcoming openings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckConfig(rootOpts, co, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&co.Count, "count", "n", 3, "number of upcoming openings to list")
	return cmd
}

func runCheckConfig(root *RootOptions, co *checkOptions, out io.Writer) error {
	cfg, err := config.NewConfigManager(root.ConfigPath).Parse()
	if err != nil {
		return err
	}
	if err := app.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config %s: %w", root.ConfigPath, err)
	}
	now := time.Now
	if co.now != nil {
		now = co.now
	}
	count := co.Count
	if count <= 0 {
		count = 1
	}

	openAt, closeAt := clockOr(cfg.Race.OpenAt, race.DefaultOpenAt), clockOr(cfg.Race.CloseAt, race.DefaultCloseAt)
	loc, err := cfg.Race.Location()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "config ok: %s\n", root.ConfigPath)
	fmt.Fprintf(out, "http:      %s\n", cfg.HTTP.Addr)
	fmt.Fprintf(out, "remote:    %s (group %s)\n", cfg.Remote.BaseURL, cfg.Remote.GroupID)
	fmt.Fprintf(out, "window:    %s-%s %s\n", openAt, closeAt, loc)
	for _, t := range clockgate.Openings(now(), openAt, closeAt, loc, count) {
		fmt.Fprintf(out, "opening:   %s (books %s)\n", t, dayAfter(t.Day))
	}

	fmt.Fprintf(out, "storage:   %s\n", storageSummary(cfg))
	fmt.Fprintf(out, "notifier:  %s\n", onOff(cfg.Notifier != nil && cfg.Notifier.Enabled))
	if k := cfg.Keepalive; k.Enabled {
		sched := strings.TrimSpace(k.Schedule)
		if sched == "" {
			sched = keepalive.DefaultSchedule
		}
		fmt.Fprintf(out, "keepalive: %s %s\n", sched, urlOr(k.URL))
		runs, err := keepalive.NextRuns(sched, now(), count)
		if err != nil {
			return err
		}
		for _, r := range runs {
			fmt.Fprintf(out, "ping:      %s\n", r.In(loc).Format(time.DateTime))
		}
	} else {
		fmt.Fprintln(out, "keepalive: off")
	}
	return nil
}

func clockOr(raw, def string) string {
	if strings.TrimSpace(raw) == "" {
		return def
	}
	c, err := clockgate.ParseClock(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return c
}

func dayAfter(day string) string {
	t, err := time.Parse(time.DateOnly, day)
	if err != nil {
		return day
	}
	return t.AddDate(0, 0, 1).Format(time.DateOnly)
}

func storageSummary(cfg *config.Config) string {
	if cfg.Storage == nil {
		return "off"
	}
	d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if d == "" || d == "none" {
		return "off"
	}
	return d + " " + cfg.Storage.Path
}

func urlOr(u string) string {
	if strings.TrimSpace(u) == "" {
		return "(no url; pings skipped)"
	}
	return strings.TrimRight(u, "/") + keepalive.HealthPath
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
