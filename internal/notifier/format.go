package notifier

import (
	"fmt"
	"strings"

	"courtbot/internal/race"
	"courtbot/internal/session"
)

// FormatOutcome renders a finished race as a plain-text chat message.
func FormatOutcome(ev race.FinishedEvent) string {
	v := ev.View
	var b strings.Builder
	switch v.Status {
	case session.StatusSucceeded:
		b.WriteString("✅ court booked")
	case session.StatusFailed:
		b.WriteString("❌ no court booked")
	case session.StatusCancelled:
		b.WriteString("⏹ race cancelled")
	default:
		b.WriteString("🚨 race error")
	}
	fmt.Fprintf(&b, "\nsession %s (%s)", v.ID, v.Username)

	if bk := v.Booking; bk != nil {
		name := bk.Resource
		if bk.ResourceName != "" && bk.ResourceName != bk.Resource {
			name = fmt.Sprintf("%s (%s)", bk.ResourceName, bk.Resource)
		}
		fmt.Fprintf(&b, "\n%s on %s, %s-%s", name, bk.Date, bk.Start, bk.End)
	} else {
		fmt.Fprintf(&b, "\ntimes %s, courts %s", strings.Join(v.Times, " "), strings.Join(v.Resources, " "))
	}
	if v.Detail != "" && v.Status != session.StatusSucceeded {
		fmt.Fprintf(&b, "\n%s", v.Detail)
	}
	fmt.Fprintf(&b, "\nsweeps %d, attempts %d, logins %d", ev.Sweeps, ev.Attempts, ev.Logins)
	return b.String()
}

func outcomeKey(ev race.FinishedEvent) string {
	at := ""
	if ev.View.FinishedAt != nil {
		at = ev.View.FinishedAt.UTC().Format("20060102T150405.000")
	}
	return "outcome:" + ev.View.ID + ":" + string(ev.View.Status) + ":" + at
}

func wantStatus(filter []string, st session.Status) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if strings.EqualFold(strings.TrimSpace(f), string(st)) {
			return true
		}
	}
	return false
}
