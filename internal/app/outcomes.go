package app

import (
	"context"
	"time"

	"courtbot/internal/eventbus"
	"courtbot/internal/race"
	"courtbot/internal/storage"
	logx "courtbot/pkg/logx"
)

func outcomeFromEvent(at time.Time, ev race.FinishedEvent) storage.Outcome {
	v := ev.View
	o := storage.Outcome{
		At:         at,
		SessionID:  v.ID,
		Username:   v.Username,
		Status:     string(v.Status),
		Detail:     v.Detail,
		Date:       v.Date,
		Sweeps:     ev.Sweeps,
		Attempts:   ev.Attempts,
		Logins:     ev.Logins,
		StartedAt:  v.StartedAt,
		FinishedAt: v.FinishedAt,
	}
	if b := v.Booking; b != nil {
		o.Date = b.Date
		o.Resource = b.Resource
		o.Start = b.Start
		o.End = b.End
	}
	return o
}

// recordOutcomes appends one audit record per finished session until ctx is done.
func recordOutcomes(ctx context.Context, store storage.Store, events <-chan eventbus.Event, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type != eventbus.TypeSessionFinished {
				continue
			}
			ev, ok := e.Data.(race.FinishedEvent)
			if !ok {
				continue
			}
			o := outcomeFromEvent(e.Time, ev)
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
			err := store.AppendOutcome(wctx, o)
			cancel()
			if err != nil {
				log.Warn("outcome not recorded", logx.String("sid", o.SessionID), logx.Err(err))
				continue
			}
			log.Debug("outcome recorded", logx.String("sid", o.SessionID), logx.String("status", o.Status))
		}
	}
}
