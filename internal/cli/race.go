package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"courtbot/internal/app"
	"courtbot/internal/config"
	"courtbot/internal/eventbus"
	"courtbot/internal/race"
	"courtbot/internal/registry"
	"courtbot/internal/session"
	logx "courtbot/pkg/logx"
)

// EnvSecret supplies --secret so it stays out of shell history.
const EnvSecret = "COURTBOT_SECRET"

type raceOptions struct {
	Username string
	Secret   string
	MemberID string
	Date     string
	Times    []string
	Courts   []string
}

// NewRaceCommand creates the race command.
func NewRaceCommand(rootOpts *RootOptions) *cobra.Command {
	ro := &raceOptions{}
	cmd := &cobra.Command{
		Use:   "race",
		Short: "Run one booking race in the foreground",
		Long: `Run one booking race in the foreground and print its progress.

The race waits for the next reservation opening, then sweeps the grid until a
court is booked or the window closes. Ctrl-C cancels the race cleanly.`,
		Example: `  COURTBOT_SECRET=... courtbot race -c config.yaml \
    --username ana --member-id 4711 --times 19:00,20:00 --courts C1,C2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if ro.Secret == "" {
				ro.Secret = os.Getenv(EnvSecret)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRace(ctx, sigCtx.Done(), rootOpts, ro, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVar(&ro.Username, "username", "", "account username")
	f.StringVar(&ro.Secret, "secret", "", "account secret (default $"+EnvSecret+")")
	f.StringVar(&ro.MemberID, "member-id", "", "member id used for the reservation")
	f.StringVar(&ro.Date, "date", "", "booking date YYYY-MM-DD (default: the day after the opening)")
	f.StringSliceVar(&ro.Times, "times", nil, "desired start times HH:MM, highest priority first")
	f.StringSliceVar(&ro.Courts, "courts", nil, "accepted court codes")
	return cmd
}

// runRace drives one session through a private registry. interrupt cancels
// the session; the run context itself stays alive so the race ends cleanly.
func runRace(ctx context.Context, interrupt <-chan struct{}, root *RootOptions, ro *raceOptions, out, errOut io.Writer) error {
	cfg, err := config.NewConfigManager(root.ConfigPath).Load()
	if err != nil {
		return err
	}
	if err := app.ValidateConfig(cfg); err != nil {
		return err
	}

	req := session.Request{
		Username:  ro.Username,
		Secret:    ro.Secret,
		MemberID:  ro.MemberID,
		Date:      ro.Date,
		Times:     ro.Times,
		Resources: ro.Courts,
	}.Normalize()
	if err := req.Validate(); err != nil {
		return err
	}

	level := cfg.Logging.Level
	if root.Verbose {
		level = "debug"
	}
	log := logx.NewWriter(errOut, level).With(logx.String("comp", "race-cli"))

	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	reg := registry.New(ctx, func(st *session.State) (registry.Runner, error) {
		eng, err := app.NewEngine(cfg, bus, log)
		if err != nil {
			return nil, err
		}
		return eng, nil
	}, registry.WithLogger(log), registry.WithLogCapacity(cfg.Race.LogCapacity))
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = reg.Shutdown(sctx)
	}()

	id := uuid.NewString()
	st, err := reg.Launch(id, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "session %s started for %s\n", id, req.MaskedUsername())

	for done := false; !done; {
		select {
		case e := <-events:
			printTransition(out, e)
		case <-interrupt:
			fmt.Fprintln(out, "cancelling...")
			_ = reg.Cancel(id)
			interrupt = nil
		case <-st.Done():
			done = true
		}
	}
	for drained := false; !drained; {
		select {
		case e := <-events:
			printTransition(out, e)
		default:
			drained = true
		}
	}

	v := st.View()
	fmt.Fprintln(out, "--- session log ---")
	for _, e := range st.Logs(0) {
		fmt.Fprintf(out, "%s  %s\n", e.At.Format(time.TimeOnly), e.Message)
	}
	if v.Status != session.StatusSucceeded {
		return fmt.Errorf("race %s: %s", v.Status, v.Detail)
	}
	if b := v.Booking; b != nil {
		fmt.Fprintf(out, "booked %s on %s %s-%s\n", b.Resource, b.Date, b.Start, b.End)
	}
	return nil
}

func printTransition(out io.Writer, e eventbus.Event) {
	if e.Type != eventbus.TypeSessionTransition {
		return
	}
	tr, ok := e.Data.(race.TransitionEvent)
	if !ok {
		return
	}
	fmt.Fprintf(out, "%s  %s -> %s: %s\n", tr.At.Format(time.TimeOnly), tr.From, tr.To, tr.Detail)
}
