// Command riskctl is the manual override for a running engine: it toggles kill switches,
// shows risk state and manages dead-lettered events over the engine's store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"tradeEngine/config"
	"tradeEngine/internal/adapters/logger"
	"tradeEngine/internal/adapters/sqlite"
	"tradeEngine/internal/domain"
	"tradeEngine/internal/outbox"
	"tradeEngine/internal/ports"
	"tradeEngine/internal/risk"
)

const usage = `usage: riskctl <command> [flags]

commands:
  status                                        show every risk state
  kill -status OFF|ARMED|ON -reason TEXT [-account ID]
                                                set the global or an account kill switch
  deadletters [-limit N]                        list dead-lettered events
  requeue -event ID                             return a dead letter to the outbox
`

var errUsage = errors.New("invalid usage")

type controller struct {
	risk   *risk.Manager
	outbox *outbox.Publisher
	out    io.Writer
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	appLogger := logger.New(logger.ParseLevel(cfg.LogLevel), logger.Format(cfg.LogFormat))

	store, err := sqlite.NewStore(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to open database store: %v", err)
	}
	defer store.Close()

	recorder := outbox.NewRecorder(cfg.Environment)
	c := &controller{
		risk:   risk.NewManager(store, recorder, appLogger, ports.NopMetrics{}),
		outbox: outbox.NewPublisher(store, outbox.NewLogSink(appLogger), appLogger, ports.NopMetrics{}, outbox.Config{}),
		out:    os.Stdout,
	}
	if err := c.run(context.Background(), os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		store.Close()
		log.Fatalf("riskctl: %v", err)
	}
}

func (c *controller) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "status":
		return c.status(ctx)
	case "kill":
		return c.kill(ctx, args[1:])
	case "deadletters":
		return c.deadLetters(ctx, args[1:])
	case "requeue":
		return c.requeue(ctx, args[1:])
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func (c *controller) status(ctx context.Context) error {
	states, err := c.risk.States(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCOPE\tACCOUNT\tKILL SWITCH\tREASON\tDAY\tDAILY P&L\tOPEN ORDERS\tFAILURES")
	for _, st := range states {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\n", st.Scope, dash(st.AccountID), st.KillSwitch,
			dash(st.KillSwitchReason), st.TradingDay, st.DailyPnL.StringFixed(2), st.OpenOrders, st.ConsecutiveFailures)
	}
	return w.Flush()
}

func (c *controller) kill(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("kill", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	account := fs.String("account", "", "account id; empty targets the global switch")
	status := fs.String("status", "", "OFF, ARMED or ON")
	reason := fs.String("reason", "", "why the switch is changed (required)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	parsed, err := domain.ParseKillSwitchStatus(strings.ToUpper(*status))
	if err != nil {
		return err
	}
	scope := domain.ScopeGlobal
	if *account != "" {
		scope = domain.ScopePerAccount
	}
	st, err := c.risk.SetKillSwitch(ctx, scope, *account, parsed, *reason)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s %s kill switch is %s (%s)\n", st.Scope, dash(st.AccountID), st.KillSwitch, st.KillSwitchReason)
	return nil
}

func (c *controller) deadLetters(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("deadletters", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("limit", 50, "maximum number of events")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	letters, err := c.outbox.DeadLetters(ctx, *limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EVENT ID\tTYPE\tCORRELATION\tRETRIES\tDEAD-LETTERED\tREASON")
	for _, dl := range letters {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", dl.EventID, dl.Type, dash(dl.CorrelationID), dl.RetryCount,
			dl.DeadLetteredAt.UTC().Format(time.RFC3339), dl.Reason)
	}
	return w.Flush()
}

func (c *controller) requeue(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("requeue", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	eventID := fs.String("event", "", "dead-lettered event id")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *eventID == "" {
		return fmt.Errorf("%w: -event is required", errUsage)
	}
	if err := c.outbox.Requeue(ctx, *eventID); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "event %s requeued\n", *eventID)
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
