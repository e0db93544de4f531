package admin

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/malbeclabs/dca/scheduler/pkg/engine"
	"github.com/malbeclabs/dca/scheduler/pkg/ledger"
	"github.com/malbeclabs/dca/scheduler/pkg/snapshot"
	"github.com/shopspring/decimal"
)

// Loader reads persisted ledger state. The Postgres store satisfies it.
type Loader interface {
	Load(ctx context.Context) (engine.State, error)
}

// Summary aggregates a ledger for display.
type Summary struct {
	Participants int
	Paused       int
	Due          int
	Deposited    decimal.Decimal
	Converted    decimal.Decimal
}

func Summarize(participants []ledger.Participant, now time.Time) Summary {
	s := Summary{Participants: len(participants), Deposited: decimal.Zero, Converted: decimal.Zero}
	for _, p := range participants {
		if p.Paused {
			s.Paused++
		}
		if p.Eligible(now) {
			s.Due++
		}
		s.Deposited = s.Deposited.Add(p.DepositedBalance)
		s.Converted = s.Converted.Add(p.ConvertedBalance)
	}
	return s
}

// Status prints the owner configuration, a ledger summary and, when verbose, every
// participant.
func Status(ctx context.Context, out io.Writer, store Loader, now time.Time, verbose bool) error {
	state, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}

	if state.Settings == nil {
		fmt.Fprintln(out, "Settings: not initialized")
	} else {
		printSettings(out, *state.Settings)
	}
	printParticipants(out, state.Participants, now, verbose)
	return nil
}

// ShowSnapshot prints an archived snapshot in the same layout as Status.
func ShowSnapshot(ctx context.Context, out io.Writer, reader *snapshot.Reader, key string, verbose bool) error {
	snap, err := reader.Get(ctx, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Snapshot %s\n  run:   %s\n  taken: %s\n\n", key, snap.RunID, snap.TakenAt.Format(time.RFC3339))
	printSettings(out, snap.Settings)
	printParticipants(out, snap.Participants, snap.TakenAt, verbose)
	return nil
}

// ListSnapshots prints the newest archived snapshot keys.
func ListSnapshots(ctx context.Context, out io.Writer, reader *snapshot.Reader, limit int) error {
	keys, err := reader.List(ctx, limit)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Fprintln(out, "No snapshots found")
		return nil
	}
	for _, k := range keys {
		fmt.Fprintln(out, k)
	}
	return nil
}

func printSettings(out io.Writer, s engine.Settings) {
	fmt.Fprintln(out, "Settings:")
	fmt.Fprintf(out, "  owner:          %s\n", s.Owner)
	fmt.Fprintf(out, "  batch capacity: %d\n", s.BatchCapacity)
	fmt.Fprintf(out, "  fee rate:       %d%%\n", s.FeeRate)
	fmt.Fprintf(out, "  pool:           %s\n", s.PoolAddress)
	fmt.Fprintf(out, "  token:          %s\n", s.TokenAddress)
	fmt.Fprintf(out, "  wrap:           %s\n", s.WrapAddress)
}

func printParticipants(out io.Writer, participants []ledger.Participant, now time.Time, verbose bool) {
	sum := Summarize(participants, now)
	fmt.Fprintln(out, "\nLedger:")
	fmt.Fprintf(out, "  participants: %d (%d paused, %d eligible now)\n", sum.Participants, sum.Paused, sum.Due)
	fmt.Fprintf(out, "  deposited:    %s\n", sum.Deposited)
	fmt.Fprintf(out, "  converted:    %s\n", sum.Converted)
	if !verbose || len(participants) == 0 {
		return
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tDEPOSITED\tPER CYCLE\tINTERVAL\tCONVERTED\tNEXT CYCLE\tPAUSED")
	for _, p := range participants {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			p.Account, p.DepositedBalance, p.AmountPerCycle, p.CycleInterval,
			p.ConvertedBalance, p.NextCycleAt().UTC().Format(time.RFC3339), p.Paused)
	}
	w.Flush()
}
