package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"whalewatch/internal/storage"
)

// Show prints the most recent large trades and open interest samples.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	trades, err := store.ListRecentTrades(ctx, opts.Limit)
	if err != nil {
		return err
	}
	samples, err := store.ListRecentOpenInterest(ctx, opts.Limit)
	if err != nil {
		return err
	}

	printTrades(os.Stdout, trades)
	fmt.Fprintln(os.Stdout)
	printOpenInterest(os.Stdout, samples)
	return nil
}

func printTrades(out io.Writer, trades []storage.Trade) {
	if len(trades) == 0 {
		fmt.Fprintln(out, "no trades found")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSide\tPrice\tQuantity\tNotional")
	for _, t := range trades {
		side := "BUY"
		if t.IsSale {
			side = "SELL"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			t.Timestamp.UTC().Format(time.RFC3339),
			side,
			formatDecimal(t.Price, 2),
			t.Quantity.String(),
			formatDecimal(t.Price.Mul(t.Quantity), 0),
		)
	}
	writer.Flush()
}

func printOpenInterest(out io.Writer, samples []storage.OpenInterestSample) {
	if len(samples) == 0 {
		fmt.Fprintln(out, "no open interest samples found")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Minute (UTC)\tOpen interest")
	for _, s := range samples {
		fmt.Fprintf(writer, "%s\t%s\n", time.Unix(s.MinuteBucket, 0).UTC().Format(time.RFC3339), formatDecimal(s.Value, 3))
	}
	writer.Flush()
}
