package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"whalewatch/internal/storage"
)

// minuteRow joins the open interest sample of a minute with the large trades
// recorded in it. HasOpenInterest is false for minutes the poller missed.
type minuteRow struct {
	Bucket          time.Time
	OpenInterest    decimal.Decimal
	HasOpenInterest bool
	BuyVolume       decimal.Decimal
	SellVolume      decimal.Decimal
	Trades          int
}

// Export renders historical data as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	fromBucket, toBucket := openInterestWindow(from, to)
	samples, err := store.ListOpenInterestBetween(ctx, fromBucket, toBucket)
	if err != nil {
		return err
	}
	trades, err := store.ListTradesBetween(ctx, from, to)
	if err != nil {
		return err
	}

	rows := buildMinuteRows(samples, trades)
	if len(rows) == 0 {
		a.Logger.Info().Msg("no history found for export window")
		return nil
	}

	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Int("minutes", len(rows)).Int("trades", len(trades)).Int("exported", len(downsampled)).Msg("exporting history")

	if opts.CSVPath != "" {
		if err := writeRowsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if len(downsampled) < 2 {
			a.Logger.Warn().Msg("need at least two minutes of history to render a chart; skipping png")
			return nil
		}
		if err := writeRowsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func buildMinuteRows(samples []storage.OpenInterestSample, trades []storage.Trade) []minuteRow {
	byBucket := make(map[int64]*minuteRow, len(samples))
	row := func(bucket int64) *minuteRow {
		r, ok := byBucket[bucket]
		if !ok {
			r = &minuteRow{Bucket: time.Unix(bucket, 0).UTC()}
			byBucket[bucket] = r
		}
		return r
	}

	for _, sample := range samples {
		r := row(sample.MinuteBucket)
		r.OpenInterest = sample.Value
		r.HasOpenInterest = true
	}
	for _, trade := range trades {
		r := row(storage.MinuteBucket(trade.Timestamp))
		if trade.IsSale {
			r.SellVolume = r.SellVolume.Add(trade.Quantity)
		} else {
			r.BuyVolume = r.BuyVolume.Add(trade.Quantity)
		}
		r.Trades++
	}

	rows := make([]minuteRow, 0, len(byBucket))
	for _, r := range byBucket {
		rows = append(rows, *r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Bucket.Before(rows[j].Bucket) })
	return rows
}

func downsampleRows(rows []minuteRow, max int) []minuteRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]minuteRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeRowsCSV(path string, rows []minuteRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"minute_bucket", "minute_ts", "open_interest", "large_buy_qty", "large_sell_qty", "large_trades"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range rows {
		oi := ""
		if r.HasOpenInterest {
			oi = r.OpenInterest.String()
		}
		record := []string{
			strconv.FormatInt(r.Bucket.Unix(), 10),
			r.Bucket.Format(time.RFC3339),
			oi,
			r.BuyVolume.String(),
			r.SellVolume.String(),
			strconv.Itoa(r.Trades),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeRowsPNG(path string, rows []minuteRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var oiX []time.Time
	var oiY []float64
	x := make([]time.Time, len(rows))
	buys := make([]float64, len(rows))
	sells := make([]float64, len(rows))

	for i, r := range rows {
		x[i] = r.Bucket
		buys[i] = r.BuyVolume.InexactFloat64()
		sells[i] = r.SellVolume.InexactFloat64()
		if r.HasOpenInterest {
			oiX = append(oiX, r.Bucket)
			oiY = append(oiY, r.OpenInterest.InexactFloat64())
		}
	}

	qtyFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	tradeAxis := chart.YAxisPrimary
	var series []chart.Series
	if len(oiX) >= 2 {
		tradeAxis = chart.YAxisSecondary
		series = append(series, chart.TimeSeries{
			Name:    "Open interest",
			XValues: oiX,
			YValues: oiY,
		})
	}
	series = append(series,
		chart.TimeSeries{
			Name:    "Large buys",
			XValues: x,
			YValues: buys,
			YAxis:   tradeAxis,
		},
		chart.TimeSeries{
			Name:    "Large sells",
			XValues: x,
			YValues: sells,
			YAxis:   tradeAxis,
		},
	)

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Open interest",
			ValueFormatter: qtyFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Large trade qty",
			ValueFormatter: qtyFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

// openInterestWindow returns the half-open bucket range [from, to) covering
// every minute that overlaps [from, to), including a partial last minute.
func openInterestWindow(from, to time.Time) (int64, int64) {
	toBucket := storage.MinuteBucket(to)
	if !to.Equal(time.Unix(toBucket, 0)) {
		toBucket += 60
	}
	return storage.MinuteBucket(from), toBucket
}
