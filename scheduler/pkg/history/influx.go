package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
	"github.com/malbeclabs/dca/scheduler/pkg/metrics"
	"github.com/malbeclabs/dca/scheduler/pkg/settlement"
)

const (
	influxBackend    = "influxdb"
	runMeasurement   = "dca_run"
	stageMeasurement = "dca_run_stage"
)

// PointWriter writes points to InfluxDB.
type PointWriter interface {
	WritePoints(ctx context.Context, points []*influxdb3.Point) error
}

type influxClient struct {
	client *influxdb3.Client
}

func (c *influxClient) WritePoints(ctx context.Context, points []*influxdb3.Point) error {
	return c.client.WritePoints(ctx, points)
}

// NewInfluxWriter connects an InfluxDB 3 client. The returned close function releases it.
func NewInfluxWriter(host, token, database string) (PointWriter, func() error, error) {
	client, err := influxdb3.New(influxdb3.ClientConfig{
		Host:     host,
		Token:    token,
		Database: database,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create InfluxDB client: %w", err)
	}
	return &influxClient{client: client}, client.Close, nil
}

type InfluxConfig struct {
	Logger *slog.Logger
	Writer PointWriter
}

func (cfg *InfluxConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Writer == nil {
		return errors.New("writer is required")
	}
	return nil
}

// InfluxRecorder writes a point per run, including empty ones, so run cadence is visible.
type InfluxRecorder struct {
	log    *slog.Logger
	writer PointWriter
}

func NewInfluxRecorder(cfg InfluxConfig) (*InfluxRecorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &InfluxRecorder{log: cfg.Logger, writer: cfg.Writer}, nil
}

func (r *InfluxRecorder) RunCompleted(ctx context.Context, receipt *settlement.Receipt) error {
	if receipt == nil {
		return nil
	}
	points := RunPoints(receipt)
	start := time.Now()
	err := r.writer.WritePoints(ctx, points)
	metrics.RecordQuery(influxBackend, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to write run points: %w", err)
	}
	return nil
}

// RunPoints converts a receipt to its InfluxDB points. Amounts are written as floats and
// are approximate above 2^53.
func RunPoints(receipt *settlement.Receipt) []*influxdb3.Point {
	run := influxdb3.NewPointWithMeasurement(runMeasurement).
		SetTag("status", string(receipt.Status)).
		SetTag("run_id", receipt.RunID.String()).
		SetIntegerField("batch_size", int64(receipt.BatchSize)).
		SetIntegerField("fee_rate", int64(receipt.FeeRate)).
		SetDoubleField("aggregate", receipt.Aggregate.InexactFloat64()).
		SetDoubleField("fee", receipt.Fee.InexactFloat64()).
		SetDoubleField("net", receipt.Net.InexactFloat64()).
		SetDoubleField("dust", receipt.Dust.InexactFloat64()).
		SetDoubleField("amount_out", receipt.AmountOut.InexactFloat64()).
		SetDoubleField("duration_seconds", receipt.Duration().Seconds()).
		SetTimestamp(receipt.FinishedAt)
	if !receipt.Route.PoolAddress.IsZero() {
		run.SetTag("pool", receipt.Route.PoolAddress.String())
	}
	points := []*influxdb3.Point{run}

	if receipt.FailedStage != "" {
		points = append(points, influxdb3.NewPointWithMeasurement(stageMeasurement).
			SetTag("stage", string(receipt.FailedStage)).
			SetTag("status", "failed").
			SetStringField("reason", receipt.Reason).
			SetTimestamp(receipt.FinishedAt))
	}
	return points
}
