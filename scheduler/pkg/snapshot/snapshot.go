package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/dca/scheduler/pkg/engine"
	"github.com/malbeclabs/dca/scheduler/pkg/ledger"
	"github.com/malbeclabs/dca/scheduler/pkg/metrics"
	"github.com/malbeclabs/dca/scheduler/pkg/settlement"
)

const backend = "s3"

// ObjectStore is the subset of the S3 API the archiver uses. *s3.Client satisfies it.
type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Source supplies the ledger state to archive.
type Source interface {
	Settings() engine.Settings
	Participants() []ledger.Participant
}

type S3Config struct {
	Region         string
	Endpoint       string
	ForcePathStyle bool
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}), nil
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  ObjectStore
	Source Source
	Bucket string
	Prefix string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("object store is required")
	}
	if cfg.Source == nil {
		return errors.New("source is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if cfg.Prefix == "" {
		cfg.Prefix = "snapshots"
	}
	return nil
}

// Snapshot is the archived ledger state after a committed run.
type Snapshot struct {
	RunID        uuid.UUID            `json:"run_id"`
	TakenAt      time.Time            `json:"taken_at"`
	Settings     engine.Settings      `json:"settings"`
	Participants []ledger.Participant `json:"participants"`
}

// Archiver writes a ledger snapshot to S3 after every committed run.
type Archiver struct {
	log *slog.Logger
	cfg Config
}

var _ engine.RunObserver = (*Archiver)(nil)

func New(cfg Config) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Archiver{log: cfg.Logger, cfg: cfg}, nil
}

func (a *Archiver) RunCompleted(ctx context.Context, receipt *settlement.Receipt) error {
	if receipt == nil || receipt.Status != settlement.StatusCommitted {
		return nil
	}
	_, err := a.Archive(ctx, receipt.RunID)
	return err
}

// Archive uploads the current state and returns its object key.
func (a *Archiver) Archive(ctx context.Context, runID uuid.UUID) (string, error) {
	now := a.cfg.Clock.Now().UTC()
	snap := Snapshot{
		RunID:        runID,
		TakenAt:      now,
		Settings:     a.cfg.Source.Settings(),
		Participants: a.cfg.Source.Participants(),
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := a.key(now, runID)
	start := time.Now()
	_, err = a.cfg.Store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
		Metadata: map[string]string{
			"run-id":       runID.String(),
			"participants": fmt.Sprintf("%d", len(snap.Participants)),
		},
	})
	metrics.RecordQuery(backend, time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("failed to upload snapshot %s: %w", key, err)
	}
	a.log.Info("snapshot: archived", "key", key, "participants", len(snap.Participants))
	return key, nil
}

// key lays snapshots out by day so listing a prefix returns them in time order.
func (a *Archiver) key(now time.Time, runID uuid.UUID) string {
	return path.Join(a.cfg.Prefix, now.Format("2006/01/02"), fmt.Sprintf("%s-%s.json", now.Format("150405.000"), runID))
}

// List returns snapshot keys under the prefix, newest first.
func (a *Archiver) List(ctx context.Context, limit int) ([]string, error) {
	return NewReader(a.cfg.Store, a.cfg.Bucket, a.cfg.Prefix).List(ctx, limit)
}

// Reader lists and fetches archived snapshots.
type Reader struct {
	store  ObjectStore
	bucket string
	prefix string
}

func NewReader(store ObjectStore, bucket, prefix string) *Reader {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "snapshots"
	}
	return &Reader{store: store, bucket: bucket, prefix: prefix}
}

// List returns snapshot keys under the prefix, newest first.
func (r *Reader) List(ctx context.Context, limit int) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := r.store.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(r.bucket),
			Prefix:            aws.String(r.prefix + "/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list snapshots: %w", err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	slices.Sort(keys)
	slices.Reverse(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// Get downloads and decodes the snapshot stored at key.
func (r *Reader) Get(ctx context.Context, key string) (Snapshot, error) {
	start := time.Now()
	out, err := r.store.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	metrics.RecordQuery(backend, time.Since(start), err)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to fetch snapshot %s: %w", key, err)
	}
	defer out.Body.Close()

	var snap Snapshot
	if err := json.NewDecoder(out.Body).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot %s: %w", key, err)
	}
	return snap, nil
}
