package admin

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/malbeclabs/dca/scheduler/pkg/engine"
	"github.com/malbeclabs/dca/scheduler/pkg/history"
	historytesting "github.com/malbeclabs/dca/scheduler/pkg/history/testing"
	"github.com/malbeclabs/dca/scheduler/pkg/ledger"
	"github.com/malbeclabs/dca/scheduler/pkg/settlement"
	"github.com/malbeclabs/dca/scheduler/pkg/snapshot"
	"github.com/malbeclabs/dca/scheduler/pkg/store/postgres"
	pgtesting "github.com/malbeclabs/dca/scheduler/pkg/store/postgres/testing"
	dcatesting "github.com/malbeclabs/dca/utils/pkg/testing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func participant(deposited, perCycle, converted int64, paused bool, last time.Time) ledger.Participant {
	return ledger.Participant{
		Account:          solana.NewWallet().PublicKey(),
		DepositedBalance: decimal.NewFromInt(deposited),
		AmountPerCycle:   decimal.NewFromInt(perCycle),
		CycleInterval:    time.Hour,
		LastCycleTime:    last,
		ConvertedBalance: decimal.NewFromInt(converted),
		Paused:           paused,
		Reserved:         decimal.Zero,
	}
}

func TestDCA_Admin_ParseMigrateAction(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"up", "down", "status"} {
		a, err := ParseMigrateAction(s)
		require.NoError(t, err)
		require.Equal(t, MigrateAction(s), a)
	}
	_, err := ParseMigrateAction("sideways")
	require.ErrorContains(t, err, `unknown migrate action "sideways"`)
}

func TestDCA_Admin_Summarize(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sum := Summarize([]ledger.Participant{
		participant(500, 100, 10, false, time.Time{}),
		participant(50, 100, 0, false, time.Time{}),
		participant(500, 100, 20, true, time.Time{}),
		participant(500, 100, 30, false, now.Add(-time.Minute)),
	}, now)

	require.Equal(t, 4, sum.Participants)
	require.Equal(t, 1, sum.Paused)
	require.Equal(t, 1, sum.Due)
	require.True(t, sum.Deposited.Equal(decimal.NewFromInt(1550)))
	require.True(t, sum.Converted.Equal(decimal.NewFromInt(60)))
}

func TestDCA_Admin_Status(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := engine.NewMemoryStore()

	var out bytes.Buffer
	require.NoError(t, Status(ctx, &out, store, time.Now(), false))
	require.Contains(t, out.String(), "Settings: not initialized")
	require.Contains(t, out.String(), "participants: 0")

	owner := solana.NewWallet().PublicKey()
	require.NoError(t, store.SaveSettings(ctx, engine.Settings{Owner: owner, BatchCapacity: 8, FeeRate: 3}))
	p := participant(700, 100, 95, false, time.Time{})
	require.NoError(t, store.SaveParticipant(ctx, p))

	out.Reset()
	require.NoError(t, Status(ctx, &out, store, time.Now(), true))
	s := out.String()
	require.Contains(t, s, owner.String())
	require.Contains(t, s, "batch capacity: 8")
	require.Contains(t, s, "fee rate:       3%")
	require.Contains(t, s, "participants: 1 (0 paused, 1 eligible now)")
	require.Contains(t, s, p.Account.String())
	require.Contains(t, s, "ACCOUNT")
}

type memObjectStore struct {
	objects map[string][]byte
}

func (m *memObjectStore) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (m *memObjectStore) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
		}
	}
	return out, nil
}

func (m *memObjectStore) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

type staticSource struct {
	participants []ledger.Participant
}

func (s staticSource) Settings() engine.Settings          { return engine.Settings{BatchCapacity: 4} }
func (s staticSource) Participants() []ledger.Participant { return s.participants }

func TestDCA_Admin_Snapshots(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &memObjectStore{objects: map[string][]byte{}}
	reader := snapshot.NewReader(store, "bucket", "dca")

	var out bytes.Buffer
	require.NoError(t, ListSnapshots(ctx, &out, reader, 10))
	require.Contains(t, out.String(), "No snapshots found")

	p := participant(400, 100, 95, false, time.Time{})
	archiver, err := snapshot.New(snapshot.Config{
		Logger: dcatesting.NewLogger(),
		Store:  store,
		Source: staticSource{participants: []ledger.Participant{p}},
		Bucket: "bucket",
		Prefix: "dca",
	})
	require.NoError(t, err)
	runID := uuid.New()
	key, err := archiver.Archive(ctx, runID)
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, ListSnapshots(ctx, &out, reader, 10))
	require.Equal(t, key+"\n", out.String())

	out.Reset()
	require.NoError(t, ShowSnapshot(ctx, &out, reader, key, true))
	require.Contains(t, out.String(), runID.String())
	require.Contains(t, out.String(), "batch capacity: 4")
	require.Contains(t, out.String(), p.Account.String())

	require.Error(t, ShowSnapshot(ctx, &out, reader, "dca/missing.json", false))
}

func TestDCA_Admin_Confirm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		skip  bool
		want  bool
	}{
		{name: "yes", input: "yes\n", want: true},
		{name: "yes without newline", input: " YES ", want: true},
		{name: "no", input: "no\n", want: false},
		{name: "empty", input: "", want: false},
		{name: "skip", skip: true, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			ok, err := confirm(ResetOptions{SkipConfirm: tt.skip, In: strings.NewReader(tt.input), Out: &out})
			require.NoError(t, err)
			require.Equal(t, tt.want, ok)
		})
	}
}

func TestDCA_Admin_ResetLedger(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	log := dcatesting.NewLogger()
	connStr := pgtesting.NewTestDatabase(t, sharedPG)
	require.NoError(t, postgres.MigrateUp(ctx, log, connStr))
	pool := pgtesting.NewTestPool(t, connStr)

	store, err := postgres.New(postgres.Config{Logger: log, DB: pool})
	require.NoError(t, err)
	require.NoError(t, store.SaveSettings(ctx, engine.Settings{Owner: solana.NewWallet().PublicKey(), BatchCapacity: 2}))
	p := participant(300, 100, 0, false, time.Time{})
	p.RegisteredSeq = 1
	require.NoError(t, store.SaveParticipant(ctx, p))
	require.NoError(t, store.SaveCommit(ctx, uuid.New(), []ledger.Participant{p}))

	count := func(table string) int64 {
		var n int64
		require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM "+table).Scan(&n))
		return n
	}

	var out bytes.Buffer
	require.NoError(t, ResetLedger(ctx, log, pool, false, ResetOptions{DryRun: true, Out: &out}))
	require.Contains(t, out.String(), "dca_participants (1 rows)")
	require.Contains(t, out.String(), "[DRY RUN]")
	require.Equal(t, int64(1), count("dca_participants"))

	out.Reset()
	require.NoError(t, ResetLedger(ctx, log, pool, false, ResetOptions{In: strings.NewReader("no\n"), Out: &out}))
	require.Contains(t, out.String(), "Operation cancelled")
	require.Equal(t, int64(1), count("dca_participants"))

	out.Reset()
	require.NoError(t, ResetLedger(ctx, log, pool, false, ResetOptions{In: strings.NewReader("yes\n"), Out: &out}))
	require.Equal(t, int64(0), count("dca_participants"))
	require.Equal(t, int64(0), count("dca_runs"))
	require.Equal(t, int64(1), count("dca_settings"))

	require.NoError(t, ResetLedger(ctx, log, pool, true, ResetOptions{SkipConfirm: true, Out: &out}))
	require.Equal(t, int64(0), count("dca_settings"))
}

func TestDCA_Admin_ResetHistory(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	log := dcatesting.NewLogger()
	cfg := history.ConnConfig{
		Addr:     sharedCH.Addr(),
		Database: historytesting.NewTestDatabase(t, sharedCH),
		Username: sharedCH.Username(),
		Password: sharedCH.Password(),
	}
	require.NoError(t, ClickHouseMigrate(ctx, log, cfg, MigrateUp))
	conn, err := history.Open(ctx, log, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	rec, err := history.New(history.Config{Logger: log, Conn: conn})
	require.NoError(t, err)
	require.NoError(t, rec.RunCompleted(history.ContextWithSyncInsert(ctx), &settlement.Receipt{
		RunID:     uuid.New(),
		Status:    settlement.StatusAborted,
		BatchSize: 1,
		Aggregate: decimal.NewFromInt(100),
		Fee:       decimal.Zero,
		Net:       decimal.NewFromInt(100),
		Dust:      decimal.Zero,
		AmountOut: decimal.Zero,
	}))

	var out bytes.Buffer
	require.NoError(t, ResetHistory(ctx, log, conn, cfg.Database, ResetOptions{DryRun: true, Out: &out}))
	require.Contains(t, out.String(), "dca_run_shares")
	require.Contains(t, out.String(), "dca_runs")

	out.Reset()
	require.NoError(t, ResetHistory(ctx, log, conn, cfg.Database, ResetOptions{SkipConfirm: true, Out: &out}))
	require.Contains(t, out.String(), "Successfully dropped 2 table(s)")

	out.Reset()
	require.NoError(t, ResetHistory(ctx, log, conn, cfg.Database, ResetOptions{SkipConfirm: true, Out: &out}))
	require.Contains(t, out.String(), "No run history tables found")

	require.NoError(t, ClickHouseMigrate(ctx, log, cfg, MigrateUp))
	runs, err := rec.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, runs)
}
