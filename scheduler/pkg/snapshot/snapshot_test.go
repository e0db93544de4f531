package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/dca/scheduler/pkg/engine"
	"github.com/malbeclabs/dca/scheduler/pkg/ledger"
	"github.com/malbeclabs/dca/scheduler/pkg/settlement"
	dcatesting "github.com/malbeclabs/dca/utils/pkg/testing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type putCall struct {
	bucket, key string
	body        []byte
	metadata    map[string]string
}

type mockObjectStore struct {
	mu       sync.Mutex
	puts     []putCall
	putFunc  func() error
	listFunc func(*s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error)
	getFunc  func(*s3.GetObjectInput) (*s3.GetObjectOutput, error)
}

func (m *mockObjectStore) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.puts = append(m.puts, putCall{aws.ToString(in.Bucket), aws.ToString(in.Key), body, in.Metadata})
	m.mu.Unlock()
	if m.putFunc != nil {
		return nil, m.putFunc()
	}
	return &s3.PutObjectOutput{}, nil
}

func (m *mockObjectStore) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if m.listFunc != nil {
		return m.listFunc(in)
	}
	return &s3.ListObjectsV2Output{}, nil
}

func (m *mockObjectStore) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getFunc != nil {
		return m.getFunc(in)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.puts {
		if p.bucket == aws.ToString(in.Bucket) && p.key == aws.ToString(in.Key) {
			return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(p.body))}, nil
		}
	}
	return nil, &types.NoSuchKey{}
}

type staticSource struct {
	settings     engine.Settings
	participants []ledger.Participant
}

func (s staticSource) Settings() engine.Settings          { return s.settings }
func (s staticSource) Participants() []ledger.Participant { return s.participants }

func newTestArchiver(t *testing.T, store *mockObjectStore, src Source) *Archiver {
	t.Helper()
	a, err := New(Config{
		Logger: dcatesting.NewLogger(),
		Clock:  clockwork.NewFakeClockAt(time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)),
		Store:  store,
		Source: src,
		Bucket: "dca-snapshots",
		Prefix: "/mainnet/",
	})
	require.NoError(t, err)
	return a
}

func TestDCA_Snapshot_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.EqualError(t, err, "logger is required")
	_, err = New(Config{Logger: dcatesting.NewLogger()})
	require.EqualError(t, err, "object store is required")
	_, err = New(Config{Logger: dcatesting.NewLogger(), Store: &mockObjectStore{}})
	require.EqualError(t, err, "source is required")
	_, err = New(Config{Logger: dcatesting.NewLogger(), Store: &mockObjectStore{}, Source: staticSource{}})
	require.EqualError(t, err, "bucket is required")

	cfg := Config{Logger: dcatesting.NewLogger(), Store: &mockObjectStore{}, Source: staticSource{}, Bucket: "b"}
	require.NoError(t, cfg.Validate())
	require.Equal(t, "snapshots", cfg.Prefix)
}

func TestDCA_Snapshot_Archiver_RunCompleted(t *testing.T) {
	t.Parallel()

	owner := solana.NewWallet().PublicKey()
	p := ledger.Participant{
		Account:          solana.NewWallet().PublicKey(),
		DepositedBalance: decimal.NewFromInt(900),
		AmountPerCycle:   decimal.NewFromInt(100),
		ConvertedBalance: decimal.NewFromInt(95),
		CycleInterval:    time.Hour,
	}
	src := staticSource{settings: engine.Settings{Owner: owner, BatchCapacity: 10, FeeRate: 5}, participants: []ledger.Participant{p}}

	t.Run("archives committed runs", func(t *testing.T) {
		t.Parallel()
		store := &mockObjectStore{}
		a := newTestArchiver(t, store, src)
		runID := uuid.New()

		require.NoError(t, a.RunCompleted(context.Background(), &settlement.Receipt{RunID: runID, Status: settlement.StatusCommitted}))
		require.Len(t, store.puts, 1)

		put := store.puts[0]
		require.Equal(t, "dca-snapshots", put.bucket)
		require.Equal(t, "mainnet/2026/03/04/050607.000-"+runID.String()+".json", put.key)
		require.Equal(t, "1", put.metadata["participants"])

		var snap Snapshot
		require.NoError(t, json.Unmarshal(put.body, &snap))
		require.Equal(t, runID, snap.RunID)
		require.Equal(t, owner, snap.Settings.Owner)
		require.Len(t, snap.Participants, 1)
		require.True(t, snap.Participants[0].ConvertedBalance.Equal(decimal.NewFromInt(95)))
	})

	t.Run("ignores other statuses", func(t *testing.T) {
		t.Parallel()
		store := &mockObjectStore{}
		a := newTestArchiver(t, store, src)
		for _, s := range []settlement.Status{settlement.StatusEmpty, settlement.StatusAborted, settlement.StatusFaulted} {
			require.NoError(t, a.RunCompleted(context.Background(), &settlement.Receipt{Status: s}))
		}
		require.Empty(t, store.puts)
	})

	t.Run("upload error is returned", func(t *testing.T) {
		t.Parallel()
		store := &mockObjectStore{putFunc: func() error { return errors.New("access denied") }}
		a := newTestArchiver(t, store, src)
		err := a.RunCompleted(context.Background(), &settlement.Receipt{RunID: uuid.New(), Status: settlement.StatusCommitted})
		require.ErrorContains(t, err, "access denied")
	})
}

func TestDCA_Snapshot_Archiver_List(t *testing.T) {
	t.Parallel()

	pages := []*s3.ListObjectsV2Output{
		{
			Contents:              []types.Object{{Key: aws.String("mainnet/2026/03/01/a.json")}, {Key: aws.String("mainnet/2026/03/03/c.json")}},
			IsTruncated:           aws.Bool(true),
			NextContinuationToken: aws.String("page-2"),
		},
		{
			Contents:    []types.Object{{Key: aws.String("mainnet/2026/03/02/b.json")}},
			IsTruncated: aws.Bool(false),
		},
	}
	var prefixes []string
	store := &mockObjectStore{listFunc: func(in *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
		prefixes = append(prefixes, aws.ToString(in.Prefix))
		if in.ContinuationToken == nil {
			return pages[0], nil
		}
		require.Equal(t, "page-2", aws.ToString(in.ContinuationToken))
		return pages[1], nil
	}}
	a := newTestArchiver(t, store, staticSource{})

	keys, err := a.List(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, []string{"mainnet/2026/03/03/c.json", "mainnet/2026/03/02/b.json"}, keys)
	require.Equal(t, []string{"mainnet/", "mainnet/"}, prefixes)
}

func TestDCA_Snapshot_Reader_Get(t *testing.T) {
	t.Parallel()

	p := ledger.Participant{
		Account:          solana.NewWallet().PublicKey(),
		DepositedBalance: decimal.NewFromInt(500),
		AmountPerCycle:   decimal.NewFromInt(50),
	}
	store := &mockObjectStore{}
	a := newTestArchiver(t, store, staticSource{participants: []ledger.Participant{p}})
	runID := uuid.New()
	key, err := a.Archive(context.Background(), runID)
	require.NoError(t, err)

	r := NewReader(store, "dca-snapshots", "mainnet")
	snap, err := r.Get(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, runID, snap.RunID)
	require.Len(t, snap.Participants, 1)
	require.Equal(t, p.Account, snap.Participants[0].Account)
	require.True(t, snap.Participants[0].DepositedBalance.Equal(decimal.NewFromInt(500)))

	_, err = r.Get(context.Background(), "mainnet/missing.json")
	require.ErrorContains(t, err, "failed to fetch snapshot mainnet/missing.json")

	store.getFunc = func(*s3.GetObjectInput) (*s3.GetObjectOutput, error) {
		return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte("{not json")))}, nil
	}
	_, err = r.Get(context.Background(), key)
	require.ErrorContains(t, err, "failed to decode snapshot")
}
