package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/malbeclabs/dca/scheduler/pkg/ledger"
)

// State is what a Store hands back at startup. Settings is nil for a fresh store.
type State struct {
	Settings     *Settings
	Participants []ledger.Participant
}

// Store persists the ledger write-through. Every method is called with the engine lock held.
type Store interface {
	Load(ctx context.Context) (State, error)
	SaveSettings(ctx context.Context, s Settings) error
	SaveParticipant(ctx context.Context, p ledger.Participant) error
	DeleteParticipant(ctx context.Context, account solana.PublicKey) error
	// SaveCommit persists every participant of a committed run atomically.
	SaveCommit(ctx context.Context, runID uuid.UUID, participants []ledger.Participant) error
	SavePayout(ctx context.Context, p Payout) error
	ListPayouts(ctx context.Context, account solana.PublicKey, limit int) ([]Payout, error)
}

// MemoryStore keeps everything in process memory. It is the default when no database is
// configured.
type MemoryStore struct {
	mu           sync.Mutex
	settings     *Settings
	participants map[solana.PublicKey]ledger.Participant
	payouts      map[uuid.UUID]Payout
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		participants: make(map[solana.PublicKey]ledger.Participant),
		payouts:      make(map[uuid.UUID]Payout),
	}
}

func (s *MemoryStore) Load(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st State
	if s.settings != nil {
		cp := *s.settings
		st.Settings = &cp
	}
	for _, p := range s.participants {
		st.Participants = append(st.Participants, p)
	}
	return st, nil
}

func (s *MemoryStore) SaveSettings(ctx context.Context, settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = &settings
	return nil
}

func (s *MemoryStore) SaveParticipant(ctx context.Context, p ledger.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[p.Account] = p
	return nil
}

func (s *MemoryStore) DeleteParticipant(ctx context.Context, account solana.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, account)
	return nil
}

func (s *MemoryStore) SaveCommit(ctx context.Context, runID uuid.UUID, participants []ledger.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range participants {
		s.participants[p.Account] = p
	}
	return nil
}

func (s *MemoryStore) SavePayout(ctx context.Context, p Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payouts[p.ID] = p
	return nil
}

func (s *MemoryStore) ListPayouts(ctx context.Context, account solana.PublicKey, limit int) ([]Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Payout
	for _, p := range s.payouts {
		if p.Account == account {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b Payout) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
