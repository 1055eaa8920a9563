package risk

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Record is the persisted governor state of one account-day
type Record struct {
	DailyPnL          DailyPnL   `json:"daily_pnl"`
	ConsecutiveLosses int        `json:"consecutive_losses"`
	BlockUntil        *time.Time `json:"block_until,omitempty"`
	PersistedAt       time.Time  `json:"persisted_at"`
}

// Store persists governor records keyed by (account_id, date)
type Store interface {
	Save(ctx context.Context, rec Record) error
	LoadAll(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, accountID, date string) error
}

// MemoryStore keeps records in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.DailyPnL.AccountID+"|"+rec.DailyPnL.Date] = rec
	return nil
}

func (s *MemoryStore) LoadAll(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DailyPnL.AccountID != out[j].DailyPnL.AccountID {
			return out[i].DailyPnL.AccountID < out[j].DailyPnL.AccountID
		}
		return out[i].DailyPnL.Date < out[j].DailyPnL.Date
	})
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, accountID, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, accountID+"|"+date)
	return nil
}
