package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/FSliwa/ase-bot-trading-automation-sub001/config"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/risk"
)

const (
	// DailyPnLKeyPrefix is the prefix for per account-day records
	// Format: risk:daily_pnl:{accountID}:{date}
	DailyPnLKeyPrefix = "risk:daily_pnl"

	// DailyPnLIndexKey holds "{accountID}|{date}" members of every stored record
	DailyPnLIndexKey = "risk:daily_pnl:index"

	// DailyPnLTTL keeps yesterday's record around across a restart
	DailyPnLTTL = 48 * time.Hour

	// DefaultReconnectInterval spaces out reconnect attempts while Redis is down
	DefaultReconnectInterval = 10 * time.Second
)

// ErrRedisUnavailable is returned by writes that only reached the in-memory copy
var ErrRedisUnavailable = errors.New("redis unavailable, daily pnl held in memory")

// NewRedisClient builds a client from config. Connectivity is checked by the
// store, which keeps working from memory while Redis is down.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// RedisDailyPnLStore keeps governor records in Redis with an in-memory copy.
// While Redis is down, writes land in memory and return ErrRedisUnavailable;
// once a ping succeeds the in-memory records are written back.
type RedisDailyPnLStore struct {
	client         *redis.Client
	logger         zerolog.Logger
	inMemoryCache  map[string]risk.Record
	cacheMu        sync.RWMutex
	redisAvailable atomic.Bool

	reconnectInterval time.Duration
	lastPing          atomic.Int64 // unix nanos
	pingMu            sync.Mutex
	now               func() time.Time
}

// NewRedisDailyPnLStore creates the store. A nil client means memory-only mode.
func NewRedisDailyPnLStore(ctx context.Context, client *redis.Client, logger zerolog.Logger) *RedisDailyPnLStore {
	s := &RedisDailyPnLStore{
		client:            client,
		logger:            logger.With().Str("component", "RedisDailyPnL").Logger(),
		inMemoryCache:     make(map[string]risk.Record),
		reconnectInterval: DefaultReconnectInterval,
		now:               time.Now,
	}

	if client == nil {
		s.logger.Info().Msg("No Redis client provided, using in-memory cache only")
		return s
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.lastPing.Store(s.now().UnixNano())
	if err := client.Ping(pingCtx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory cache until it answers")
		return s
	}
	s.redisAvailable.Store(true)
	return s
}

// SetReconnectInterval sets the minimum gap between reconnect attempts while Redis is down
func (s *RedisDailyPnLStore) SetReconnectInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.pingMu.Lock()
	s.reconnectInterval = d
	s.pingMu.Unlock()
}

// Available reports whether the last Redis round-trip succeeded
func (s *RedisDailyPnLStore) Available() bool {
	return s.client != nil && s.redisAvailable.Load()
}

// CheckRedisConnection pings Redis now. A store coming back from an outage
// writes its in-memory records back before reporting true.
func (s *RedisDailyPnLStore) CheckRedisConnection(ctx context.Context) bool {
	if s.client == nil {
		return false
	}
	s.pingMu.Lock()
	defer s.pingMu.Unlock()
	return s.pingLocked(ctx)
}

// ensureAvailable re-pings a down Redis at most once per reconnect interval
func (s *RedisDailyPnLStore) ensureAvailable(ctx context.Context) bool {
	if s.client == nil {
		return false
	}
	if s.redisAvailable.Load() {
		return true
	}

	s.pingMu.Lock()
	defer s.pingMu.Unlock()
	if s.redisAvailable.Load() {
		return true
	}
	if s.now().Sub(time.Unix(0, s.lastPing.Load())) < s.reconnectInterval {
		return false
	}
	return s.pingLocked(ctx)
}

// pingLocked requires s.pingMu
func (s *RedisDailyPnLStore) pingLocked(ctx context.Context) bool {
	s.lastPing.Store(s.now().UnixNano())

	if err := s.client.Ping(ctx).Err(); err != nil {
		s.markUnavailable(err)
		return false
	}
	if s.redisAvailable.Load() {
		return true
	}

	cached := s.allFromCache()
	if len(cached) > 0 {
		pipe := s.client.TxPipeline()
		for _, rec := range cached {
			if err := queueSave(ctx, pipe, rec); err != nil {
				s.logger.Warn().Err(err).Str("account_id", rec.DailyPnL.AccountID).Msg("Skipping unencodable record")
			}
		}
		if _, err := pipe.Exec(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Redis answered but write-back failed, staying on in-memory cache")
			return false
		}
	}

	s.redisAvailable.Store(true)
	s.logger.Info().Int("records_written_back", len(cached)).Msg("Redis connection recovered")
	return true
}

func (s *RedisDailyPnLStore) markUnavailable(err error) {
	s.lastPing.Store(s.now().UnixNano())
	if s.redisAvailable.CompareAndSwap(true, false) {
		s.logger.Warn().Err(err).Msg("Redis unavailable, using in-memory cache")
	}
}

func recordKey(accountID, date string) string {
	return fmt.Sprintf("%s:%s:%s", DailyPnLKeyPrefix, accountID, date)
}

func indexMember(accountID, date string) string {
	return accountID + "|" + date
}

func (s *RedisDailyPnLStore) Save(ctx context.Context, rec risk.Record) error {
	accountID, date := rec.DailyPnL.AccountID, rec.DailyPnL.Date
	s.cacheMu.Lock()
	s.inMemoryCache[indexMember(accountID, date)] = rec
	s.cacheMu.Unlock()

	if s.client == nil {
		return nil
	}
	if !s.ensureAvailable(ctx) {
		return ErrRedisUnavailable
	}

	pipe := s.client.TxPipeline()
	if err := queueSave(ctx, pipe, rec); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.markUnavailable(err)
		return fmt.Errorf("failed to save daily pnl to redis: %w", err)
	}
	return nil
}

func queueSave(ctx context.Context, pipe redis.Pipeliner, rec risk.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal daily pnl: %w", err)
	}
	accountID, date := rec.DailyPnL.AccountID, rec.DailyPnL.Date
	pipe.Set(ctx, recordKey(accountID, date), data, DailyPnLTTL)
	pipe.SAdd(ctx, DailyPnLIndexKey, indexMember(accountID, date))
	pipe.Expire(ctx, DailyPnLIndexKey, DailyPnLTTL)
	return nil
}

func (s *RedisDailyPnLStore) LoadAll(ctx context.Context) ([]risk.Record, error) {
	if !s.ensureAvailable(ctx) {
		return s.allFromCache(), nil
	}

	members, err := s.client.SMembers(ctx, DailyPnLIndexKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.markUnavailable(err)
		return s.allFromCache(), nil
	}

	records := make([]risk.Record, 0, len(members))
	for _, member := range members {
		accountID, date, ok := strings.Cut(member, "|")
		if !ok {
			continue
		}
		data, err := s.client.Get(ctx, recordKey(accountID, date)).Result()
		if errors.Is(err, redis.Nil) {
			// expired record, drop its index entry
			s.client.SRem(ctx, DailyPnLIndexKey, member)
			continue
		}
		if err != nil {
			s.markUnavailable(err)
			return s.allFromCache(), nil
		}

		var rec risk.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			s.logger.Warn().Err(err).Str("key", recordKey(accountID, date)).Msg("Skipping unreadable record")
			continue
		}
		records = append(records, rec)
	}

	s.cacheMu.Lock()
	for _, rec := range records {
		s.inMemoryCache[indexMember(rec.DailyPnL.AccountID, rec.DailyPnL.Date)] = rec
	}
	s.cacheMu.Unlock()

	sortRecords(records)
	return records, nil
}

func (s *RedisDailyPnLStore) Delete(ctx context.Context, accountID, date string) error {
	s.cacheMu.Lock()
	delete(s.inMemoryCache, indexMember(accountID, date))
	s.cacheMu.Unlock()

	if s.client == nil {
		return nil
	}
	if !s.ensureAvailable(ctx) {
		return ErrRedisUnavailable
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, recordKey(accountID, date))
	pipe.SRem(ctx, DailyPnLIndexKey, indexMember(accountID, date))
	if _, err := pipe.Exec(ctx); err != nil {
		s.markUnavailable(err)
		return fmt.Errorf("failed to delete daily pnl from redis: %w", err)
	}
	return nil
}

func (s *RedisDailyPnLStore) allFromCache() []risk.Record {
	s.cacheMu.RLock()
	records := make([]risk.Record, 0, len(s.inMemoryCache))
	for _, rec := range s.inMemoryCache {
		records = append(records, rec)
	}
	s.cacheMu.RUnlock()
	sortRecords(records)
	return records
}

func sortRecords(records []risk.Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].DailyPnL.AccountID != records[j].DailyPnL.AccountID {
			return records[i].DailyPnL.AccountID < records[j].DailyPnL.AccountID
		}
		return records[i].DailyPnL.Date < records[j].DailyPnL.Date
	})
}
