// internal/store/redisstore/redisstore.go
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"reserva/internal/ledger"
)

// LedgerStore keeps inventory records in Redis, using WATCH-backed optimistic
// transactions as the CAS primitive.
type LedgerStore struct {
	client redis.UniversalClient
}

func NewLedgerStore(client redis.UniversalClient) *LedgerStore {
	return &LedgerStore{client: client}
}

func recordKey(key ledger.Key) string {
	return fmt.Sprintf("ledger:%s:%s", key.ResourceID, key.TimeUnit)
}

func (s *LedgerStore) Get(ctx context.Context, key ledger.Key) (ledger.Record, error) {
	data, err := s.client.Get(ctx, recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ledger.Record{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Record{}, fmt.Errorf("get inventory record: %w", err)
	}
	var rec ledger.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return ledger.Record{}, fmt.Errorf("decode inventory record: %w", err)
	}
	return rec, nil
}

func (s *LedgerStore) Create(ctx context.Context, rec ledger.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode inventory record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, recordKey(rec.Key), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create inventory record: %w", err)
	}
	if !ok {
		return ledger.ErrConflict
	}
	return nil
}

func (s *LedgerStore) Update(ctx context.Context, rec ledger.Record, expectedVersion int64) error {
	key := recordKey(rec.Key)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode inventory record: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ledger.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("read inventory record: %w", err)
		}
		var stored ledger.Record
		if err := json.Unmarshal(current, &stored); err != nil {
			return fmt.Errorf("decode inventory record: %w", err)
		}
		if stored.Version != expectedVersion {
			return ledger.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// Another writer touched the key between our read and the EXEC.
		return ledger.ErrConflict
	}
	return err
}

func (s *LedgerStore) Keys(ctx context.Context, resourceID uuid.UUID) ([]ledger.Key, error) {
	prefix := fmt.Sprintf("ledger:%s:", resourceID)
	var keys []ledger.Key
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, ledger.Key{
			ResourceID: resourceID,
			TimeUnit:   strings.TrimPrefix(iter.Val(), prefix),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan inventory records: %w", err)
	}
	return keys, nil
}
