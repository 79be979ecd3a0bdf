package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"github.com/segyhp/lending-engine/internal/domain"
)

// generationTTL keeps a user's invalidation counter far longer than any
// cached list it guards.
const generationTTL = 24 * time.Hour

// ErrGenerationChanged rejects a fill whose source query may predate the
// latest invalidation of the user.
var ErrGenerationChanged = errors.New("open loans invalidated during fill")

// LoanCache holds the open lending records of a user between writes.
// Cached records carry the status of the moment they were stored; readers
// derive it again.
//
// Every Invalidate bumps a per-user generation. A reader takes the generation
// before querying the store and hands it to SetOpenLoans, which refuses to
// write once the generation moved on.
type LoanCache interface {
	// GetOpenLoans returns the cached records and whether the key was present
	GetOpenLoans(ctx context.Context, userID int64) ([]*domain.LoanDetails, bool, error)

	// Generation returns the current invalidation generation of a user
	Generation(ctx context.Context, userID int64) (int64, error)

	// SetOpenLoans stores the records read at generation. Returns
	// ErrGenerationChanged when the user was invalidated since.
	SetOpenLoans(ctx context.Context, userID, generation int64, loans []*domain.LoanDetails) error

	// Invalidate drops the cached records of the given users and bumps their
	// generations
	Invalidate(ctx context.Context, userIDs ...int64) error
}

type redisLoanCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLoanCache stores open loans in redis for ttl.
func NewRedisLoanCache(client *redis.Client, ttl time.Duration) LoanCache {
	return &redisLoanCache{
		client: client,
		ttl:    ttl,
	}
}

func openLoansKey(userID int64) string {
	return fmt.Sprintf("lending:user:%d:open", userID)
}

func generationKey(userID int64) string {
	return fmt.Sprintf("lending:user:%d:gen", userID)
}

func (c *redisLoanCache) GetOpenLoans(ctx context.Context, userID int64) ([]*domain.LoanDetails, bool, error) {
	payload, err := c.client.Get(ctx, openLoansKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	loans, err := decodeLoans(payload)
	if err != nil {
		return nil, false, err
	}
	return loans, true, nil
}

func (c *redisLoanCache) Generation(ctx context.Context, userID int64) (int64, error) {
	return readGeneration(ctx, c.client, userID)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readGeneration(ctx context.Context, g getter, userID int64) (int64, error) {
	generation, err := g.Get(ctx, generationKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return generation, err
}

// SetOpenLoans watches the generation key so an Invalidate landing between
// the check and the write aborts the transaction.
func (c *redisLoanCache) SetOpenLoans(ctx context.Context, userID, generation int64, loans []*domain.LoanDetails) error {
	payload, err := jsoniter.ConfigFastest.Marshal(loans)
	if err != nil {
		return fmt.Errorf("encode open loans: %w", err)
	}

	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readGeneration(ctx, tx, userID)
		if err != nil {
			return err
		}
		if current != generation {
			return ErrGenerationChanged
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, openLoansKey(userID), payload, c.ttl)
			return nil
		})
		return err
	}, generationKey(userID))
	if errors.Is(err, redis.TxFailedErr) {
		return ErrGenerationChanged
	}
	return err
}

func (c *redisLoanCache) Invalidate(ctx context.Context, userIDs ...int64) error {
	if len(userIDs) == 0 {
		return nil
	}

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			pipe.Incr(ctx, generationKey(id))
			pipe.Expire(ctx, generationKey(id), generationTTL)
			pipe.Del(ctx, openLoansKey(id))
		}
		return nil
	})
	return err
}

func decodeLoans(payload []byte) ([]*domain.LoanDetails, error) {
	if !jsoniter.ConfigFastest.Valid(payload) {
		return nil, errors.New("cached open loans are not valid json")
	}

	loans := make([]*domain.LoanDetails, 0)
	if err := jsoniter.ConfigFastest.Unmarshal(payload, &loans); err != nil {
		return nil, fmt.Errorf("decode open loans: %w", err)
	}
	return loans, nil
}
