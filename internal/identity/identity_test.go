package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alice = "0xaaaa000000000000000000000000000000000001"

type stubFacts struct {
	facts *Facts
	err   error
	delay time.Duration
	calls int
	mu    sync.Mutex
}

func (s *stubFacts) Facts(ctx context.Context, _ string) (*Facts, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.facts, s.err
}

type stubVerifier map[string]bool

func (v stubVerifier) IsVerified(_ context.Context, id string) (bool, error) { return v[id], nil }

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *mapCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return b, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func TestNormalize(t *testing.T) {
	got, err := Normalize("  0xAAAA000000000000000000000000000000000001 ")
	require.NoError(t, err)
	assert.Equal(t, alice, got)

	_, err = Normalize("alice")
	assert.True(t, errors.Is(err, ErrInvalidAccount))
}

func TestDirectory_Resolve(t *testing.T) {
	facts := &stubFacts{facts: &Facts{Score: 72.5, Tier: "established", SessionsCompleted: 4}}
	d := NewDirectory(facts, stubVerifier{alice: true}, time.Second, nil)

	id, err := d.Resolve(context.Background(), "0xAAAA000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, alice, id.Account)
	assert.True(t, id.Verified)
	assert.Equal(t, 72.5, id.ReputationScore)
	assert.Equal(t, "established", id.Tier)
	assert.Equal(t, 4, id.SessionsCompleted)
	assert.False(t, id.Degraded)
}

func TestDirectory_TimeoutDegrades(t *testing.T) {
	facts := &stubFacts{facts: &Facts{Score: 99}, delay: time.Second}
	d := NewDirectory(facts, nil, 20*time.Millisecond, nil)

	id, err := d.Resolve(context.Background(), alice)
	require.NoError(t, err)
	assert.True(t, id.Degraded)
	assert.Equal(t, 0.0, id.ReputationScore)
	assert.Equal(t, "new", id.Tier)
}

func TestCachedResolver_HitsCacheSecondTime(t *testing.T) {
	facts := &stubFacts{facts: &Facts{Score: 10, Tier: "new"}}
	inner := NewDirectory(facts, nil, time.Second, nil)
	c := NewCachedResolver(inner, &mapCache{data: map[string][]byte{}}, time.Minute, nil)

	_, err := c.Resolve(context.Background(), alice)
	require.NoError(t, err)
	id, err := c.Resolve(context.Background(), alice)
	require.NoError(t, err)

	assert.Equal(t, 10.0, id.ReputationScore)
	assert.Equal(t, 1, facts.calls)
}

func TestCachedResolver_UnreachableRedisFallsBack(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	facts := &stubFacts{facts: &Facts{Score: 55, Tier: "emerging"}}
	c := NewCachedResolver(NewDirectory(facts, nil, time.Second, nil), NewRedisCache(client), time.Minute, nil)

	id, err := c.Resolve(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, 55.0, id.ReputationScore)
}

func TestNewRedisClient_EmptyURL(t *testing.T) {
	assert.Nil(t, NewRedisClient(context.Background(), "", nil))
}
