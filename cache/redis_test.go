package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisStore(t *testing.T) {
	// Skip test if Redis is not available
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   3,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	s, err := NewRedis(RedisConfig{Client: client, KeyPrefix: "mctest:discovery:"})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer s.Close()
	defer s.Clear(ctx)

	key := Key{MCC: "234", MNC: "15"}

	t.Run("AddAndGet", func(t *testing.T) {
		if err := s.Add(ctx, key, &Entry{ExpiresAt: time.Now().Add(time.Minute), Value: []byte(`{"x":1}`)}); err != nil {
			t.Fatalf("Add: %v", err)
		}
		got, err := s.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got == nil || string(got.Value) != `{"x":1}` {
			t.Fatalf("unexpected entry %+v", got)
		}
	})

	t.Run("ExpiredEntryIsAbsent", func(t *testing.T) {
		if err := s.Add(ctx, key, &Entry{ExpiresAt: time.Now().Add(-time.Second), Value: []byte(`{}`)}); err != nil {
			t.Fatalf("Add: %v", err)
		}
		if got, _ := s.Get(ctx, key); got != nil {
			t.Fatalf("expected stale add to leave the key absent")
		}
	})

	t.Run("TTL", func(t *testing.T) {
		s.Add(ctx, key, &Entry{ExpiresAt: time.Now().Add(100 * time.Millisecond), Value: []byte(`{}`)})
		time.Sleep(150 * time.Millisecond)
		if got, _ := s.Get(ctx, key); got != nil {
			t.Fatalf("expected entry to expire")
		}
	})

	t.Run("RemoveAndClear", func(t *testing.T) {
		other := Key{MCC: "310", MNC: "260"}
		s.Add(ctx, key, &Entry{ExpiresAt: time.Now().Add(time.Minute), Value: []byte(`{}`)})
		s.Add(ctx, other, &Entry{ExpiresAt: time.Now().Add(time.Minute), Value: []byte(`{}`)})

		if err := s.Remove(ctx, key); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if got, _ := s.Get(ctx, key); got != nil {
			t.Fatalf("expected removed key to be absent")
		}
		if err := s.Clear(ctx); err != nil {
			t.Fatalf("Clear: %v", err)
		}
		if got, _ := s.Get(ctx, other); got != nil {
			t.Fatalf("expected cleared key to be absent")
		}
	})
}

func TestNewRedisRequiresClient(t *testing.T) {
	if _, err := NewRedis(RedisConfig{}); err == nil {
		t.Fatalf("expected error without client")
	}
}
