package cache

import (
	"context"
	"testing"

	"chatcore/internal/config"
)

func TestDisabledRedisReturnsNil(t *testing.T) {
	client, err := NewRedisClient(context.Background(), config.RedisConfig{Enabled: false})
	if err != nil || client != nil {
		t.Fatalf("NewRedisClient = %v, %v", client, err)
	}
}
