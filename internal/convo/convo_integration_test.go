package convo_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/sitequery/sitequery/internal/convo"
)

func TestConversationRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	redisC, err := tcRedis.RunContainer(ctx)
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	uri, err := redisC.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: strings.TrimPrefix(uri, "redis://")})
	defer client.Close()

	store := convo.NewWithClient(client, time.Hour)
	convID := "conv-1"

	turns := []convo.Turn{
		{Query: "best espresso machine", Answer: "The Brewco model leads."},
		{Query: "how much does it cost", Decontext: "how much does the Brewco espresso machine cost"},
	}
	for _, turn := range turns {
		if err := store.AppendTurn(ctx, convID, turn); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}

	got, err := store.Turns(ctx, convID, 10)
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(got))
	}
	if got[0].Query != "best espresso machine" || got[1].Decontext == "" {
		t.Fatalf("turns out of order or lossy: %+v", got)
	}

	if err := store.Remember(ctx, convID, "budget", "under 200 dollars"); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	facts, err := store.Remembered(ctx, convID)
	if err != nil {
		t.Fatalf("Remembered: %v", err)
	}
	if facts["budget"] != "under 200 dollars" {
		t.Fatalf("unexpected facts: %v", facts)
	}

	if err := store.Forget(ctx, convID, "budget"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	facts, err = store.Remembered(ctx, convID)
	if err != nil {
		t.Fatalf("Remembered: %v", err)
	}
	if len(facts) != 0 {
		t.Fatalf("expected no facts after forget, got %v", facts)
	}

	if err := store.Clear(ctx, convID); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got, err = store.Turns(ctx, convID, 10)
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected cleared history, got %+v", got)
	}
}
