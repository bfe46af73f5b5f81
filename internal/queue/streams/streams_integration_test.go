package streams

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

func TestPublishConsumeRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()
	host, _ := redisC.Host(ctx)
	port, _ := redisC.MappedPort(ctx, "6379")
	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	defer client.Close()

	reg := mustRegistry(t)
	cons, err := NewConsumer(client, reg, ConsumerConfig{Stream: StreamTasks, Group: "workers", Name: "w-1", Block: time.Second, Batch: 10})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	if err := cons.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := cons.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group twice: %v", err)
	}

	pub := NewPublisher(client, reg, 1000)
	queue := NewTaskQueue(pub)
	task := taskgraph.Task{ID: "t-1", Type: "competitor_analysis", TargetURL: "https://example.com", Priority: "high"}
	if err := queue.Launch(ctx, task); err != nil {
		t.Fatalf("launch: %v", err)
	}
	// entries without an envelope are acked and dropped
	if err := client.XAdd(ctx, &redis.XAddArgs{Stream: StreamTasks, Values: map[string]any{"junk": "1"}}).Err(); err != nil {
		t.Fatalf("xadd junk: %v", err)
	}

	msgs, err := cons.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 valid message, got %d", len(msgs))
	}
	got, err := DecodeEnqueued(msgs[0].Envelope)
	if err != nil || got.TaskID != "t-1" || got.Priority != "high" {
		t.Fatalf("decoded %+v %v", got, err)
	}

	pending, err := cons.Pending(ctx)
	if err != nil || pending != 1 {
		t.Fatalf("expected one pending entry, got %d %v", pending, err)
	}
	claimed, next, err := cons.Reclaim(ctx, 0, "0-0")
	if err != nil || len(claimed) != 1 || claimed[0].ID != msgs[0].ID {
		t.Fatalf("reclaim: %+v next=%s %v", claimed, next, err)
	}
	if err := cons.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if pending, _ = cons.Pending(ctx); pending != 0 {
		t.Fatalf("expected nothing pending after ack, got %d", pending)
	}

	status := NewStatusPublisher(pub)
	if err := status.TaskStatus(ctx, "t-1", taskgraph.StatusRunning, ""); err != nil {
		t.Fatalf("publish status: %v", err)
	}
	n, err := client.XLen(ctx, StreamStatus).Result()
	if err != nil || n != 1 {
		t.Fatalf("expected one status entry, got %d %v", n, err)
	}
}
