// ABOUTME: Integration tests for the Redis wake-up notifier.
// ABOUTME: Runs against a real Redis testcontainer.
package wakeup_test

import (
	"context"
	"testing"
	"time"

	"github.com/papito/postgres-job-queue/internal/job"
	"github.com/papito/postgres-job-queue/internal/testutil"
	"github.com/papito/postgres-job-queue/internal/wakeup"
)

func TestRedisNotifyWakesListener(t *testing.T) {
	t.Parallel()
	client := testutil.NewTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := wakeup.NewRedis(client, "jobq:test:wakeup")
	wake, err := n.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	got := make(chan struct{})
	go func() {
		<-wake
		close(got)
	}()

	// A notification is dropped when nobody is waiting yet, so keep
	// publishing until the receiver picks one up.
	deadline := time.After(10 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := n.Notify(ctx, job.TypeOne); err != nil {
			t.Fatalf("Notify: %v", err)
		}
		select {
		case <-got:
			return
		case <-deadline:
			t.Fatal("listener was never woken")
		case <-ticker.C:
		}
	}
}

func TestRedisDropsWakeupWithoutIdleWorker(t *testing.T) {
	t.Parallel()
	client := testutil.NewTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := wakeup.NewRedis(client, "jobq:test:drop")
	wake, err := n.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := n.Notify(ctx, job.TypeTwo); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	time.Sleep(200 * time.Millisecond)

	select {
	case <-wake:
		t.Error("buffered wakeup delivered to a late receiver")
	default:
	}
}

func TestNopNotify(t *testing.T) {
	t.Parallel()
	if err := (wakeup.Nop{}).Notify(context.Background(), job.TypeOne); err != nil {
		t.Errorf("Nop.Notify: %v", err)
	}
}
