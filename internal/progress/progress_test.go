package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_SubscribeReceivesUpdatesUntilDone(t *testing.T) {
	tr := NewTracker()
	ctx := context.Background()

	ch, cancel := tr.Subscribe("job-1")
	defer cancel()

	require.NoError(t, tr.Publish(ctx, Update{JobID: "job-1", Status: "running", Percent: 50}))
	require.NoError(t, tr.Publish(ctx, Update{JobID: "job-2", Status: "running", Percent: 10}))
	require.NoError(t, tr.Publish(ctx, Update{JobID: "job-1", Status: "completed", Percent: 100}))

	var got []float64
	for u := range ch {
		got = append(got, u.Percent)
	}
	assert.Equal(t, []float64{50, 100}, got)

	latest, ok := tr.Latest("job-1")
	require.True(t, ok)
	assert.Equal(t, "completed", latest.Status)
}

func TestTracker_SubscribeAfterFinish(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Publish(context.Background(), Update{JobID: "j", Status: "failed"}))

	ch, _ := tr.Subscribe("j")
	u, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, "failed", u.Status)

	_, ok = <-ch
	assert.False(t, ok, "channel closes after the final update")
}

func TestTracker_Unsubscribe(t *testing.T) {
	tr := NewTracker()
	ch, cancel := tr.Subscribe("j")
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.NoError(t, tr.Publish(context.Background(), Update{JobID: "j", Status: "running"}))
}

func TestTracker_SlowSubscriberDoesNotBlock(t *testing.T) {
	tr := NewTracker()
	_, cancel := tr.Subscribe("j")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			_ = tr.Publish(context.Background(), Update{JobID: "j", Status: "running", Percent: float64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestTracker_FullSubscriberStillGetsFinalUpdate(t *testing.T) {
	tr := NewTracker()
	ch, cancel := tr.Subscribe("j")
	defer cancel()

	ctx := context.Background()
	for i := 0; i < subscriberBuffer*2; i++ {
		_ = tr.Publish(ctx, Update{JobID: "j", Status: "running", Percent: float64(i)})
	}
	_ = tr.Publish(ctx, Update{JobID: "j", Status: "completed", Percent: 100})

	var last Update
	n := 0
	for u := range ch {
		last = u
		n++
	}
	assert.Equal(t, subscriberBuffer, n)
	assert.Equal(t, "completed", last.Status)
	assert.Equal(t, 100.0, last.Percent)
}

type failingSink struct{ err error }

func (f failingSink) Publish(context.Context, Update) error { return f.err }

func TestMulti(t *testing.T) {
	tr := NewTracker()
	boom := errors.New("boom")
	m := Multi{tr, nil, failingSink{boom}, Discard}

	err := m.Publish(context.Background(), Update{JobID: "j", Status: "running", Percent: 5})
	assert.ErrorIs(t, err, boom)

	_, ok := tr.Latest("j")
	assert.True(t, ok, "healthy sinks still receive the update")
}

func TestRedis_PublishAndGet(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedis(client, time.Hour)
	ctx := context.Background()
	at := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	require.NoError(t, sink.Publish(ctx, Update{
		JobID: "abc", Status: "running", Percent: 42.5, RowsProcessed: 425, TotalRows: 1000, At: at,
	}))

	assert.Equal(t, "42.50", mr.HGet(keyPrefix+"abc", "progress"))
	assert.Equal(t, time.Hour, mr.TTL(keyPrefix+"abc"))

	got, ok, err := sink.Get(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Update{JobID: "abc", Status: "running", Percent: 42.5, RowsProcessed: 425, TotalRows: 1000, At: at}, got)

	_, ok, err = sink.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
