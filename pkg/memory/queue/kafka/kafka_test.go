package kafka

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/personamem/pkg/memory"
)

// fakeTopic is an in-process stand-in for a single-partition topic.
type fakeTopic struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	next      int
	committed []int64
	dead      []kafka.Message
}

func (f *fakeTopic) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if f.next < len(f.msgs) {
		m := f.msgs[f.next]
		f.next++
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeTopic) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeTopic) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		if strings.HasSuffix(m.Topic, ".dead") {
			f.dead = append(f.dead, m)
			continue
		}
		m.Offset = int64(len(f.msgs))
		f.msgs = append(f.msgs, m)
	}
	return nil
}

func (f *fakeTopic) Close() error { return nil }

func newFakeQueue() (*Queue, *fakeTopic) {
	topic := &fakeTopic{}
	q := newQueue(Config{Topic: "jobs", PollTimeout: 20 * time.Millisecond}, topic, topic)
	return q, topic
}

func TestQueue_ClaimCompleteCommits(t *testing.T) {
	ctx := context.Background()
	q, topic := newFakeQueue()

	require.NoError(t, q.EnqueueJob(ctx, memory.Job{ID: "j1", JobType: memory.JobSummarizeSession, Payload: map[string]string{"session_id": "s1"}}))

	job, ok, err := q.ClaimNextJob(ctx, 1000, 500)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, memory.JobRunning, job.Status)
	assert.Equal(t, int64(1500), job.LeaseUntilMS)

	require.NoError(t, q.CompleteJob(ctx, "j1"))
	assert.Equal(t, []int64{0}, topic.committed)

	// A completed job is not re-enqueued.
	require.NoError(t, q.EnqueueJob(ctx, memory.Job{ID: "j1"}))
	_, ok, err = q.ClaimNextJob(ctx, 2000, 500)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_RetryRepublishesWithBackoff(t *testing.T) {
	ctx := context.Background()
	q, topic := newFakeQueue()
	require.NoError(t, q.EnqueueJob(ctx, memory.Job{ID: "j1"}))

	_, ok, err := q.ClaimNextJob(ctx, 1000, 500)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.RetryJob(ctx, "j1", "boom", 5000))
	require.Len(t, topic.msgs, 2)

	var republished memory.Job
	require.NoError(t, json.Unmarshal(topic.msgs[1].Value, &republished))
	assert.Equal(t, 1, republished.Attempts)
	assert.Equal(t, "boom", republished.Error)

	// Not due yet: held, nothing claimed.
	_, ok, err = q.ClaimNextJob(ctx, 2000, 500)
	require.NoError(t, err)
	assert.False(t, ok)

	job, ok, err := q.ClaimNextJob(ctx, 5000, 500)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, job.Attempts)
}

func TestQueue_FailGoesToDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, topic := newFakeQueue()
	require.NoError(t, q.EnqueueJob(ctx, memory.Job{ID: "j1"}))
	_, _, err := q.ClaimNextJob(ctx, 1000, 500)
	require.NoError(t, err)

	require.NoError(t, q.FailJob(ctx, "j1", "fatal"))
	require.Len(t, topic.dead, 1)
	assert.Equal(t, "jobs.dead", topic.dead[0].Topic)
	assert.Error(t, q.CompleteJob(ctx, "j1"))
}

func TestQueue_ExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	q, _ := newFakeQueue()
	require.NoError(t, q.EnqueueJob(ctx, memory.Job{ID: "j1"}))
	_, ok, err := q.ClaimNextJob(ctx, 1000, 100)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.RequeueExpiredJobs(ctx, 1050))
	_, ok, _ = q.ClaimNextJob(ctx, 1050, 100)
	assert.False(t, ok)

	require.NoError(t, q.RequeueExpiredJobs(ctx, 1200))
	job, ok, err := q.ClaimNextJob(ctx, 1200, 100)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "j1", job.ID)
}

func TestQueue_Integration(t *testing.T) {
	brokers := os.Getenv("TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("TEST_KAFKA_BROKERS not set")
	}
	ctx := context.Background()
	q, err := New(Config{
		Brokers:     strings.Split(brokers, ","),
		Topic:       "personamem.test." + time.Now().Format("150405"),
		PollTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.EnqueueJob(ctx, memory.Job{ID: "it-1", JobType: memory.JobSummarizeSession}))
	var job memory.Job
	var ok bool
	for i := 0; i < 10 && !ok; i++ {
		job, ok, err = q.ClaimNextJob(ctx, time.Now().UnixMilli(), 10_000)
		require.NoError(t, err)
	}
	require.True(t, ok)
	assert.Equal(t, "it-1", job.ID)
	require.NoError(t, q.CompleteJob(ctx, job.ID))
}
