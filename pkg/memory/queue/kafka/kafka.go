// Package kafka runs the memory job queue on a Kafka topic. Jobs are
// committed only once they complete, fail permanently or are re-published
// for a retry, so a crashed worker's jobs are redelivered.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/dotsetgreg/personamem/pkg/logger"
	"github.com/dotsetgreg/personamem/pkg/memory"
)

// Config selects brokers and topics.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
	// DeadLetterTopic receives permanently failed jobs. Defaults to Topic + ".dead".
	DeadLetterTopic string
	// PollTimeout bounds how long ClaimNextJob waits for a message.
	PollTimeout time.Duration
}

type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type delivery struct {
	msg          kafka.Message
	job          memory.Job
	leaseUntilMS int64
}

// Queue implements memory.JobQueue.
type Queue struct {
	cfg    Config
	reader fetcher
	writer publisher

	mu sync.Mutex
	// held is a fetched job that is not yet due. Nothing newer is fetched
	// until it runs, so commits stay in offset order.
	held     *delivery
	inflight map[string]*delivery
	done     map[string]struct{}
}

func New(cfg Config) (*Queue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Topic == "" {
		cfg.Topic = "personamem.jobs"
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "personamem-workers"
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return newQueue(cfg, reader, writer), nil
}

func newQueue(cfg Config, r fetcher, w publisher) *Queue {
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = cfg.Topic + ".dead"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 250 * time.Millisecond
	}
	return &Queue{
		cfg:      cfg,
		reader:   r,
		writer:   w,
		inflight: map[string]*delivery{},
		done:     map[string]struct{}{},
	}
}

func (q *Queue) publish(ctx context.Context, topic string, job memory.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := q.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(job.ID), Value: raw}); err != nil {
		return fmt.Errorf("publish job %s: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) EnqueueJob(ctx context.Context, job memory.Job) error {
	q.mu.Lock()
	_, completed := q.done[job.ID]
	q.mu.Unlock()
	if completed {
		return nil
	}
	if job.Status == "" {
		job.Status = memory.JobPending
	}
	return q.publish(ctx, q.cfg.Topic, job)
}

// ClaimNextJob returns the next due job. It waits at most PollTimeout for
// a new message.
func (q *Queue) ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (memory.Job, bool, error) {
	q.mu.Lock()
	if q.held != nil {
		d := q.held
		if d.job.RunAfterMS > nowMS {
			q.mu.Unlock()
			return memory.Job{}, false, nil
		}
		q.held = nil
		job := q.leaseLocked(d, nowMS, leaseForMS)
		q.mu.Unlock()
		return job, true, nil
	}
	q.mu.Unlock()

	for {
		fetchCtx, cancel := context.WithTimeout(ctx, q.cfg.PollTimeout)
		msg, err := q.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return memory.Job{}, false, nil
			}
			return memory.Job{}, false, fmt.Errorf("fetch job: %w", err)
		}
		var job memory.Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			logger.WarnCF("kafka", "Dropping undecodable job message", map[string]interface{}{
				"offset": msg.Offset,
				"error":  err.Error(),
			})
			_ = q.reader.CommitMessages(ctx, msg)
			continue
		}

		q.mu.Lock()
		if _, completed := q.done[job.ID]; completed {
			q.mu.Unlock()
			_ = q.reader.CommitMessages(ctx, msg)
			continue
		}
		d := &delivery{msg: msg, job: job}
		if job.RunAfterMS > nowMS {
			q.held = d
			q.mu.Unlock()
			return memory.Job{}, false, nil
		}
		claimed := q.leaseLocked(d, nowMS, leaseForMS)
		q.mu.Unlock()
		return claimed, true, nil
	}
}

func (q *Queue) leaseLocked(d *delivery, nowMS, leaseForMS int64) memory.Job {
	d.leaseUntilMS = nowMS + leaseForMS
	d.job.Status = memory.JobRunning
	d.job.LeaseUntilMS = d.leaseUntilMS
	d.job.UpdatedAtMS = nowMS
	q.inflight[d.job.ID] = d
	return d.job
}

func (q *Queue) take(id string) (*delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.inflight[id]
	if !ok {
		return nil, fmt.Errorf("job %s is not in flight", id)
	}
	delete(q.inflight, id)
	return d, nil
}

func (q *Queue) CompleteJob(ctx context.Context, id string) error {
	d, err := q.take(id)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.done[id] = struct{}{}
	q.mu.Unlock()
	return q.reader.CommitMessages(ctx, d.msg)
}

// FailJob moves the job to the dead-letter topic.
func (q *Queue) FailJob(ctx context.Context, id, errMsg string) error {
	d, err := q.take(id)
	if err != nil {
		return err
	}
	job := d.job
	job.Status = memory.JobFailed
	job.Error = errMsg
	job.Attempts++
	job.UpdatedAtMS = time.Now().UnixMilli()
	if err := q.publish(ctx, q.cfg.DeadLetterTopic, job); err != nil {
		return err
	}
	return q.reader.CommitMessages(ctx, d.msg)
}

// RetryJob re-publishes the job with its attempt count bumped.
func (q *Queue) RetryJob(ctx context.Context, id, errMsg string, runAfterMS int64) error {
	d, err := q.take(id)
	if err != nil {
		return err
	}
	job := d.job
	job.Status = memory.JobPending
	job.Error = errMsg
	job.Attempts++
	job.RunAfterMS = runAfterMS
	job.LeaseUntilMS = 0
	job.UpdatedAtMS = time.Now().UnixMilli()
	if err := q.publish(ctx, q.cfg.Topic, job); err != nil {
		return err
	}
	return q.reader.CommitMessages(ctx, d.msg)
}

// RequeueExpiredJobs makes jobs whose lease ran out claimable again.
func (q *Queue) RequeueExpiredJobs(_ context.Context, nowMS int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, d := range q.inflight {
		if d.leaseUntilMS >= nowMS || q.held != nil {
			continue
		}
		delete(q.inflight, id)
		d.job.Status = memory.JobPending
		d.job.LeaseUntilMS = 0
		q.held = d
	}
	return nil
}

func (q *Queue) Close() error {
	werr := q.writer.Close()
	if err := q.reader.Close(); err != nil {
		return err
	}
	return werr
}

var _ memory.JobQueue = (*Queue)(nil)
