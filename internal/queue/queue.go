// Package queue provides durable named job queues with retry, plus the
// bounded worker pools that drain them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Kind names a queue. Jobs belong to queues named by their kind.
type Kind string

const (
	KindScriptGeneration Kind = "SCRIPT_GENERATION"
	KindTTSGeneration    Kind = "TTS_GENERATION"
	KindMusicGeneration  Kind = "MUSIC_GENERATION"
	KindAudioMixing      Kind = "AUDIO_MIXING"
)

// Status is the state of one job.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Job is the durable record of one stage invocation.
type Job struct {
	ID          string `gorm:"primaryKey"`
	Queue       Kind   `gorm:"index:idx_queue_status"`
	Status      Status `gorm:"index:idx_queue_status"`
	Payload     string
	Result      string
	Attempts    int
	MaxAttempts int
	Progress    int
	WorkerID    string
	LastError   string
	// QueuedAt orders FIFO reservation; retried jobs get a fresh value so
	// they rejoin at the tail.
	QueuedAt    time.Time `gorm:"index"`
	NotBefore   time.Time
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// DecodePayload unmarshals the job payload into v.
func (j *Job) DecodePayload(v any) error {
	if err := json.Unmarshal([]byte(j.Payload), v); err != nil {
		return fmt.Errorf("decode payload of job %s: %w", j.ID, err)
	}
	return nil
}

// EventType classifies queue events.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventProgress  EventType = "progress"
)

// Event is emitted on the queue's event stream.
type Event struct {
	Type    EventType
	JobID   string
	Queue   Kind
	Percent int
	Err     string
}

// Options tune one enqueue call.
type Options struct {
	MaxAttempts int // default 3
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Retry policy constants.
const (
	defaultMaxAttempts = 3
	backoffBase        = 2 * time.Second
	backoffMultiplier  = 2
	backoffMaxDelay    = 60 * time.Second
	jitterFraction     = 0.25
)

// Retention limits for completed/failed history.
const (
	keepCompleted = 100
	keepFailed    = 200
	keepMaxAge    = 24 * time.Hour
)

// ErrJobNotFound is returned for unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// Queues is the durable queue set backed by one database.
type Queues struct {
	db    *gorm.DB
	clock Clock

	mu      sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// Open prepares the queue tables on an existing database handle.
func Open(db *gorm.DB) (*Queues, error) {
	if err := db.AutoMigrate(&Job{}); err != nil {
		return nil, fmt.Errorf("migrate queue: %w", err)
	}
	return &Queues{
		db:    db,
		clock: realClock{},
		subs:  make(map[int]chan Event),
	}, nil
}

// SetClock injects a clock for tests.
func (q *Queues) SetClock(c Clock) { q.clock = c }

// Enqueue adds a job to the named queue and returns its ID.
func (q *Queues) Enqueue(ctx context.Context, queue Kind, payload any, opts Options) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	now := q.clock.Now()
	job := &Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Status:      StatusPending,
		Payload:     string(raw),
		MaxAttempts: maxAttempts,
		QueuedAt:    now,
		NotBefore:   now,
		CreatedAt:   now,
	}
	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return job.ID, nil
}

// Reserve atomically claims the oldest ready job in the queue for workerID,
// marking it RUNNING and incrementing its attempt counter. Returns nil when
// the queue has no ready job.
func (q *Queues) Reserve(ctx context.Context, queue Kind, workerID string) (*Job, error) {
	var claimed *Job
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job Job
		err := tx.Where("queue = ? AND status = ? AND not_before <= ?", queue, StatusPending, q.clock.Now()).
			Order("queued_at asc").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		res := tx.Model(&Job{}).
			Where("id = ? AND status = ?", job.ID, StatusPending).
			Updates(map[string]any{
				"status":    StatusRunning,
				"worker_id": workerID,
				"attempts":  job.Attempts + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race to another worker; treat as empty poll.
			return nil
		}
		job.Status = StatusRunning
		job.WorkerID = workerID
		job.Attempts++
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reserve from %s: %w", queue, err)
	}
	return claimed, nil
}

// Complete marks a job COMPLETED with its result.
func (q *Queues) Complete(ctx context.Context, jobID string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	now := q.clock.Now()
	job, err := q.get(ctx, jobID)
	if err != nil {
		return err
	}
	err = q.db.WithContext(ctx).Model(&Job{}).Where("id = ?", jobID).Updates(map[string]any{
		"status":       StatusCompleted,
		"result":       string(raw),
		"progress":     100,
		"completed_at": &now,
	}).Error
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	q.publish(Event{Type: EventCompleted, JobID: jobID, Queue: job.Queue, Percent: 100})
	return nil
}

// Fail records a failure. Retryable failures below the attempt limit are
// re-enqueued at the tail with jittered exponential backoff; everything else
// is terminally FAILED.
func (q *Queues) Fail(ctx context.Context, jobID string, jobErr error, retryable bool) error {
	job, err := q.get(ctx, jobID)
	if err != nil {
		return err
	}
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	if retryable && job.Attempts < job.MaxAttempts {
		delay := retryDelay(job.Attempts)
		now := q.clock.Now()
		err := q.db.WithContext(ctx).Model(&Job{}).Where("id = ?", jobID).Updates(map[string]any{
			"status":     StatusPending,
			"last_error": msg,
			"queued_at":  now,
			"not_before": now.Add(delay),
		}).Error
		if err != nil {
			return fmt.Errorf("requeue job %s: %w", jobID, err)
		}
		return nil
	}

	now := q.clock.Now()
	err = q.db.WithContext(ctx).Model(&Job{}).Where("id = ?", jobID).Updates(map[string]any{
		"status":       StatusFailed,
		"last_error":   msg,
		"completed_at": &now,
	}).Error
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	q.publish(Event{Type: EventFailed, JobID: jobID, Queue: job.Queue, Err: msg})
	return nil
}

// retryDelay computes the jittered exponential backoff after n attempts.
func retryDelay(attempts int) time.Duration {
	delay := backoffBase
	for i := 1; i < attempts; i++ {
		delay *= backoffMultiplier
		if delay >= backoffMaxDelay {
			delay = backoffMaxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(float64(delay) * jitterFraction)))
	return delay + jitter
}

// Progress records a worker's progress report. Fire-and-forget semantics:
// errors are returned but callers may ignore them.
func (q *Queues) Progress(ctx context.Context, jobID string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	job, err := q.get(ctx, jobID)
	if err != nil {
		return err
	}
	err = q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND progress < ?", jobID, percent).
		Update("progress", percent).Error
	if err != nil {
		return fmt.Errorf("update progress of job %s: %w", jobID, err)
	}
	q.publish(Event{Type: EventProgress, JobID: jobID, Queue: job.Queue, Percent: percent})
	return nil
}

// Cancel marks a pending or running job CANCELLED. Running workers observe
// the flag on their next poll.
func (q *Queues) Cancel(ctx context.Context, jobID string) error {
	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", jobID, []Status{StatusPending, StatusRunning}).
		Update("status", StatusCancelled)
	if res.Error != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Cancelled reports whether the job has been cancelled.
func (q *Queues) Cancelled(ctx context.Context, jobID string) bool {
	job, err := q.get(ctx, jobID)
	return err == nil && job.Status == StatusCancelled
}

// Get loads one job.
func (q *Queues) Get(ctx context.Context, jobID string) (*Job, error) {
	return q.get(ctx, jobID)
}

func (q *Queues) get(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	err := q.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return &job, nil
}

// Prune enforces the retention policy: the last 100 completed and 200 failed
// jobs per queue, or 24 hours, whichever is shorter.
func (q *Queues) Prune(ctx context.Context) error {
	cutoff := q.clock.Now().Add(-keepMaxAge)
	if err := q.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?", []Status{StatusCompleted, StatusFailed}, cutoff).
		Delete(&Job{}).Error; err != nil {
		return fmt.Errorf("prune aged jobs: %w", err)
	}

	var queues []Kind
	if err := q.db.WithContext(ctx).Model(&Job{}).Distinct("queue").Pluck("queue", &queues).Error; err != nil {
		return fmt.Errorf("list queues: %w", err)
	}
	for _, name := range queues {
		if err := q.pruneExcess(ctx, name, StatusCompleted, keepCompleted); err != nil {
			return err
		}
		if err := q.pruneExcess(ctx, name, StatusFailed, keepFailed); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queues) pruneExcess(ctx context.Context, queue Kind, status Status, keep int) error {
	var ids []string
	// SQLite needs an explicit LIMIT for OFFSET to parse.
	err := q.db.WithContext(ctx).Model(&Job{}).
		Where("queue = ? AND status = ?", queue, status).
		Order("completed_at desc").
		Limit(10000).
		Offset(keep).
		Pluck("id", &ids).Error
	if err != nil {
		return fmt.Errorf("find excess %s jobs: %w", status, err)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := q.db.WithContext(ctx).Delete(&Job{}, "id IN ?", ids).Error; err != nil {
		return fmt.Errorf("prune excess %s jobs: %w", status, err)
	}
	return nil
}

// Events subscribes to the queue event stream. The cancel func closes the
// channel. Slow subscribers drop events.
func (q *Queues) Events() (<-chan Event, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextSub
	q.nextSub++
	ch := make(chan Event, 128)
	q.subs[id] = ch
	return ch, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if c, ok := q.subs[id]; ok {
			delete(q.subs, id)
			close(c)
		}
	}
}

func (q *Queues) publish(evt Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
