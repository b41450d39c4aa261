package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/relaymesh/device-gateway-service/internal/model"
	"github.com/relaymesh/device-gateway-service/internal/monitoring"
)

// Priority is the caller-facing four-level job priority.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// weight maps priorities to the numeric ordering the heap uses.
var weight = map[Priority]int{
	PriorityLow:      1,
	PriorityNormal:   5,
	PriorityHigh:     10,
	PriorityCritical: 20,
}

// JobState is the delivery lifecycle state.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateDelayed   JobState = "delayed"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Job is one outbound delivery request.
type Job struct {
	DeviceID string
	To       string
	Body     string
	Kind     model.MessageKind
	Priority Priority
	// NotBefore delays dispatch until the given time when set.
	NotBefore time.Time
	// CorrelationID becomes the job id when set; a fresh id is assigned
	// otherwise.
	CorrelationID string
	// MaxAttempts overrides the configured retry budget when > 0.
	MaxAttempts int
	Metadata    map[string]string
}

// JobStatus is a point-in-time snapshot of a job.
type JobStatus struct {
	ID          string            `json:"id"`
	DeviceID    string            `json:"device_id"`
	State       JobState          `json:"state"`
	Priority    Priority          `json:"priority"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	LastError   string            `json:"last_error,omitempty"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	NotBefore   time.Time         `json:"not_before"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
	Result      *model.SendResult `json:"result,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Stats are the per-queue operational counts.
type Stats struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Sender is the connection-manager surface workers call.
type Sender interface {
	SendMessage(ctx context.Context, deviceID, to, body string, kind model.MessageKind) (*model.SendResult, error)
}

// DeviceReader validates that the target device exists before a send.
type DeviceReader interface {
	GetByDeviceID(ctx context.Context, deviceID string) (*model.Device, error)
}

// MessageLogger records terminal delivery outcomes.
type MessageLogger interface {
	Create(ctx context.Context, entry *model.MessageLog) error
}

// Config bounds queue behavior.
type Config struct {
	Workers int
	// RatePerSecond and Burst feed the global token bucket across workers.
	RatePerSecond float64
	Burst         int
	// DefaultMaxAttempts is the retry budget for jobs that don't set one.
	DefaultMaxAttempts int
	// RetryInitialInterval and RetryMaxInterval shape the exponential backoff
	// between attempts.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// SendTimeout bounds one delivery attempt.
	SendTimeout time.Duration
	// Retention keeps finished jobs around for status polling before pruning.
	Retention     time.Duration
	PruneInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:              4,
		RatePerSecond:        20,
		Burst:                40,
		DefaultMaxAttempts:   3,
		RetryInitialInterval: 2 * time.Second,
		RetryMaxInterval:     time.Minute,
		SendTimeout:          30 * time.Second,
		Retention:            15 * time.Minute,
		PruneInterval:        time.Minute,
	}
}

// job is the internal mutable record behind a Job. A job sits in at most one
// of the two heaps at a time.
type job struct {
	JobStatus
	to      string
	body    string
	kind    model.MessageKind
	seq     uint64
	heapIdx int // index within its current heap, -1 when in neither
	// bo carries the exponential backoff between retries, created on the
	// first transient failure.
	bo *backoff.ExponentialBackOff
}

// DeliveryQueue accepts outbound message jobs and dispatches them to workers
// with priority, scheduling, rate limiting, and bounded retries. Delivery is
// at-least-once: a retry can duplicate a send whose acknowledgment was lost.
// Ordering per recipient is explicitly not guaranteed.
type DeliveryQueue struct {
	cfg     Config
	sender  Sender
	devices DeviceReader
	logs    MessageLogger
	limiter *rate.Limiter

	mu sync.Mutex
	// scheduled holds delayed jobs ordered by due time; ready holds
	// dispatchable jobs ordered by priority then admission order.
	jobs      map[string]*job
	scheduled scheduledHeap
	ready     readyHeap
	counts    map[JobState]int
	seq       uint64
	stopped   bool

	wake       chan struct{}
	work       chan *job
	stop       chan struct{}
	stopCtx    context.Context
	stopCancel context.CancelFunc
	wg         sync.WaitGroup
}

func New(cfg Config, sender Sender, devices DeviceReader, logs MessageLogger) *DeliveryQueue {
	if cfg.Workers <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Minute
	}
	q := &DeliveryQueue{
		cfg:     cfg,
		sender:  sender,
		devices: devices,
		logs:    logs,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		jobs:    make(map[string]*job),
		counts:  make(map[JobState]int),
		wake:    make(chan struct{}, 1),
		work:    make(chan *job),
		stop:    make(chan struct{}),
	}
	q.stopCtx, q.stopCancel = context.WithCancel(context.Background())

	q.wg.Add(1)
	go q.dispatch()
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.wg.Add(1)
	go q.janitor()

	return q
}

// Enqueue validates and admits one job, returning its id. Failures to admit
// propagate synchronously; once admitted, failures appear only in job status.
func (q *DeliveryQueue) Enqueue(j Job) (string, error) {
	if err := validate(j); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return "", errors.New("delivery queue is shut down")
	}

	id := j.CorrelationID
	if id == "" {
		id = uuid.New().String()
	}
	if _, exists := q.jobs[id]; exists {
		return "", &model.ValidationError{Field: "correlation_id", Reason: fmt.Sprintf("job %s already exists", id)}
	}

	maxAttempts := j.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.DefaultMaxAttempts
	}
	now := time.Now()
	notBefore := j.NotBefore
	if notBefore.Before(now) {
		notBefore = now
	}
	state := StateWaiting
	if notBefore.After(now) {
		state = StateDelayed
	}

	q.seq++
	rec := &job{
		JobStatus: JobStatus{
			ID:          id,
			DeviceID:    j.DeviceID,
			State:       state,
			Priority:    j.Priority,
			MaxAttempts: maxAttempts,
			EnqueuedAt:  now,
			NotBefore:   notBefore,
			Metadata:    j.Metadata,
		},
		to:      j.To,
		body:    j.Body,
		kind:    j.Kind,
		seq:     q.seq,
		heapIdx: -1,
	}
	q.jobs[id] = rec
	q.counts[state]++
	if state == StateDelayed {
		heap.Push(&q.scheduled, rec)
	} else {
		heap.Push(&q.ready, rec)
	}
	q.updateGaugesLocked()
	q.signal()

	log.Debug().Str("job_id", id).Str("device_id", j.DeviceID).Str("priority", string(j.Priority)).
		Msg("Delivery job enqueued")
	return id, nil
}

// EnqueueBulk admits a batch with per-job semantics. Valid jobs are admitted
// even when others in the batch are rejected; the returned error aggregates
// the rejections.
func (q *DeliveryQueue) EnqueueBulk(jobs []Job) ([]string, error) {
	ids := make([]string, 0, len(jobs))
	var errs []error
	for i, j := range jobs {
		id, err := q.Enqueue(j)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %d: %w", i, err))
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

// GetJobStatus returns a snapshot of one job.
func (q *DeliveryQueue) GetJobStatus(jobID string) (*JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[jobID]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	snapshot := rec.JobStatus
	return &snapshot, nil
}

// CancelJob cancels a job that has not started. In-flight and finished jobs
// are left alone.
func (q *DeliveryQueue) CancelJob(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[jobID]
	if !ok {
		return model.ErrJobNotFound
	}
	if rec.State != StateWaiting && rec.State != StateDelayed {
		return fmt.Errorf("job %s is %s and cannot be cancelled", jobID, rec.State)
	}
	if rec.heapIdx >= 0 {
		if rec.State == StateDelayed {
			heap.Remove(&q.scheduled, rec.heapIdx)
		} else {
			heap.Remove(&q.ready, rec.heapIdx)
		}
	}
	q.setStateLocked(rec, StateCancelled)
	now := time.Now()
	rec.FinishedAt = &now
	return nil
}

// RetryJob re-admits a failed or cancelled job with a fresh attempt budget.
func (q *DeliveryQueue) RetryJob(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[jobID]
	if !ok {
		return model.ErrJobNotFound
	}
	if rec.State != StateFailed && rec.State != StateCancelled {
		return fmt.Errorf("job %s is %s and cannot be retried", jobID, rec.State)
	}
	rec.Attempts = 0
	rec.LastError = ""
	rec.FinishedAt = nil
	rec.NotBefore = time.Now()
	rec.bo = nil
	q.setStateLocked(rec, StateWaiting)
	heap.Push(&q.ready, rec)
	q.signal()
	return nil
}

// Stats reports the queue's operational counts.
func (q *DeliveryQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Waiting:   q.counts[StateWaiting],
		Delayed:   q.counts[StateDelayed],
		Active:    q.counts[StateActive],
		Completed: q.counts[StateCompleted],
		Failed:    q.counts[StateFailed],
		Cancelled: q.counts[StateCancelled],
	}
}

// Shutdown stops admission and waits for in-flight work to finish or ctx to
// expire.
func (q *DeliveryQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()
	close(q.stop)
	q.stopCancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Delivery queue shutdown timed out")
	}
}

// dispatch moves ready jobs from the heap to workers, honoring schedule
// times and priority.
func (q *DeliveryQueue) dispatch() {
	defer q.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.mu.Lock()
		now := time.Now()
		// Promote every due delayed job so priority decides among them.
		for q.scheduled.Len() > 0 && !q.scheduled[0].NotBefore.After(now) {
			rec := heap.Pop(&q.scheduled).(*job)
			q.setStateLocked(rec, StateWaiting)
			heap.Push(&q.ready, rec)
		}
		var next *job
		var wait time.Duration
		if q.ready.Len() > 0 {
			next = heap.Pop(&q.ready).(*job)
			q.setStateLocked(next, StateActive)
		} else if q.scheduled.Len() > 0 {
			wait = q.scheduled[0].NotBefore.Sub(now)
		}
		q.mu.Unlock()

		if next != nil {
			select {
			case q.work <- next:
			case <-q.stop:
				return
			}
			continue
		}

		if wait <= 0 {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-q.wake:
		case <-timer.C:
		case <-q.stop:
			return
		}
	}
}

func (q *DeliveryQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case rec := <-q.work:
			if err := q.limiter.Wait(q.stopCtx); err != nil {
				return
			}
			q.process(rec)
		case <-q.stop:
			return
		}
	}
}

// process runs one delivery attempt and applies the retry policy.
func (q *DeliveryQueue) process(rec *job) {
	q.mu.Lock()
	rec.Attempts++
	attempt := rec.Attempts
	deviceID, to, body, kind := rec.DeviceID, rec.to, rec.body, rec.kind
	maxAttempts := rec.MaxAttempts
	q.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.SendTimeout)
	defer cancel()

	result, err := q.attempt(ctx, deviceID, to, body, kind)
	monitoring.JobDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		q.finish(rec, StateCompleted, result, "")
		q.logOutcome(rec, "sent", result.MessageID, "")
		monitoring.JobsProcessed.WithLabelValues("completed").Inc()
		log.Info().Str("job_id", rec.ID).Str("device_id", deviceID).Int("attempt", attempt).
			Msg("Delivery job completed")
		return
	}

	if !model.IsRetryable(err) {
		q.finish(rec, StateFailed, nil, err.Error())
		q.logOutcome(rec, "failed", "", err.Error())
		monitoring.JobsProcessed.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Str("job_id", rec.ID).Str("device_id", deviceID).Int("attempt", attempt).
			Msg("Delivery job failed terminally")
		return
	}

	if attempt >= maxAttempts {
		q.finish(rec, StateFailed, nil, err.Error())
		q.logOutcome(rec, "failed", "", err.Error())
		monitoring.JobsProcessed.WithLabelValues("exhausted").Inc()
		log.Warn().Err(err).Str("job_id", rec.ID).Str("device_id", deviceID).Int("attempts", attempt).
			Msg("Delivery job failed after exhausting retries")
		return
	}

	q.mu.Lock()
	if rec.bo == nil {
		rec.bo = q.newBackoff()
	}
	delay := rec.bo.NextBackOff()
	rec.LastError = err.Error()
	rec.NotBefore = time.Now().Add(delay)
	q.setStateLocked(rec, StateDelayed)
	heap.Push(&q.scheduled, rec)
	q.signal()
	q.mu.Unlock()

	log.Warn().Err(err).Str("job_id", rec.ID).Str("device_id", deviceID).
		Int("attempt", attempt).Dur("delay", delay).Msg("Delivery attempt failed, retrying")
}

// attempt validates the device and performs one send. A missing device is
// terminal, not transient.
func (q *DeliveryQueue) attempt(ctx context.Context, deviceID, to, body string, kind model.MessageKind) (*model.SendResult, error) {
	device, err := q.devices.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, &model.TransientError{Err: err}
	}
	if device == nil {
		return nil, model.ErrDeviceNotFound
	}
	return q.sender.SendMessage(ctx, deviceID, to, body, kind)
}

func (q *DeliveryQueue) finish(rec *job, state JobState, result *model.SendResult, lastError string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec.Result = result
	rec.LastError = lastError
	now := time.Now()
	rec.FinishedAt = &now
	q.setStateLocked(rec, state)
}

func (q *DeliveryQueue) logOutcome(rec *job, status, providerID, errMsg string) {
	if q.logs == nil {
		return
	}
	// Fresh context: the attempt's context may already be expired.
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.SendTimeout)
	defer cancel()
	entry := &model.MessageLog{
		DeviceID:          rec.DeviceID,
		JobID:             rec.ID,
		Recipient:         rec.to,
		Kind:              rec.kind,
		Status:            status,
		ProviderMessageID: providerID,
		Error:             errMsg,
	}
	if err := q.logs.Create(ctx, entry); err != nil {
		log.Error().Err(err).Str("job_id", rec.ID).Msg("Failed to write message log")
	}
}

// newBackoff shapes the per-job retry backoff. Attempts are bounded by the
// job's budget, not wall clock, so NextBackOff never returns Stop.
func (q *DeliveryQueue) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.RetryInitialInterval
	bo.MaxInterval = q.cfg.RetryMaxInterval
	bo.MaxElapsedTime = 0
	return bo
}

// janitor prunes finished jobs after the retention window.
func (q *DeliveryQueue) janitor() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.prune(time.Now().Add(-q.cfg.Retention))
		case <-q.stop:
			return
		}
	}
}

func (q *DeliveryQueue) prune(cutoff time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, rec := range q.jobs {
		finished := rec.State == StateCompleted || rec.State == StateFailed || rec.State == StateCancelled
		if finished && rec.FinishedAt != nil && rec.FinishedAt.Before(cutoff) {
			q.counts[rec.State]--
			delete(q.jobs, id)
		}
	}
	q.updateGaugesLocked()
}

func (q *DeliveryQueue) setStateLocked(rec *job, state JobState) {
	q.counts[rec.State]--
	rec.State = state
	q.counts[state]++
	q.updateGaugesLocked()
}

func (q *DeliveryQueue) updateGaugesLocked() {
	for _, s := range []JobState{StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed, StateCancelled} {
		monitoring.QueueDepth.WithLabelValues(string(s)).Set(float64(q.counts[s]))
	}
}

func (q *DeliveryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func validate(j Job) error {
	if j.DeviceID == "" {
		return &model.ValidationError{Field: "device_id", Reason: "required"}
	}
	if j.To == "" {
		return &model.ValidationError{Field: "to", Reason: "required"}
	}
	if !model.ValidKind(j.Kind) {
		return &model.ValidationError{Field: "kind", Reason: fmt.Sprintf("unsupported message kind %q", j.Kind)}
	}
	if _, ok := weight[j.Priority]; !ok {
		return &model.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", j.Priority)}
	}
	return nil
}

// scheduledHeap orders delayed jobs by due time.
type scheduledHeap []*job

func (h scheduledHeap) Len() int { return len(h) }

func (h scheduledHeap) Less(i, j int) bool {
	if !h[i].NotBefore.Equal(h[j].NotBefore) {
		return h[i].NotBefore.Before(h[j].NotBefore)
	}
	return h[i].seq < h[j].seq
}

func (h scheduledHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *scheduledHeap) Push(x any) {
	rec := x.(*job)
	rec.heapIdx = len(*h)
	*h = append(*h, rec)
}

func (h *scheduledHeap) Pop() any {
	old := *h
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.heapIdx = -1
	*h = old[:n-1]
	return rec
}

// readyHeap orders dispatchable jobs by priority weight, then admission
// order.
type readyHeap []*job

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	wi, wj := weight[h[i].Priority], weight[h[j].Priority]
	if wi != wj {
		return wi > wj
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *readyHeap) Push(x any) {
	rec := x.(*job)
	rec.heapIdx = len(*h)
	*h = append(*h, rec)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.heapIdx = -1
	*h = old[:n-1]
	return rec
}
