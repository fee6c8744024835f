// Package jobs runs speech jobs: at most one active job, one worker
// goroutine per job, bounded subscriber fan-out with full history replay.
package jobs

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mingzhe93/screen-reader-tts/internal/audio"
	"github.com/mingzhe93/screen-reader-tts/internal/observability"
	"github.com/mingzhe93/screen-reader-tts/internal/synth"
	"github.com/mingzhe93/screen-reader-tts/internal/text"
)

const (
	// subscriberQueueSize bounds each subscriber channel. A subscriber
	// that falls this far behind is dropped.
	subscriberQueueSize = 128
	// maxRetainedJobs caps the job table; terminal jobs are pruned
	// oldest first once the cap is exceeded.
	maxRetainedJobs = 64
)

// ErrJobNotFound is returned by Subscribe and job lookups.
var ErrJobNotFound = errors.New("job not found")

// Request describes a speech job.
type Request struct {
	Text     string
	VoiceID  string
	Language string
	Settings audio.Settings
	MaxChars int
}

// Job is one speech job and its event history.
type Job struct {
	ID      uuid.UUID
	req     Request
	created int64

	ctx      context.Context
	cancelFn context.CancelFunc

	// done closes when the worker goroutine exits.
	done chan struct{}

	// Guarded by the manager mutex.
	history     []Event
	subscribers map[chan Event]struct{}
	terminal    bool
}

// Done returns a channel closed when the job's worker has exited.
func (j *Job) Done() <-chan struct{} { return j.done }

// Manager owns the job table and the single-active-job policy.
type Manager struct {
	synth   synth.Synthesizer
	proc    *audio.Processor
	log     *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	jobs    map[uuid.UUID]*Job
	active  uuid.UUID
	nextSeq int64
}

// NewManager builds a manager over the given backend and post-processor.
func NewManager(s synth.Synthesizer, proc *audio.Processor, log *slog.Logger, metrics *observability.Metrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if proc == nil {
		proc = audio.NewProcessor(nil, log)
	}
	return &Manager{
		synth:   s,
		proc:    proc,
		log:     log,
		metrics: metrics,
		jobs:    make(map[uuid.UUID]*Job),
	}
}

// StartJob registers a new job and starts its worker. Any currently
// active job is canceled first without waiting for it to wind down.
func (m *Manager) StartJob(req Request) *Job {
	m.mu.Lock()

	if prev, ok := m.jobs[m.active]; ok && !prev.terminal {
		prev.cancelFn()
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:          uuid.New(),
		req:         req,
		created:     m.nextSeq,
		ctx:         ctx,
		cancelFn:    cancel,
		done:        make(chan struct{}),
		subscribers: make(map[chan Event]struct{}),
	}
	m.nextSeq++
	m.jobs[job.ID] = job
	m.active = job.ID
	m.pruneLocked()
	m.mu.Unlock()

	m.metrics.JobStarted()
	m.log.Info("job started", "job_id", job.ID, "voice", req.VoiceID, "text_len", len(req.Text))

	go m.run(job)
	return job
}

// pruneLocked drops the oldest terminal jobs once the table exceeds the
// retention cap. Live jobs are never pruned.
func (m *Manager) pruneLocked() {
	if len(m.jobs) <= maxRetainedJobs {
		return
	}
	var terminal []*Job
	for _, j := range m.jobs {
		if j.terminal {
			terminal = append(terminal, j)
		}
	}
	sort.Slice(terminal, func(i, k int) bool { return terminal[i].created < terminal[k].created })
	for _, j := range terminal {
		if len(m.jobs) <= maxRetainedJobs {
			break
		}
		delete(m.jobs, j.ID)
	}
}

// CancelJob requests cancellation. It is idempotent and reports whether
// the job id is known.
func (m *Manager) CancelJob(id uuid.UUID) bool {
	m.mu.Lock()
	job, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	job.cancelFn()
	return true
}

// HasActiveJob reports whether a job is currently running.
func (m *Manager) HasActiveJob() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[m.active]
	return ok && !job.terminal
}

// ActiveJobID returns the running job's id, or false when idle.
func (m *Manager) ActiveJobID() (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[m.active]
	if !ok || job.terminal {
		return uuid.Nil, false
	}
	return job.ID, true
}

// Subscribe atomically snapshots a job's history and registers a live
// event channel. For a finished job the channel is already closed, so the
// caller replays history and observes end-of-stream immediately.
func (m *Manager) Subscribe(id uuid.UUID) (<-chan Event, []Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, nil, ErrJobNotFound
	}

	history := make([]Event, len(job.history))
	copy(history, job.history)

	ch := make(chan Event, subscriberQueueSize)
	if job.terminal {
		close(ch)
		return ch, history, nil
	}
	job.subscribers[ch] = struct{}{}
	return ch, history, nil
}

// Unsubscribe detaches a channel registered by Subscribe.
func (m *Manager) Unsubscribe(id uuid.UUID, ch <-chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return
	}
	for sub := range job.subscribers {
		if sub == ch {
			delete(job.subscribers, sub)
			close(sub)
			return
		}
	}
}

// publish appends an event to history and fans it out. A subscriber with
// a full queue is dropped. A terminal event closes every surviving
// subscriber channel.
func (m *Manager) publish(job *Job, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.history = append(job.history, ev)

	for sub := range job.subscribers {
		select {
		case sub <- ev:
		default:
			delete(job.subscribers, sub)
			close(sub)
			m.log.Warn("dropping slow subscriber", "job_id", job.ID)
		}
	}
	if ev.Terminal() {
		job.terminal = true
		for sub := range job.subscribers {
			delete(job.subscribers, sub)
			close(sub)
		}
	}
}

func (m *Manager) run(job *Job) {
	defer func() {
		close(job.done)
		m.mu.Lock()
		if m.active == job.ID {
			m.active = uuid.Nil
		}
		m.mu.Unlock()
	}()

	id := job.ID.String()
	m.publish(job, Event{Type: EventJobStarted, JobID: id})

	chunks, err := text.Split(job.req.Text, job.req.MaxChars)
	if err != nil {
		m.metrics.JobErrored()
		m.publish(job, Event{Type: EventJobError, JobID: id, Error: &EventError{
			Code:    "INFERENCE_FAILED",
			Message: err.Error(),
		}})
		return
	}

	canceled := func() bool { return job.ctx.Err() != nil }
	cancelEvent := Event{Type: EventJobCancel, JobID: id}

	seq := 0
	for _, chunk := range chunks {
		if canceled() {
			m.metrics.JobCanceled()
			m.publish(job, cancelEvent)
			return
		}

		start := time.Now()
		pcm, err := m.synth.SynthesizeChunk(job.ctx, chunk.Text, job.req.VoiceID, job.req.Language)
		if err != nil {
			if canceled() {
				m.metrics.JobCanceled()
				m.publish(job, cancelEvent)
				return
			}
			m.metrics.JobErrored()
			m.log.Error("chunk synthesis failed", "job_id", job.ID, "chunk", chunk.Index, "error", err)
			m.publish(job, Event{Type: EventJobError, JobID: id, Error: &EventError{
				Code:    "INFERENCE_FAILED",
				Message: err.Error(),
				Details: map[string]any{"chunk_index": chunk.Index},
			}})
			return
		}
		m.metrics.ChunkSynthesized(time.Since(start))

		if canceled() {
			m.metrics.JobCanceled()
			m.publish(job, cancelEvent)
			return
		}

		out := m.proc.Process(pcm, job.req.Settings)

		if canceled() {
			m.metrics.JobCanceled()
			m.publish(job, cancelEvent)
			return
		}

		seq++
		m.publish(job, Event{
			Type:  EventAudioChunk,
			JobID: id,
			Seq:   seq,
			Audio: &AudioPayload{
				Format:     "pcm_s16le",
				SampleRate: out.SampleRate,
				Channels:   out.Channels,
				DataBase64: base64.StdEncoding.EncodeToString(out.Data),
			},
			TextRange: &TextRange{
				ChunkIndex: chunk.Index,
				StartChar:  chunk.StartChar,
				EndChar:    chunk.EndChar,
			},
		})

		// Yield between chunks so cancel and subscribe calls interleave
		// with long synth loops.
		runtime.Gosched()
	}

	if canceled() {
		m.metrics.JobCanceled()
		m.publish(job, cancelEvent)
		return
	}
	m.publish(job, Event{Type: EventJobDone, JobID: id})
	m.log.Info("job done", "job_id", job.ID, "chunks", seq)
}
