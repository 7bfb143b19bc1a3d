package firmware

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koltyakov/duckap/internal/domain"
	"github.com/koltyakov/duckap/internal/flash"
	"github.com/koltyakov/duckap/internal/metrics"
)

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(label, payload string)
}

// History records update attempts. Implementations must be quick; they run
// on the control loop.
type History interface {
	BeginAttempt(ctx context.Context, filename string, startedAt time.Time) (int64, error)
	FinishAttempt(ctx context.Context, id int64, a domain.UpdateAttempt) error
}

const jobQueueSize = 8

type jobKind int

const (
	jobChunk jobKind = iota
	jobAbort
	jobComplete
)

type job struct {
	upload   uint64
	kind     jobKind
	chunk    domain.Chunk
	filename string
	total    int64
	err      error
	reply    chan jobReply
}

type jobReply struct {
	step Step
	err  error
}

// Updater owns the single in-flight upload. Transport goroutines hand it
// chunks through [Upload]; the control loop applies them in [Updater.Service].
type Updater struct {
	storage flash.Storage
	margin  int64
	events  Publisher
	history History
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	jobs      chan job
	closed    chan struct{}
	closeOnce sync.Once
	nextID    atomic.Uint64

	// Fields below are owned by the control loop.
	session         *Session
	owner           uint64
	filename        string
	attemptID       int64
	startedAt       time.Time
	rebootArmed     bool
	rebootRequested bool
}

// Options configures an [Updater].
type Options struct {
	Storage        flash.Storage
	ReservedMargin int64
	Events         Publisher
	History        History
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

func NewUpdater(opts Options) *Updater {
	return &Updater{
		storage: opts.Storage,
		margin:  opts.ReservedMargin,
		events:  opts.Events,
		history: opts.History,
		log:     opts.Logger,
		metrics: opts.Metrics,
		now:     time.Now,
		jobs:    make(chan job, jobQueueSize),
		closed:  make(chan struct{}),
	}
}

// Upload is the transport-side handle of one upload attempt.
type Upload struct {
	u        *Updater
	id       uint64
	filename string
	total    int64
}

// NewUpload allocates a handle. The session itself is created on the control
// loop when the first chunk arrives.
func (u *Updater) NewUpload(filename string, total int64) *Upload {
	return &Upload{u: u, id: u.nextID.Add(1), filename: filename, total: total}
}

// Write hands one chunk to the control loop and waits until it was applied.
func (up *Upload) Write(ctx context.Context, c domain.Chunk) (Step, error) {
	return up.u.submit(ctx, job{upload: up.id, kind: jobChunk, chunk: c, filename: up.filename, total: up.total})
}

// Abort fails the upload after a transport error. The session is released.
func (up *Upload) Abort(ctx context.Context, cause error) {
	_, _ = up.u.submit(ctx, job{upload: up.id, kind: jobAbort, err: cause})
}

// Complete releases the session once the HTTP response has been flushed. A
// successful session raises the reboot request at this point.
func (up *Upload) Complete(ctx context.Context) error {
	_, err := up.u.submit(ctx, job{upload: up.id, kind: jobComplete})
	return err
}

func (u *Updater) submit(ctx context.Context, j job) (Step, error) {
	j.reply = make(chan jobReply, 1)
	select {
	case u.jobs <- j:
	case <-u.closed:
		return Step{}, domain.ErrLoopClosed
	case <-ctx.Done():
		return Step{}, ctx.Err()
	}
	select {
	case r := <-j.reply:
		return r.step, r.err
	case <-u.closed:
		return Step{}, domain.ErrLoopClosed
	case <-ctx.Done():
		return Step{}, ctx.Err()
	}
}

// Service applies every queued job. It runs on the control loop and never
// blocks. A reboot armed by Complete is raised on the following pass, so the
// handler that completed the upload has returned its response by then.
func (u *Updater) Service() {
	if u.rebootArmed {
		u.rebootArmed = false
		u.rebootRequested = true
	}
	for {
		select {
		case j := <-u.jobs:
			step, err := u.handle(j)
			j.reply <- jobReply{step: step, err: err}
		default:
			return
		}
	}
}

// RebootRequested reports whether a completed update asked for a restart.
func (u *Updater) RebootRequested() bool { return u.rebootRequested }

// Busy reports whether an upload is in flight.
func (u *Updater) Busy() bool { return u.session != nil }

// Close fails pending and future submissions.
func (u *Updater) Close() {
	u.closeOnce.Do(func() { close(u.closed) })
}

func (u *Updater) handle(j job) (Step, error) {
	switch j.kind {
	case jobChunk:
		return u.handleChunk(j)
	case jobAbort:
		if u.session == nil || u.owner != j.upload {
			return Step{}, nil
		}
		u.publish(u.session.Abort(domain.UpdateErrConnect, j.err))
		u.log.Warn("update aborted", "err", j.err, "written", u.session.Written())
		u.finish()
		return Step{Phase: domain.PhaseFailed, Done: true}, nil
	case jobComplete:
		if u.session == nil || u.owner != j.upload {
			return Step{}, nil
		}
		if !u.session.Done() {
			u.publish(u.session.Abort(domain.UpdateErrConnect, errors.New("upload ended before the final chunk")))
		}
		phase := u.session.Phase()
		if phase == domain.PhaseSucceeded && !u.session.HasError() {
			u.rebootArmed = true
		}
		u.finish()
		return Step{Phase: phase, Done: true}, nil
	}
	return Step{}, nil
}

func (u *Updater) handleChunk(j job) (Step, error) {
	if u.session == nil {
		if j.chunk.Offset != 0 {
			return Step{}, &domain.UpdateError{Kind: domain.UpdateErrReceive, Op: "chunk", Err: domain.ErrOutOfOrder}
		}
		u.start(j)
	} else if u.owner != j.upload {
		return Step{}, domain.ErrUpdateBusy
	}

	step := u.session.Apply(j.chunk)
	u.publish(step.Events)
	if step.Done {
		if err := u.session.Err(); err != nil {
			u.log.Warn("update failed", "kind", u.session.ErrorKind().String(), "err", err)
		} else {
			u.log.Debug("update success", "bytes", u.session.Written(), "digest", u.session.Image().Digest)
		}
	}
	return step, nil
}

func (u *Updater) start(j job) {
	u.session = NewSession(u.storage, u.margin, j.total)
	u.owner = j.upload
	u.filename = j.filename
	u.startedAt = u.now()
	u.attemptID = 0
	u.log.Debug("update start", "filename", j.filename, "total", j.total)
	if u.history != nil {
		id, err := u.history.BeginAttempt(context.Background(), j.filename, u.startedAt)
		if err != nil {
			u.log.Warn("record update attempt failed", "err", err)
		} else {
			u.attemptID = id
		}
	}
}

func (u *Updater) finish() {
	s := u.session
	outcome := s.Result()
	u.metrics.UpdateFinished(outcome, s.Written())
	if u.history != nil && u.attemptID != 0 {
		finished := u.now()
		attempt := domain.UpdateAttempt{
			ID:         u.attemptID,
			StartedAt:  u.startedAt,
			FinishedAt: &finished,
			Filename:   u.filename,
			Bytes:      s.Written(),
			Outcome:    outcome,
			Digest:     s.Image().Digest,
		}
		if kind := s.ErrorKind(); kind != domain.UpdateErrNone {
			attempt.ErrorKind = kind.String()
		}
		if err := u.history.FinishAttempt(context.Background(), u.attemptID, attempt); err != nil {
			u.log.Warn("record update result failed", "err", err)
		}
	}
	u.session = nil
	u.owner = 0
	u.filename = ""
	u.attemptID = 0
}

func (u *Updater) publish(msgs []string) {
	if u.events == nil {
		return
	}
	for _, msg := range msgs {
		u.events.Publish(domain.EventLabelOTA, msg)
	}
}
