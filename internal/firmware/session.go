// Package firmware drives a chunked firmware upload into flash storage.
//
// A Session is the explicit state machine for one upload attempt:
//
//	Idle -> Receiving -> Finalizing -> Succeeded
//	  \          \            \
//	   +----------+------------+----> Failed
//
// Once an error is recorded every later chunk is consumed without being
// written, so the transport can still drain the body up to the final chunk.
package firmware

import (
	"fmt"

	"github.com/koltyakov/duckap/internal/domain"
	"github.com/koltyakov/duckap/internal/flash"
)

// Broadcast payloads for lifecycle transitions.
const (
	MessageStart = "Update Start"
	MessageEnd   = "Update End"
)

// transitions lists the allowed phase changes. Anything else is a bug.
var transitions = map[domain.UpdatePhase][]domain.UpdatePhase{
	domain.PhaseIdle:       {domain.PhaseReceiving, domain.PhaseFailed},
	domain.PhaseReceiving:  {domain.PhaseFinalizing, domain.PhaseFailed},
	domain.PhaseFinalizing: {domain.PhaseSucceeded, domain.PhaseFailed},
}

// CanTransition reports whether from -> to is a legal phase change.
func CanTransition(from, to domain.UpdatePhase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Step is the outcome of applying one chunk.
type Step struct {
	Phase  domain.UpdatePhase
	Events []string
	Done   bool
}

// Result is the response body for a finished upload. Every failure kind
// collapses to FAIL.
func (s Step) Result() string {
	if s.Phase == domain.PhaseSucceeded {
		return domain.OutcomeOK
	}
	return domain.OutcomeFail
}

// Session is one upload attempt. It is not safe for concurrent use; the
// control loop owns it.
type Session struct {
	storage flash.Storage
	margin  int64
	total   int64

	phase       domain.UpdatePhase
	region      flash.Region
	received    int64
	written     int64
	hasError    bool
	err         *domain.UpdateError
	lastPercent int64
	image       flash.Image
	done        bool

	pending []string
}

// NewSession prepares an idle session. total is the declared image size, or
// zero when unknown.
func NewSession(storage flash.Storage, margin, total int64) *Session {
	if total < 0 {
		total = 0
	}
	return &Session{storage: storage, margin: margin, total: total}
}

// Apply consumes one chunk and performs every transition it triggers.
func (s *Session) Apply(c domain.Chunk) Step {
	s.pending = nil
	if s.done {
		return s.step()
	}

	if !s.hasError && c.Offset != s.received {
		s.fail(domain.UpdateErrReceive, "offset", fmt.Errorf("%w: got offset %d, expected %d", domain.ErrOutOfOrder, c.Offset, s.received))
	}
	s.received += int64(len(c.Data))

	if s.phase == domain.PhaseIdle && !s.hasError {
		s.begin()
	}
	if s.phase == domain.PhaseReceiving && len(c.Data) > 0 {
		s.write(c.Data)
	}
	if c.Final {
		s.done = true
		if s.phase == domain.PhaseReceiving {
			s.finalize()
		}
	}
	return s.step()
}

// Abort fails a live session with kind, e.g. when the body stream broke.
// It does nothing once the session reached a terminal phase.
func (s *Session) Abort(kind domain.UpdateErrorKind, err error) []string {
	s.pending = nil
	if !s.phase.Terminal() {
		s.fail(kind, "abort", err)
	}
	s.done = true
	return s.pending
}

// Result is the user-visible outcome, derived only from the error flag.
func (s *Session) Result() string {
	if s.hasError {
		return domain.OutcomeFail
	}
	return domain.OutcomeOK
}

func (s *Session) Phase() domain.UpdatePhase { return s.phase }

func (s *Session) HasError() bool { return s.hasError }

// Err returns the recorded failure, or nil.
func (s *Session) Err() error {
	if s.err == nil {
		return nil
	}
	return s.err
}

// ErrorKind returns the category of the recorded failure.
func (s *Session) ErrorKind() domain.UpdateErrorKind {
	if s.err == nil {
		return domain.UpdateErrNone
	}
	return s.err.Kind
}

func (s *Session) Written() int64 { return s.written }

func (s *Session) Total() int64 { return s.total }

func (s *Session) Image() flash.Image { return s.image }

func (s *Session) Done() bool { return s.done }

// Progress returns written*100/total clamped to [0,100], and false when the
// total is unknown.
func Progress(written, total int64) (int64, bool) {
	if total <= 0 {
		return 0, false
	}
	p := written * 100 / total
	switch {
	case p < 0:
		p = 0
	case p > 100:
		p = 100
	}
	return p, true
}

func (s *Session) begin() {
	size := flash.ReserveSize(s.storage.FreeSpace(), s.margin, s.storage.EraseBlock())
	if s.total > 0 && s.total > size {
		s.fail(domain.UpdateErrBegin, "reserve", fmt.Errorf("%w: image of %d bytes exceeds %d available", domain.ErrReserve, s.total, size))
		return
	}
	region, err := s.storage.Begin(size)
	if err != nil {
		s.fail(domain.UpdateErrBegin, "reserve", fmt.Errorf("%w: %v", domain.ErrReserve, err))
		return
	}
	s.region = region
	s.advance(domain.PhaseReceiving)
	s.emit(MessageStart)
}

func (s *Session) write(data []byte) {
	n := s.region.Write(data)
	s.written += int64(n)
	if n != len(data) {
		s.fail(domain.UpdateErrReceive, "write", fmt.Errorf("%w: accepted %d of %d bytes", domain.ErrShortWrite, n, len(data)))
		return
	}
	if p, ok := Progress(s.written, s.total); ok && p != s.lastPercent {
		s.lastPercent = p
		s.emit(fmt.Sprintf("Progress: %d%%", p))
	}
}

func (s *Session) finalize() {
	s.advance(domain.PhaseFinalizing)
	if s.total > 0 && s.written != s.total {
		s.fail(domain.UpdateErrEnd, "finalize", fmt.Errorf("%w: wrote %d of %d bytes", domain.ErrSizeMismatch, s.written, s.total))
		return
	}
	img, err := s.region.Seal()
	if err != nil {
		s.fail(domain.UpdateErrEnd, "seal", fmt.Errorf("%w: %v", domain.ErrValidate, err))
		return
	}
	s.image = img
	s.advance(domain.PhaseSucceeded)
	s.emit(MessageEnd)
}

func (s *Session) fail(kind domain.UpdateErrorKind, op string, err error) {
	if s.hasError {
		return
	}
	s.hasError = true
	s.err = &domain.UpdateError{Kind: kind, Op: op, Err: err}
	if s.region != nil && s.phase != domain.PhaseSucceeded {
		s.region.Abort()
	}
	s.advance(domain.PhaseFailed)
	s.emit(kind.FailureMessage())
}

func (s *Session) advance(to domain.UpdatePhase) {
	if !CanTransition(s.phase, to) {
		panic(fmt.Sprintf("firmware: illegal transition %s -> %s", s.phase, to))
	}
	s.phase = to
}

func (s *Session) emit(msg string) {
	s.pending = append(s.pending, msg)
}

func (s *Session) step() Step {
	return Step{Phase: s.phase, Events: s.pending, Done: s.done}
}
