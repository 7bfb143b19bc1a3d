package bridge

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrPumpClosed       = errors.New("websocket write pump closed")
	ErrPumpBackpressure = errors.New("websocket write pump backpressure")
)

const (
	pingQueueWait = 2 * time.Second
	textQueueWait = 250 * time.Millisecond
)

// frame is one outbound websocket message: a ping or a chunk of console text.
type frame struct {
	ping bool
	text string
}

// Pump owns every write to one console websocket. Console text waits in a
// bounded queue and keep-alive pings skip ahead of it. A client that stops
// reading long enough to fill the queue is hung up on.
type Pump struct {
	sink   func(frame) error
	hangup func()

	text  chan string
	pings chan chan error

	quit     chan struct{}
	quitOnce sync.Once
	exited   chan struct{}
	dead     atomic.Bool

	pingWait time.Duration
	textWait time.Duration
}

func NewPump(conn *websocket.Conn, writeTimeout time.Duration, pingCap, textCap int) *Pump {
	sink := func(f frame) error {
		deadline := time.Now().Add(writeTimeout)
		var err error
		if f.ping {
			err = conn.WriteControl(websocket.PingMessage, nil, deadline)
		} else if err = conn.SetWriteDeadline(deadline); err == nil {
			err = conn.WriteMessage(websocket.TextMessage, []byte(f.text))
		}
		if err != nil {
			_ = conn.Close()
		}
		return err
	}
	hangup := func() { _ = conn.Close() }
	return newPumpWithWriter(sink, hangup, pingCap, textCap, pingQueueWait, textQueueWait)
}

func newPumpWithWriter(
	sink func(frame) error,
	hangup func(),
	pingCap, textCap int,
	pingWait, textWait time.Duration,
) *Pump {
	p := &Pump{
		sink:     sink,
		hangup:   hangup,
		text:     make(chan string, max(textCap, 1)),
		pings:    make(chan chan error, max(pingCap, 1)),
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
		pingWait: pingWait,
		textWait: textWait,
	}
	if p.pingWait <= 0 {
		p.pingWait = pingQueueWait
	}
	if p.textWait <= 0 {
		p.textWait = textQueueWait
	}
	go p.loop()
	return p
}

// Send queues one text frame and returns once it is queued, not written.
// The control loop calls it, so it must never wait on the network.
func (p *Pump) Send(text string) error {
	if p.dead.Load() {
		return ErrPumpClosed
	}
	timer := time.NewTimer(p.textWait)
	defer timer.Stop()
	select {
	case <-p.quit:
		return ErrPumpClosed
	case p.text <- text:
		return nil
	case <-timer.C:
		p.overflow()
		return ErrPumpBackpressure
	}
}

// Ping writes a ping frame ahead of any queued text and waits for the result.
func (p *Pump) Ping() error {
	if p.dead.Load() {
		return ErrPumpClosed
	}
	reply := make(chan error, 1)
	timer := time.NewTimer(p.pingWait)
	defer timer.Stop()
	select {
	case <-p.quit:
		return ErrPumpClosed
	case p.pings <- reply:
	case <-timer.C:
		p.overflow()
		return ErrPumpBackpressure
	}

	select {
	case err := <-reply:
		return err
	case <-p.exited:
		select {
		case err := <-reply:
			return err
		default:
			return ErrPumpClosed
		}
	}
}

// Close stops the pump and waits for its goroutine. Queued text is dropped.
func (p *Pump) Close() {
	p.dead.Store(true)
	p.shut()
	<-p.exited
}

func (p *Pump) loop() {
	defer close(p.exited)
	for {
		f, reply, ok := p.take()
		if !ok {
			p.drain(ErrPumpClosed)
			return
		}
		err := p.sink(f)
		if err != nil {
			p.dead.Store(true)
			p.shut()
		}
		if reply != nil {
			reply <- err
		}
		if err != nil {
			p.drain(err)
			return
		}
	}
}

func (p *Pump) take() (frame, chan error, bool) {
	select {
	case <-p.quit:
		return frame{}, nil, false
	case reply := <-p.pings:
		return frame{ping: true}, reply, true
	default:
	}

	select {
	case <-p.quit:
		return frame{}, nil, false
	case reply := <-p.pings:
		return frame{ping: true}, reply, true
	case text := <-p.text:
		return frame{text: text}, nil, true
	}
}

// drain answers waiting pings with err. Unsent text is discarded.
func (p *Pump) drain(err error) {
	for {
		select {
		case reply := <-p.pings:
			reply <- err
		case <-p.text:
		default:
			return
		}
	}
}

func (p *Pump) overflow() {
	if p.dead.Swap(true) {
		return
	}
	if p.hangup != nil {
		p.hangup()
	}
	p.shut()
}

func (p *Pump) shut() {
	p.quitOnce.Do(func() { close(p.quit) })
}
