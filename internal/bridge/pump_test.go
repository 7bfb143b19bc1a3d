package bridge

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPumpSendsPingsAheadOfText(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	written := make(chan struct{}, 3)

	var mu sync.Mutex
	order := make([]string, 0, 3)

	pump := newPumpWithWriter(func(f frame) error {
		label := f.text
		if f.ping {
			label = "ping"
		}
		if label == "text-1" {
			close(started)
			<-release
		}

		mu.Lock()
		order = append(order, label)
		mu.Unlock()
		written <- struct{}{}
		return nil
	}, nil, 4, 4, time.Second, time.Second)
	defer pump.Close()

	if err := pump.Send("text-1"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	<-started

	if err := pump.Send("text-2"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	pingErr := make(chan error, 1)
	go func() { pingErr <- pump.Ping() }()

	// Let the ping land in its queue before releasing the writer.
	deadline := time.Now().Add(time.Second)
	for len(pump.pings) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)

	if err := <-pingErr; err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	for range 3 {
		<-written
	}

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()

	want := []string{"text-1", "ping", "text-2"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("unexpected write order: got %v want %v", got, want)
		}
	}
}

func TestPumpCloseRejectsNewWrites(t *testing.T) {
	t.Parallel()

	pump := newPumpWithWriter(func(frame) error { return nil }, nil, 1, 1, 0, 0)
	pump.Close()

	if err := pump.Send("x"); err != ErrPumpClosed {
		t.Fatalf("expected ErrPumpClosed, got %v", err)
	}
	if err := pump.Ping(); err != ErrPumpClosed {
		t.Fatalf("expected ErrPumpClosed, got %v", err)
	}
}

func TestPumpBackpressureClosesConnection(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	closed := make(chan struct{})

	pump := newPumpWithWriter(func(frame) error {
		<-block
		return nil
	}, func() { close(closed) }, 1, 1, time.Second, 10*time.Millisecond)

	// The writer holds one frame and the queue one more; the next overflows.
	var err error
	for i := 0; i < 5 && err == nil; i++ {
		err = pump.Send("x")
	}
	if err != ErrPumpBackpressure {
		t.Fatalf("expected ErrPumpBackpressure, got %v", err)
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("backpressure did not close the connection")
	}
}

func TestPumpWriteFailureFailsWaitingPing(t *testing.T) {
	t.Parallel()

	boom := errors.New("broken pipe")
	pump := newPumpWithWriter(func(frame) error { return boom }, nil, 1, 1, time.Second, time.Second)
	defer pump.Close()

	if err := pump.Ping(); err != boom {
		t.Fatalf("Ping() error = %v, want %v", err, boom)
	}
	// The loop has exited; later writes are refused instead of blocking.
	if err := pump.Send("x"); err != ErrPumpClosed {
		t.Fatalf("Send() after failure = %v, want ErrPumpClosed", err)
	}
}
