package bridge

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	ilog "github.com/koltyakov/duckap/internal/log"
)

// runLoop stands in for the control loop: it drains the command queue on a
// single goroutine.
func runLoop(b *Bridge) (seen <-chan Command, stop func()) {
	out := make(chan Command, 16)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case cmd := <-b.Commands():
				b.Dispatch(cmd)
				out <- cmd
			case <-done:
				return
			}
		}
	}()
	return out, func() { close(done) }
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("message type = %d, want text", mt)
	}
	return string(data)
}

func echoInterpreter() Interpreter {
	return InterpreterFunc(func(line string, print func(string)) {
		print("got " + line + "\n")
	})
}

func TestBridgeRoutesOutputToIssuingConnection(t *testing.T) {
	t.Parallel()

	b := New(echoInterpreter(), ilog.Discard(), nil)
	defer b.Close()
	srv := httptest.NewServer(b)
	defer srv.Close()
	_, stop := runLoop(b)
	defer stop()

	first := dial(t, srv)
	second := dial(t, srv)

	if err := first.WriteMessage(websocket.TextMessage, []byte("help\x00")); err != nil {
		t.Fatal(err)
	}
	if got := readText(t, first); got != "got help\n" {
		t.Fatalf("first got %q", got)
	}
	if err := second.WriteMessage(websocket.TextMessage, []byte("status")); err != nil {
		t.Fatal(err)
	}
	if got := readText(t, second); got != "got status\n" {
		t.Fatalf("second got %q", got)
	}

	// Nothing from the second command may have reached the first client.
	_ = first.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, data, err := first.ReadMessage(); err == nil {
		t.Fatalf("first client received foreign output %q", data)
	}
}

func TestBridgeSendsEachPrintAsOwnFrameInOrder(t *testing.T) {
	t.Parallel()

	lines := []string{"help\n", "version\n", "status\n"}
	b := New(InterpreterFunc(func(_ string, print func(string)) {
		for _, l := range lines {
			print(l)
		}
	}), ilog.Discard(), nil)
	defer b.Close()
	srv := httptest.NewServer(b)
	defer srv.Close()
	_, stop := runLoop(b)
	defer stop()

	issuer := dial(t, srv)
	bystander := dial(t, srv)

	if err := issuer.WriteMessage(websocket.TextMessage, []byte("help")); err != nil {
		t.Fatal(err)
	}
	for i, want := range lines {
		if got := readText(t, issuer); got != want {
			t.Fatalf("frame %d = %q, want %q", i, got, want)
		}
	}

	_ = bystander.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, data, err := bystander.ReadMessage(); err == nil {
		t.Fatalf("second client received output %q", data)
	}
	_ = issuer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, data, err := issuer.ReadMessage(); err == nil {
		t.Fatalf("unexpected extra frame %q", data)
	}
}

func TestBridgeDropsBinaryFrames(t *testing.T) {
	t.Parallel()

	b := New(echoInterpreter(), ilog.Discard(), nil)
	defer b.Close()
	srv := httptest.NewServer(b)
	defer srv.Close()
	seen, stop := runLoop(b)
	defer stop()

	conn := dial(t, srv)
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0xde, 0xad}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ram")); err != nil {
		t.Fatal(err)
	}
	if got := readText(t, conn); got != "got ram\n" {
		t.Fatalf("got %q", got)
	}
	cmd := <-seen
	if cmd.Line != "ram" {
		t.Fatalf("first dispatched command = %+v, want the text frame", cmd)
	}
}

func TestBridgeNotifiesLoopOnDisconnect(t *testing.T) {
	t.Parallel()

	b := New(echoInterpreter(), ilog.Discard(), nil)
	defer b.Close()
	srv := httptest.NewServer(b)
	defer srv.Close()
	seen, stop := runLoop(b)
	defer stop()

	conn := dial(t, srv)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	select {
	case cmd := <-seen:
		if !cmd.Closed || cmd.Conn == 0 {
			t.Fatalf("command = %+v, want close notice", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop never heard about the disconnect")
	}
}

func TestDispatchBindsOnlyDuringParse(t *testing.T) {
	t.Parallel()

	var during uint64
	var b *Bridge
	b = New(InterpreterFunc(func(line string, print func(string)) {
		during = b.Active()
		print("dropped\n")
	}), ilog.Discard(), nil)

	b.Dispatch(Command{Conn: 7, Line: "help"})
	if during != 7 {
		t.Fatalf("active during parse = %d, want 7", during)
	}
	if b.Active() != 0 {
		t.Fatalf("active after parse = %d, want 0", b.Active())
	}
}

func TestDisconnectedClearsMatchingBinding(t *testing.T) {
	t.Parallel()

	b := New(echoInterpreter(), ilog.Discard(), nil)
	b.active = 3
	b.Disconnected(4)
	if b.Active() != 3 {
		t.Fatalf("unrelated disconnect cleared binding")
	}
	b.Dispatch(Command{Conn: 3, Closed: true})
	if b.Active() != 0 {
		t.Fatalf("active = %d after its connection closed", b.Active())
	}
}

func TestConnectionIDsAreNeverReused(t *testing.T) {
	t.Parallel()

	b := New(echoInterpreter(), ilog.Discard(), nil)
	defer b.Close()
	srv := httptest.NewServer(b)
	defer srv.Close()
	seen, stop := runLoop(b)
	defer stop()

	ids := map[uint64]bool{}
	for range 3 {
		conn := dial(t, srv)
		if err := conn.WriteMessage(websocket.TextMessage, []byte("x")); err != nil {
			t.Fatal(err)
		}
		readText(t, conn)
		cmd := <-seen
		if ids[cmd.Conn] {
			t.Fatalf("connection id %d reused", cmd.Conn)
		}
		ids[cmd.Conn] = true
		_ = conn.Close()
		<-seen // close notice
	}
}
