// Package console is the default command interpreter behind the websocket
// bridge. It answers the status and settings commands the companion app
// sends.
package console

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/koltyakov/duckap/internal/domain"
	"github.com/koltyakov/duckap/internal/settings"
)

const recentUpdates = 5

// Storage reports flash usage for the mem command.
type Storage interface {
	Capacity() int64
	Used() int64
	FreeSpace() int64
}

// History lists recorded update attempts.
type History interface {
	RecentAttempts(ctx context.Context, limit int) ([]domain.UpdateAttempt, error)
}

// Console implements bridge.Interpreter.
type Console struct {
	Version  string
	Settings *settings.Store
	Storage  Storage
	History  History
	Updating func() bool
	Log      *slog.Logger
}

type handler func(c *Console, args []string, print func(string))

var commands = map[string]handler{
	"help":     (*Console).help,
	"version":  (*Console).version,
	"status":   (*Console).status,
	"settings": (*Console).settings,
	"set":      (*Console).set,
	"reset":    (*Console).reset,
	"mem":      (*Console).storageUsage,
	"ram":      (*Console).ram,
	"updates":  (*Console).updates,
}

// Parse runs one command line. Every command produces exactly one output
// string, so the client can match replies to requests.
func (c *Console) Parse(line string, print func(string)) {
	args := Split(line)
	if len(args) == 0 {
		return
	}
	name := strings.ToLower(args[0])
	h, ok := commands[name]
	if !ok {
		print(fmt.Sprintf("Unknown command %q\n", args[0]))
		return
	}
	if c.Log != nil {
		c.Log.Debug("command", "name", name, "args", len(args)-1)
	}
	h(c, args[1:], print)
}

func (c *Console) help(_ []string, print func(string)) {
	print("help\nversion\nstatus\nsettings\nset <key> <value>\nreset\nmem\nram\nupdates\n")
}

func (c *Console) version(_ []string, print func(string)) {
	print("Version " + c.Version + "\n")
}

func (c *Console) status(_ []string, print func(string)) {
	if c.Updating != nil && c.Updating() {
		print("updating\n")
		return
	}
	print("connected\n")
}

func (c *Console) settings(_ []string, print func(string)) {
	print(strings.Join(c.Settings.Get().Lines(), "\n") + "\n")
}

func (c *Console) set(args []string, print func(string)) {
	if len(args) != 2 {
		print("usage: set <key> <value>\n")
		return
	}
	if err := c.Settings.Set(args[0], args[1]); err != nil {
		print(fmt.Sprintf("> %v\n", err))
		return
	}
	print(fmt.Sprintf("> set %q to %q\n", args[0], args[1]))
}

func (c *Console) reset(_ []string, print func(string)) {
	if err := c.Settings.Reset(); err != nil {
		print(fmt.Sprintf("> %v\n", err))
		return
	}
	c.settings(nil, print)
}

func (c *Console) storageUsage(_ []string, print func(string)) {
	print(fmt.Sprintf("%d bytes available\n%d bytes used\n%d bytes free\n",
		c.Storage.Capacity(), c.Storage.Used(), c.Storage.FreeSpace()))
}

func (c *Console) ram(_ []string, print func(string)) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		print(fmt.Sprintf("%d bytes available\n", ms.HeapIdle-ms.HeapReleased))
		return
	}
	print(fmt.Sprintf("%d bytes available\n", vm.Available))
}

func (c *Console) updates(_ []string, print func(string)) {
	if c.History == nil {
		print("no history\n")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	attempts, err := c.History.RecentAttempts(ctx, recentUpdates)
	if err != nil {
		print(fmt.Sprintf("> %v\n", err))
		return
	}
	if len(attempts) == 0 {
		print("no updates\n")
		return
	}
	var b strings.Builder
	for _, a := range attempts {
		fmt.Fprintf(&b, "%d %s %s %d bytes", a.ID, a.StartedAt.UTC().Format(time.RFC3339), a.Outcome, a.Bytes)
		if a.ErrorKind != "" {
			fmt.Fprintf(&b, " (%s)", a.ErrorKind)
		}
		b.WriteByte('\n')
	}
	print(b.String())
}

// Split breaks a command line into words. Double quotes group words and are
// removed; a backslash escapes the next character inside quotes.
func Split(line string) []string {
	var (
		out     []string
		cur     strings.Builder
		inQuote bool
		inWord  bool
		escape  bool
	)
	for _, r := range line {
		switch {
		case escape:
			cur.WriteRune(r)
			escape = false
		case inQuote && r == '\\':
			escape = true
		case r == '"':
			inQuote = !inQuote
			inWord = true
		case !inQuote && (r == ' ' || r == '\t' || r == '\n' || r == '\r'):
			if inWord {
				out = append(out, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if inWord {
		out = append(out, cur.String())
	}
	return out
}
