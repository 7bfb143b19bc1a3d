// Package domain defines the core data types shared across the access point,
// captive DNS, firmware update and command bridge layers.
package domain

import (
	"fmt"
	"net/netip"
	"time"
)

// DefaultGateway is the fixed private address the device uses as both its
// own address and the gateway it hands to wireless clients.
var DefaultGateway = netip.AddrFrom4([4]byte{192, 168, 4, 1})

// DefaultNetmask is the mask applied to DefaultGateway on the AP interface.
var DefaultNetmask = netip.AddrFrom4([4]byte{255, 255, 255, 0})

// CaptiveTTL is the TTL, in seconds, attached to every captive DNS answer.
const CaptiveTTL = 300

// EventLabelOTA classifies firmware update lifecycle events.
const EventLabelOTA = "ota"

// AccessPointConfig describes the isolated wireless network. It is sourced
// from the settings store at startup and never changes after it is applied.
type AccessPointConfig struct {
	SSID     string
	Password string
	Channel  int
	Gateway  netip.Addr
}

// Validate checks the fields against what a WPA2 access point accepts.
func (c AccessPointConfig) Validate() error {
	if n := len(c.SSID); n == 0 || n > 32 {
		return fmt.Errorf("ssid must be 1..32 bytes, got %d", n)
	}
	if n := len(c.Password); n < 8 || n > 64 {
		return fmt.Errorf("password must be 8..64 bytes, got %d", n)
	}
	if c.Channel < 1 || c.Channel > 14 {
		return fmt.Errorf("channel must be between 1 and 14, got %d", c.Channel)
	}
	if !c.Gateway.Is4() {
		return fmt.Errorf("gateway must be an IPv4 address, got %q", c.Gateway)
	}
	return nil
}

// Event is a single broadcast notification. Label classifies the event
// (e.g. "ota") and Payload carries the human-readable text.
type Event struct {
	Label   string
	Payload string
}

// UpdatePhase is the lifecycle phase of a firmware update attempt.
type UpdatePhase int

const (
	PhaseIdle UpdatePhase = iota
	PhaseReceiving
	PhaseFinalizing
	PhaseSucceeded
	PhaseFailed
)

func (p UpdatePhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseReceiving:
		return "receiving"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal reports whether no further transitions are possible.
func (p UpdatePhase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// UpdateErrorKind categorizes why an update failed. The HTTP response
// collapses every kind to "FAIL"; the kind only reaches broadcast listeners
// and the update history.
type UpdateErrorKind int

const (
	UpdateErrNone UpdateErrorKind = iota
	UpdateErrAuth
	UpdateErrBegin
	UpdateErrConnect
	UpdateErrReceive
	UpdateErrEnd
)

func (k UpdateErrorKind) String() string {
	switch k {
	case UpdateErrNone:
		return "none"
	case UpdateErrAuth:
		return "auth"
	case UpdateErrBegin:
		return "begin"
	case UpdateErrConnect:
		return "connect"
	case UpdateErrReceive:
		return "receive"
	case UpdateErrEnd:
		return "end"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FailureMessage is the broadcast payload announcing a failure of this kind.
func (k UpdateErrorKind) FailureMessage() string {
	switch k {
	case UpdateErrAuth:
		return "Auth Failed"
	case UpdateErrBegin:
		return "Begin Failed"
	case UpdateErrConnect:
		return "Connect Failed"
	case UpdateErrReceive:
		return "Receive Failed"
	case UpdateErrEnd:
		return "End Failed"
	default:
		return ""
	}
}

// Chunk is one slice of an update body as delivered by the transport.
type Chunk struct {
	Offset int64
	Data   []byte
	Final  bool
}

// UpdateAttempt is the persisted record of one upload.
type UpdateAttempt struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt *time.Time
	Filename   string
	Bytes      int64
	Outcome    string
	ErrorKind  string
	Digest     string
}

// Update attempt outcomes.
const (
	OutcomeOK      = "OK"
	OutcomeFail    = "FAIL"
	OutcomePending = "PENDING"
)
