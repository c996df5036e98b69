package gdb

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ardnew/tildabridge/pkg"
)

// ReplyError is an Enn (or E.text) error reply from the server.
type ReplyError struct {
	Code    uint8
	Message string
}

func (e *ReplyError) Error() string {
	if e.Message != "" {
		return "remote error: " + e.Message
	}
	return fmt.Sprintf("remote error E%02X", e.Code)
}

// parseReplyError recognises an error reply.
func parseReplyError(reply []byte) (*ReplyError, bool) {
	if len(reply) < 2 || reply[0] != 'E' {
		return nil, false
	}
	if reply[1] == '.' {
		return &ReplyError{Message: string(reply[2:])}, true
	}
	if len(reply) != 3 {
		return nil, false
	}
	code, err := strconv.ParseUint(string(reply[1:]), 16, 8)
	if err != nil {
		return nil, false
	}
	return &ReplyError{Code: uint8(code)}, true
}

// replyError converts a reply that is not the expected answer to an error.
// An empty reply means the server does not implement the request.
func replyError(reply []byte) error {
	if len(reply) == 0 {
		return pkg.ErrNotSupported
	}
	if e, ok := parseReplyError(reply); ok {
		return e
	}
	return fmt.Errorf("unexpected reply %q: %w", truncate(reply), pkg.ErrProtocol)
}

func checkOK(reply []byte) error {
	if string(reply) == "OK" {
		return nil
	}
	return replyError(reply)
}

// outputPayload returns the console text of an O packet.
func outputPayload(reply []byte) ([]byte, bool) {
	if len(reply) < 3 || reply[0] != 'O' || (len(reply)-1)%2 != 0 {
		return nil, false
	}
	text, err := hex.DecodeString(string(reply[1:]))
	if err != nil {
		return nil, false
	}
	return text, true
}

func truncate(b []byte) string {
	const limit = 32
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// Signals reported in stop replies.
const (
	SignalInterrupt = 2
	SignalTrap      = 5
	SignalSegv      = 11
)

// StopReply reports why the target halted.
type StopReply struct {
	Kind   byte  // 'S', 'T', 'W' (exited) or 'X' (terminated)
	Signal uint8 // signal number, or exit status for 'W'

	// Values holds the n:r pairs of a 'T' reply, such as register values
	// keyed by hex register number, "thread", or "hwbreak".
	Values map[string]string
}

// Exited reports whether the process is gone.
func (s StopReply) Exited() bool { return s.Kind == 'W' || s.Kind == 'X' }

func (s StopReply) String() string {
	switch s.Kind {
	case 'W':
		return fmt.Sprintf("exited with status %d", s.Signal)
	case 'X':
		return fmt.Sprintf("terminated by signal %d", s.Signal)
	}
	return fmt.Sprintf("stopped by signal %d", s.Signal)
}

// ParseStopReply decodes an S, T, W or X reply.
func ParseStopReply(reply []byte) (StopReply, error) {
	if len(reply) < 3 {
		return StopReply{}, fmt.Errorf("stop reply %q: %w", reply, pkg.ErrProtocol)
	}
	kind := reply[0]
	switch kind {
	case 'S', 'T', 'W', 'X':
	default:
		return StopReply{}, fmt.Errorf("stop reply %q: %w", truncate(reply), pkg.ErrProtocol)
	}
	sig, err := strconv.ParseUint(string(reply[1:3]), 16, 8)
	if err != nil {
		return StopReply{}, fmt.Errorf("stop reply %q: %w", truncate(reply), pkg.ErrProtocol)
	}

	stop := StopReply{Kind: kind, Signal: uint8(sig)}
	if kind == 'T' && len(reply) > 3 {
		stop.Values = make(map[string]string)
		for _, pair := range strings.Split(string(reply[3:]), ";") {
			if key, value, ok := strings.Cut(pair, ":"); ok {
				stop.Values[key] = value
			}
		}
	}
	return stop, nil
}
