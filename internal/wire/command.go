// Package wire implements the one-byte command protocol spoken between
// mc-remote and mc-remoted.
//
// A connection starts with exactly one command byte. In follow mode the
// client may later send CancelByte on the same connection to end the stream.
package wire

import (
	"errors"
	"fmt"
	"io"
)

// Command is the decoded intent of a connection's first byte.
type Command uint8

const (
	// LogsFollow streams the container log until cancelled.
	LogsFollow Command = 0

	// LogsOnce returns the container log collected so far.
	LogsOnce Command = 1

	// Start brings the container up.
	Start Command = 2

	// Stop stops the container.
	Stop Command = 3

	// Restart restarts the container.
	Restart Command = 4
)

// CancelByte is sent by the client to end a follow-mode session.
const CancelByte byte = 255

var (
	// ErrEmptyMessage is returned when no command byte was received.
	ErrEmptyMessage = errors.New("empty message")

	// ErrInvalidOption is returned for a byte outside the command table.
	ErrInvalidOption = errors.New("invalid option")
)

// Commands lists every valid command in wire order.
var Commands = []Command{LogsFollow, LogsOnce, Start, Stop, Restart}

// DecodeByte maps a wire byte to a Command.
func DecodeByte(b byte) (Command, error) {
	switch Command(b) {
	case LogsFollow, LogsOnce, Start, Stop, Restart:
		return Command(b), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidOption, b)
	}
}

// Decode decodes the first byte of msg.
func Decode(msg []byte) (Command, error) {
	if len(msg) == 0 {
		return 0, ErrEmptyMessage
	}
	return DecodeByte(msg[0])
}

// Byte returns the wire encoding of c.
func (c Command) Byte() byte {
	return byte(c)
}

// EncodeCancel returns the reserved cancellation byte.
func EncodeCancel() byte {
	return CancelByte
}

// Follows reports whether c streams output until cancelled.
func (c Command) Follows() bool {
	return c == LogsFollow
}

// String returns the command name used in logs and metrics labels.
func (c Command) String() string {
	switch c {
	case LogsFollow:
		return "logs_follow"
	case LogsOnce:
		return "logs"
	case Start:
		return "start"
	case Stop:
		return "stop"
	case Restart:
		return "restart"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCommand maps a CLI action name to a Command. follow only applies
// to "logs".
func ParseCommand(name string, follow bool) (Command, error) {
	switch name {
	case "logs":
		if follow {
			return LogsFollow, nil
		}
		return LogsOnce, nil
	case "start":
		return Start, nil
	case "stop":
		return Stop, nil
	case "restart":
		return Restart, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidOption, name)
	}
}

// ReadCommand reads exactly one byte from r and decodes it.
// A connection closed before any byte arrives yields ErrEmptyMessage.
func ReadCommand(r io.Reader) (Command, error) {
	var buf [1]byte
	n, err := io.ReadFull(r, buf[:])
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return 0, ErrEmptyMessage
		}
		return 0, fmt.Errorf("read command: %w", err)
	}
	return Decode(buf[:n])
}

// WriteCommand writes the encoding of c to w.
func WriteCommand(w io.Writer, c Command) error {
	_, err := w.Write([]byte{c.Byte()})
	return err
}

// WriteCancel writes CancelByte to w.
func WriteCancel(w io.Writer) error {
	_, err := w.Write([]byte{CancelByte})
	return err
}
