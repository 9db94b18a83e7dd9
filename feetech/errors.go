package feetech

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout       = errors.New("communication timeout")
	ErrNoResponse    = errors.New("no response from servo")
	ErrInvalidPacket = errors.New("invalid packet")
	ErrBusClosed     = errors.New("bus is closed")
	ErrInvalidID     = errors.New("invalid servo ID")
)

// CommError is a failure to move bytes over the port
type CommError struct {
	Op  string
	Err error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("communication error during %s: %v", e.Op, e.Err)
}

func (e *CommError) Unwrap() error {
	return e.Err
}

// ServoError is a failure reported by, or attributed to, one servo
type ServoError struct {
	ID     int
	Op     string
	Status StatusError
	Err    error
}

func (e *ServoError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("servo %d %s failed: %s", e.ID, e.Op, e.Status.Error())
	}
	return fmt.Sprintf("servo %d %s failed: %v", e.ID, e.Op, e.Err)
}

func (e *ServoError) Unwrap() error {
	return e.Err
}

// IsLinkError reports whether err means the port itself is unusable, as opposed to one
// servo not answering
func IsLinkError(err error) bool {
	var comm *CommError
	return errors.As(err, &comm) || errors.Is(err, ErrBusClosed)
}
