package session

import (
	"errors"
	"fmt"
	"net"
)

// ConnectionError is a socket-level failure on one connection.
type ConnectionError struct {
	Op     string
	Remote string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Remote == "" {
		return fmt.Sprintf("session: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("session: %s %s: %v", e.Op, e.Remote, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the underlying failure was a deadline expiry.
func (e *ConnectionError) Timeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// IsTimeout reports whether err is a ConnectionError caused by a deadline.
func IsTimeout(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Timeout()
}
