package port

import "errors"

// ErrClosed is returned by operations on a handle that was already
// closed. A timed-out read is NOT an error; it returns (0, nil).
var ErrClosed = errors.New("port handle is closed")
