package streamcapture

import (
	"errors"
	"fmt"
)

// Kind classifies why a stream failed.
type Kind int

const (
	KindConnect Kind = iota
	KindTimeout
	KindDisconnected
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindTimeout:
		return "timeout"
	case KindDisconnected:
		return "disconnected"
	case KindDecode:
		return "decode_error"
	default:
		return "unknown"
	}
}

// StreamError is fatal to the current connection and recoverable by
// reopening the source.
type StreamError struct {
	Kind     Kind
	SourceID string
	Err      error
}

func (e *StreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stream %s: %s", e.SourceID, e.Kind)
	}
	return fmt.Sprintf("stream %s: %s: %v", e.SourceID, e.Kind, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

func NewStreamError(kind Kind, sourceID string, err error) *StreamError {
	return &StreamError{Kind: kind, SourceID: sourceID, Err: err}
}

// IsStreamError reports whether err carries a StreamError.
func IsStreamError(err error) bool {
	var se *StreamError
	return errors.As(err, &se)
}

// KindOf returns the kind of the StreamError in err, if any.
func KindOf(err error) (Kind, bool) {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}
