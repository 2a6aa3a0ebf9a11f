package streamcapture

import (
	"context"
	"time"

	"rextrack-worker-go/internal/models"
)

// Source is one open connection to a video stream. Next returns frames in
// capture order and never returns the same frame twice. After Next fails
// with a StreamError the source is dead; restarting means a fresh Open.
type Source interface {
	Next(ctx context.Context) (models.Frame, error)
	Close() error
}

// OpenOptions are the per-source timeouts applied to a single Open.
type OpenOptions struct {
	SourceID       string
	URI            string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Opener creates Sources. Open blocks for at most ConnectTimeout and returns
// a Connect StreamError when the stream cannot be opened.
type Opener interface {
	Open(ctx context.Context, opts OpenOptions) (Source, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, opts OpenOptions) (Source, error)

func (f OpenerFunc) Open(ctx context.Context, opts OpenOptions) (Source, error) {
	return f(ctx, opts)
}
