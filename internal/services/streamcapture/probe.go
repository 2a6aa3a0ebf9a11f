package streamcapture

import (
	"context"
	"time"
)

// ProbeResult describes a stream that produced its first frame.
type ProbeResult struct {
	URI        string        `json:"uri"`
	Reachable  bool          `json:"reachable"`
	Width      int           `json:"width,omitempty"`
	Height     int           `json:"height,omitempty"`
	FirstFrame time.Duration `json:"first_frame_ns,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Probe opens uri and waits for one frame within timeout. Failures are
// reported in the result rather than as an error.
func Probe(ctx context.Context, opener Opener, uri string, timeout time.Duration) ProbeResult {
	res := ProbeResult{URI: uri}
	started := time.Now()

	src, err := opener.Open(ctx, OpenOptions{
		SourceID:       "probe",
		URI:            uri,
		ConnectTimeout: timeout,
		ReadTimeout:    timeout,
	})
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer src.Close()

	frame, err := src.Next(ctx)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Reachable = true
	res.Width = frame.Width
	res.Height = frame.Height
	res.FirstFrame = time.Since(started)
	return res
}
