// Package opencv implements streamcapture.Opener on top of OpenCV's FFmpeg
// backend.
package opencv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"

	"rextrack-worker-go/internal/config"
	"rextrack-worker-go/internal/models"
	"rextrack-worker-go/internal/services/streamcapture"
)

var ffmpegOnce sync.Once

// Opener opens RTSP/HTTP/file streams with gocv.
type Opener struct {
	bufferSize   int
	encoding     string
	jpegQuality  int
	maxReadErrs  int
	rwTimeout    time.Duration
	closeTimeout time.Duration
}

func NewOpener(cfg *config.Config) *Opener {
	o := &Opener{
		bufferSize:   cfg.FrameBufferSize,
		encoding:     strings.ToLower(cfg.FrameEncoding),
		jpegQuality:  cfg.JPEGQuality,
		maxReadErrs:  cfg.MaxConsecutiveReadErrors,
		rwTimeout:    cfg.ReadTimeout,
		closeTimeout: cfg.StopTimeout,
	}
	if o.bufferSize < 1 {
		o.bufferSize = 1
	}
	if o.maxReadErrs < 1 {
		o.maxReadErrs = 10
	}
	return o
}

type openResult struct {
	cap *gocv.VideoCapture
	err error
}

// Open connects to opts.URI. The blocking OpenCV call runs on its own
// goroutine so ctx cancellation and ConnectTimeout are honoured; a capture
// that finishes opening after we gave up is closed in the background.
func (o *Opener) Open(ctx context.Context, opts streamcapture.OpenOptions) (streamcapture.Source, error) {
	ffmpegOnce.Do(func() { configureFFmpegOptions(o.rwTimeout) })

	results := make(chan openResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- openResult{err: fmt.Errorf("panic opening capture: %v", r)}
			}
		}()
		cap, err := gocv.OpenVideoCaptureWithAPI(opts.URI, gocv.VideoCaptureFFmpeg)
		if err == nil && !cap.IsOpened() {
			cap.Close()
			cap, err = nil, errors.New("video capture is not opened")
		}
		results <- openResult{cap: cap, err: err}
	}()

	abandon := func() {
		go func() {
			if r := <-results; r.cap != nil {
				r.cap.Close()
			}
		}()
	}

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cap *gocv.VideoCapture
	select {
	case r := <-results:
		if r.err != nil {
			return nil, streamcapture.NewStreamError(streamcapture.KindConnect, opts.SourceID, r.err)
		}
		cap = r.cap
	case <-timer.C:
		abandon()
		return nil, streamcapture.NewStreamError(streamcapture.KindConnect, opts.SourceID,
			fmt.Errorf("open timed out after %s", timeout))
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}

	cap.Set(gocv.VideoCaptureBufferSize, 1)

	log.Info().
		Str("source_id", opts.SourceID).
		Float64("fps", cap.Get(gocv.VideoCaptureFPS)).
		Float64("width", cap.Get(gocv.VideoCaptureFrameWidth)).
		Float64("height", cap.Get(gocv.VideoCaptureFrameHeight)).
		Msg("VideoCapture opened")

	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 5 * time.Second
	}
	c := &capture{
		sourceID:    opts.SourceID,
		cap:         cap,
		opener:      o,
		readTimeout: readTimeout,
		frames:      make(chan models.Frame, o.bufferSize),
		failed:      make(chan struct{}),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// capture owns one VideoCapture. Only readLoop touches cap; it releases it on
// exit, so Close never races a blocked Read.
type capture struct {
	sourceID    string
	cap         *gocv.VideoCapture
	opener      *Opener
	readTimeout time.Duration

	frames   chan models.Frame
	failed   chan struct{}
	failOnce sync.Once
	err      atomic.Pointer[streamcapture.StreamError]

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	seq       uint64
}

func (c *capture) Next(ctx context.Context) (models.Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	default:
	}

	timer := time.NewTimer(c.readTimeout)
	defer timer.Stop()

	select {
	case f := <-c.frames:
		return f, nil
	case <-c.failed:
		return models.Frame{}, c.err.Load()
	case <-timer.C:
		return models.Frame{}, streamcapture.NewStreamError(streamcapture.KindTimeout, c.sourceID,
			fmt.Errorf("no frame within %s", c.readTimeout))
	case <-ctx.Done():
		return models.Frame{}, ctx.Err()
	}
}

func (c *capture) Close() error {
	c.closeOnce.Do(func() { close(c.stop) })

	wait := c.opener.closeTimeout
	if wait <= 0 {
		wait = 5 * time.Second
	}
	select {
	case <-c.done:
	case <-time.After(wait):
		log.Warn().Str("source_id", c.sourceID).Msg("Capture reader still blocked, releasing in background")
	}
	return nil
}

func (c *capture) fail(kind streamcapture.Kind, err error) {
	c.failOnce.Do(func() {
		c.err.Store(streamcapture.NewStreamError(kind, c.sourceID, err))
		close(c.failed)
	})
}

func (c *capture) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *capture) readLoop() {
	defer close(c.done)
	defer c.cap.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("source_id", c.sourceID).Interface("panic", r).Msg("Capture reader panic recovered")
			c.fail(streamcapture.KindDisconnected, fmt.Errorf("reader panic: %v", r))
		}
	}()

	img := gocv.NewMat()
	defer img.Close()

	consecutiveErrors := 0
	for !c.stopped() {
		if ok := c.cap.Read(&img); !ok {
			consecutiveErrors++
			if consecutiveErrors >= c.opener.maxReadErrs {
				c.fail(streamcapture.KindDisconnected,
					fmt.Errorf("%d consecutive read failures", consecutiveErrors))
				return
			}
			delay := time.Duration(consecutiveErrors*50) * time.Millisecond
			select {
			case <-c.stop:
				return
			case <-time.After(delay):
			}
			continue
		}

		if img.Empty() {
			consecutiveErrors++
			if consecutiveErrors >= c.opener.maxReadErrs {
				c.fail(streamcapture.KindDecode,
					fmt.Errorf("%d consecutive empty frames", consecutiveErrors))
				return
			}
			continue
		}

		frame, err := c.encode(img)
		if err != nil {
			consecutiveErrors++
			if consecutiveErrors >= c.opener.maxReadErrs {
				c.fail(streamcapture.KindDecode, err)
				return
			}
			continue
		}
		consecutiveErrors = 0
		c.push(frame)
	}
}

func (c *capture) encode(img gocv.Mat) (models.Frame, error) {
	c.seq++
	frame := models.Frame{
		SourceID:  c.sourceID,
		Seq:       c.seq,
		Timestamp: time.Now(),
		Width:     img.Cols(),
		Height:    img.Rows(),
	}

	if c.opener.encoding == "bgr" {
		frame.Format = models.FrameFormatBGR24
		frame.Data = img.ToBytes()
		return frame, nil
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, c.opener.jpegQuality})
	if err != nil {
		return models.Frame{}, fmt.Errorf("jpeg encode: %w", err)
	}
	defer buf.Close()
	frame.Format = models.FrameFormatJPEG
	frame.Data = bytes.Clone(buf.GetBytes())
	return frame, nil
}

// push keeps only the newest frames; the reader is the sole producer so a
// drained slot stays free for the send.
func (c *capture) push(frame models.Frame) {
	select {
	case c.frames <- frame:
		return
	default:
	}
	select {
	case <-c.frames:
	default:
	}
	select {
	case c.frames <- frame:
	default:
	}
}

// configureFFmpegOptions sets OPENCV_FFMPEG_CAPTURE_OPTIONS once per
// process. Socket timeouts keep a blocked Read bounded so Close completes.
func configureFFmpegOptions(rwTimeout time.Duration) {
	if rwTimeout <= 0 {
		rwTimeout = 5 * time.Second
	}
	micros := fmt.Sprintf("%d", rwTimeout.Microseconds())

	ffmpegOptions := map[string]string{
		"rtsp_transport":        "tcp",
		"buffer_size":           "2097152",
		"max_delay":             "500000",
		"stimeout":              micros,
		"rw_timeout":            micros,
		"flags":                 "low_delay",
		"fflags":                "nobuffer+flush_packets",
		"drop_pkts_on_overflow": "1",
		"analyzeduration":       "500000",
		"probesize":             "2000000",
		"allowed_media_types":   "video",
	}

	pairs := make([]string, 0, len(ffmpegOptions))
	for key, value := range ffmpegOptions {
		pairs = append(pairs, key+";"+value)
	}
	sort.Strings(pairs)
	opts := strings.Join(pairs, "|")

	if existing := os.Getenv("OPENCV_FFMPEG_CAPTURE_OPTIONS"); existing != "" {
		log.Info().Str("ffmpeg_options", existing).Msg("Keeping FFmpeg options from environment")
		return
	}
	os.Setenv("OPENCV_FFMPEG_CAPTURE_OPTIONS", opts)
	log.Debug().Str("ffmpeg_options", opts).Msg("FFmpeg options configured for OpenCV")
}
