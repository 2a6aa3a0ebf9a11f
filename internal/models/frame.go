package models

import "time"

const (
	FrameFormatBGR24 = "BGR24"
	FrameFormatJPEG  = "JPEG"
)

// Frame is one decoded picture pulled from a source.
type Frame struct {
	SourceID  string
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Format    string
	Data      []byte
}
