package models

import "time"

// BBox is a bounding box in detector coordinates (pixels unless the detector
// reports normalized values).
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Center returns the box centroid.
func (b BBox) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

func (b BBox) Width() float64  { return b.X2 - b.X1 }
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// RawDetection is one object reported by the detector for one frame.
// TrackID is zero when the detector does not track.
type RawDetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float64   `json:"confidence"`
	Box        BBox      `json:"box"`
	TrackID    int64     `json:"track_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// TrackedSlot is a stable identity held by one physical object.
type TrackedSlot struct {
	Index      int           `json:"index"`
	Class      string        `json:"class"`
	Confidence float64       `json:"confidence"`
	Box        BBox          `json:"box"`
	Position   Point         `json:"position"`
	TrackID    int64         `json:"track_id,omitempty"`
	FirstSeen  time.Time     `json:"first_seen"`
	LastSeen   time.Time     `json:"last_seen"`
	Misses     int           `json:"misses"`
	Age        time.Duration `json:"age"`
}
