package models

import (
	"fmt"
	"time"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("500ms", "2s") in JSON, YAML and TOML documents.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(parsed)
	return nil
}

// DurationPtr is a small helper for building overrides in code and tests.
func DurationPtr(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}

// Region is an axis-aligned rectangle in detection coordinates.
type Region struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// RegionFromSlice converts the persisted [x1,y1,x2,y2] form.
func RegionFromSlice(v []float64) (*Region, error) {
	if len(v) == 0 {
		return nil, nil
	}
	if len(v) != 4 {
		return nil, fmt.Errorf("roi must have 4 values [x1,y1,x2,y2], got %d", len(v))
	}
	r := &Region{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
	if r.X2 < r.X1 || r.Y2 < r.Y1 {
		return nil, fmt.Errorf("roi is inverted: %v", v)
	}
	return r, nil
}

// Contains reports whether the point lies inside the region, borders included.
func (r Region) Contains(x, y float64) bool {
	return x >= r.X1 && x <= r.X2 && y >= r.Y1 && y <= r.Y2
}

// Overrides mirrors the global tracking parameters. A nil pointer (or nil
// slice) means "use the global default".
type Overrides struct {
	Confidence        *float64  `json:"confidence,omitempty" yaml:"confidence,omitempty" toml:"confidence,omitempty"`
	Classes           []string  `json:"classes,omitempty" yaml:"classes,omitempty" toml:"classes,omitempty"`
	ROI               []float64 `json:"roi,omitempty" yaml:"roi,omitempty" toml:"roi,omitempty"`
	PeriodFrames      *int      `json:"period_frames,omitempty" yaml:"period_frames,omitempty" toml:"period_frames,omitempty"`
	ObjectsMax        *int      `json:"objects_max,omitempty" yaml:"objects_max,omitempty" toml:"objects_max,omitempty"`
	ObjectPersistence *Duration `json:"object_persistence,omitempty" yaml:"object_persistence,omitempty" toml:"object_persistence,omitempty"`
	MaxDistance       *float64  `json:"max_distance,omitempty" yaml:"max_distance,omitempty" toml:"max_distance,omitempty"`
	ConnectTimeout    *Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty" toml:"connect_timeout,omitempty"`
	ReadTimeout       *Duration `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty" toml:"read_timeout,omitempty"`
	BackoffMin        *Duration `json:"backoff_min,omitempty" yaml:"backoff_min,omitempty" toml:"backoff_min,omitempty"`
	BackoffMax        *Duration `json:"backoff_max,omitempty" yaml:"backoff_max,omitempty" toml:"backoff_max,omitempty"`
	AddressPrefix     *string   `json:"address_prefix,omitempty" yaml:"address_prefix,omitempty" toml:"address_prefix,omitempty"`
}

// SourceDescriptor is the persisted shape of one configured video source.
type SourceDescriptor struct {
	ID       string    `json:"id" yaml:"id" toml:"id" binding:"required" example:"cam1"`
	Name     string    `json:"name" yaml:"name" toml:"name" example:"Entrance"`
	URI      string    `json:"uri" yaml:"uri" toml:"uri" binding:"required" example:"rtsp://10.0.0.12:554/stream1"`
	Enabled  bool      `json:"enabled" yaml:"enabled" toml:"enabled"`
	ROI      []float64 `json:"roi,omitempty" yaml:"roi,omitempty" toml:"roi,omitempty"`
	Classes  []string  `json:"classes,omitempty" yaml:"classes,omitempty" toml:"classes,omitempty"`
	Override Overrides `json:"override" yaml:"override,omitempty" toml:"override,omitempty"`
}

// Validate checks the fields every descriptor must carry.
func (d SourceDescriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("source id is required")
	}
	if d.URI == "" {
		return fmt.Errorf("source %s: uri is required", d.ID)
	}
	if _, err := RegionFromSlice(d.ROI); err != nil {
		return fmt.Errorf("source %s: %w", d.ID, err)
	}
	if _, err := RegionFromSlice(d.Override.ROI); err != nil {
		return fmt.Errorf("source %s override: %w", d.ID, err)
	}
	if p := d.Override.PeriodFrames; p != nil && *p < 1 {
		return fmt.Errorf("source %s: period_frames must be >= 1", d.ID)
	}
	if m := d.Override.ObjectsMax; m != nil && *m < 1 {
		return fmt.Errorf("source %s: objects_max must be >= 1", d.ID)
	}
	if c := d.Override.Confidence; c != nil && (*c < 0 || *c > 1) {
		return fmt.Errorf("source %s: confidence must be within [0,1]", d.ID)
	}
	return nil
}

// Clone returns a deep copy so callers never share slices or pointers with
// the registry.
func (d SourceDescriptor) Clone() SourceDescriptor {
	out := d
	out.ROI = append([]float64(nil), d.ROI...)
	out.Classes = append([]string(nil), d.Classes...)
	out.Override = d.Override.clone()
	return out
}

func (o Overrides) clone() Overrides {
	out := o
	if o.Classes != nil {
		out.Classes = append([]string{}, o.Classes...)
	}
	if o.ROI != nil {
		out.ROI = append([]float64{}, o.ROI...)
	}
	out.Confidence = clonePtr(o.Confidence)
	out.PeriodFrames = clonePtr(o.PeriodFrames)
	out.ObjectsMax = clonePtr(o.ObjectsMax)
	out.ObjectPersistence = clonePtr(o.ObjectPersistence)
	out.MaxDistance = clonePtr(o.MaxDistance)
	out.ConnectTimeout = clonePtr(o.ConnectTimeout)
	out.ReadTimeout = clonePtr(o.ReadTimeout)
	out.BackoffMin = clonePtr(o.BackoffMin)
	out.BackoffMax = clonePtr(o.BackoffMax)
	out.AddressPrefix = clonePtr(o.AddressPrefix)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
