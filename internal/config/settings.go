package config

import (
	"slices"
	"time"

	"rextrack-worker-go/internal/models"
)

// OSCSettings is the resolved emitter configuration of one source.
type OSCSettings struct {
	Host          string
	Port          int
	AddressPrefix string
	ChannelFormat string
	Attributes    []string
	QueueSize     int
	ClearFreed    bool
	EmitMinAge    time.Duration
}

// Settings is the fully merged configuration a worker runs with. Every
// recognized option is an explicit field.
type Settings struct {
	SourceID string
	Name     string
	URI      string
	Enabled  bool

	Confidence        float64
	Classes           []string
	ROI               *models.Region
	PeriodFrames      int
	ObjectsMax        int
	ObjectPersistence time.Duration
	PersistenceFrames int
	MaxDistance       float64
	PreferTrackID     bool

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration

	OSC OSCSettings
}

// Resolve merges one descriptor with the global defaults. A per-source
// override wins when present, then the descriptor-level field (roi, classes),
// then the global default.
func Resolve(sc *SourcesConfig, d models.SourceDescriptor) Settings {
	t := sc.Tracking
	o := d.Override

	s := Settings{
		SourceID: d.ID,
		Name:     d.Name,
		URI:      d.URI,
		Enabled:  d.Enabled,

		Confidence:        pick(o.Confidence, t.Confidence),
		PeriodFrames:      pick(o.PeriodFrames, t.PeriodFrames),
		ObjectsMax:        pick(o.ObjectsMax, t.ObjectsMax),
		ObjectPersistence: pick(o.ObjectPersistence, t.ObjectPersistence).Std(),
		PersistenceFrames: t.PersistenceFrames,
		MaxDistance:       pick(o.MaxDistance, t.MaxDistance),
		PreferTrackID:     t.PreferTrackID,

		ConnectTimeout: pick(o.ConnectTimeout, sc.Stream.ConnectTimeout).Std(),
		ReadTimeout:    pick(o.ReadTimeout, sc.Stream.ReadTimeout).Std(),
		BackoffMin:     pick(o.BackoffMin, sc.Stream.BackoffMin).Std(),
		BackoffMax:     pick(o.BackoffMax, sc.Stream.BackoffMax).Std(),

		OSC: OSCSettings{
			Host:          sc.OSC.Host,
			Port:          sc.OSC.Port,
			AddressPrefix: pick(o.AddressPrefix, sc.OSC.AddressPrefix),
			ChannelFormat: sc.OSC.ChannelFormat,
			Attributes:    slices.Clone(sc.OSC.Attributes),
			QueueSize:     sc.OSC.QueueSize,
			ClearFreed:    sc.OSC.ClearFreed,
			EmitMinAge:    t.EmitMinAge.Std(),
		},
	}

	switch {
	case o.Classes != nil:
		s.Classes = slices.Clone(o.Classes)
	case d.Classes != nil:
		s.Classes = slices.Clone(d.Classes)
	default:
		s.Classes = slices.Clone(t.Classes)
	}

	// Validated descriptors never fail here; an invalid ROI is ignored.
	if roi, err := models.RegionFromSlice(o.ROI); err == nil && roi != nil {
		s.ROI = roi
	} else if roi, err := models.RegionFromSlice(d.ROI); err == nil && roi != nil {
		s.ROI = roi
	}

	if s.BackoffMax < s.BackoffMin {
		s.BackoffMax = s.BackoffMin
	}
	return s
}

// RequiresRestart reports whether moving from prev to s changes something a
// running worker cannot pick up live: the stream URI or the emitter socket.
func (s Settings) RequiresRestart(prev Settings) bool {
	return s.URI != prev.URI ||
		s.OSC.Host != prev.OSC.Host ||
		s.OSC.Port != prev.OSC.Port ||
		s.OSC.QueueSize != prev.OSC.QueueSize
}

func pick[T any](override *T, def T) T {
	if override != nil {
		return *override
	}
	return def
}
