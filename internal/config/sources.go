package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"rextrack-worker-go/internal/models"
)

// TrackingDefaults are the global tracking parameters every source inherits.
type TrackingDefaults struct {
	Confidence        float64         `json:"confidence" yaml:"confidence" toml:"confidence"`
	Classes           []string        `json:"classes" yaml:"classes" toml:"classes"`
	ObjectsMax        int             `json:"objects_max" yaml:"objects_max" toml:"objects_max"`
	ObjectPersistence models.Duration `json:"object_persistence" yaml:"object_persistence" toml:"object_persistence"`
	PersistenceFrames int             `json:"persistence_frames" yaml:"persistence_frames" toml:"persistence_frames"`
	MaxDistance       float64         `json:"max_distance" yaml:"max_distance" toml:"max_distance"`
	PeriodFrames      int             `json:"period_frames" yaml:"period_frames" toml:"period_frames"`
	EmitMinAge        models.Duration `json:"emit_min_age" yaml:"emit_min_age" toml:"emit_min_age"`
	PreferTrackID     bool            `json:"prefer_track_id" yaml:"prefer_track_id" toml:"prefer_track_id"`
}

// OSCConfig describes the downstream engine destination and address layout.
type OSCConfig struct {
	Host          string   `json:"host" yaml:"host" toml:"host"`
	Port          int      `json:"port" yaml:"port" toml:"port"`
	AddressPrefix string   `json:"address_prefix" yaml:"address_prefix" toml:"address_prefix"`
	ChannelFormat string   `json:"channel_format" yaml:"channel_format" toml:"channel_format"`
	Attributes    []string `json:"attributes" yaml:"attributes" toml:"attributes"`
	QueueSize     int      `json:"queue_size" yaml:"queue_size" toml:"queue_size"`
	ClearFreed    bool     `json:"clear_freed" yaml:"clear_freed" toml:"clear_freed"`
}

// OSCAttributes lists the slot attributes the emitter knows how to send.
var OSCAttributes = []string{"x", "y", "w", "h", "confidence", "class", "age", "track", "active"}

// StreamDefaults are the connection timeouts and reconnect policy bounds.
type StreamDefaults struct {
	ConnectTimeout models.Duration `json:"connect_timeout" yaml:"connect_timeout" toml:"connect_timeout"`
	ReadTimeout    models.Duration `json:"read_timeout" yaml:"read_timeout" toml:"read_timeout"`
	BackoffMin     models.Duration `json:"backoff_min" yaml:"backoff_min" toml:"backoff_min"`
	BackoffMax     models.Duration `json:"backoff_max" yaml:"backoff_max" toml:"backoff_max"`
}

// SourcesConfig is the full reloadable configuration document.
type SourcesConfig struct {
	Tracking TrackingDefaults          `json:"tracking" yaml:"tracking" toml:"tracking"`
	OSC      OSCConfig                 `json:"osc" yaml:"osc" toml:"osc"`
	Stream   StreamDefaults            `json:"stream" yaml:"stream" toml:"stream"`
	Sources  []models.SourceDescriptor `json:"sources" yaml:"sources" toml:"sources"`
}

// DefaultSourcesConfig returns the defaults, taking stream timeouts from the
// process configuration when one is given.
func DefaultSourcesConfig(cfg *Config) *SourcesConfig {
	sc := &SourcesConfig{
		Tracking: TrackingDefaults{
			Confidence:        0.25,
			ObjectsMax:        10,
			ObjectPersistence: models.Duration(500 * time.Millisecond),
			MaxDistance:       150,
			PeriodFrames:      1,
			PreferTrackID:     true,
		},
		OSC: OSCConfig{
			Host:          "127.0.0.1",
			Port:          5005,
			AddressPrefix: "/",
			ChannelFormat: "p{index}_{axis}",
			Attributes:    []string{"x", "y"},
			QueueSize:     64,
		},
		Stream: StreamDefaults{
			ConnectTimeout: models.Duration(10 * time.Second),
			ReadTimeout:    models.Duration(5 * time.Second),
			BackoffMin:     models.Duration(1 * time.Second),
			BackoffMax:     models.Duration(30 * time.Second),
		},
	}
	if cfg != nil {
		sc.Stream = StreamDefaults{
			ConnectTimeout: models.Duration(cfg.ConnectTimeout),
			ReadTimeout:    models.Duration(cfg.ReadTimeout),
			BackoffMin:     models.Duration(cfg.ReconnectBackoffMin),
			BackoffMax:     models.Duration(cfg.ReconnectBackoffMax),
		}
	}
	return sc
}

// LoadSourcesFile reads a YAML (.yaml/.yml) or TOML (.toml) document on top
// of the defaults. Keys missing from the file keep their default value.
func LoadSourcesFile(path string, cfg *Config) (*SourcesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	return ParseSources(data, filepath.Ext(path), cfg)
}

// ParseSources decodes data in the format named by ext and validates it.
func ParseSources(data []byte, ext string, cfg *Config) (*SourcesConfig, error) {
	sc := DefaultSourcesConfig(cfg)
	switch strings.ToLower(ext) {
	case ".yaml", ".yml", "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(sc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode yaml sources: %w", err)
		}
	case ".toml", "toml":
		if err := toml.Unmarshal(data, sc); err != nil {
			return nil, fmt.Errorf("decode toml sources: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported sources file format %q", ext)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

// Validate rejects documents that would leave the service in an undefined
// state.
func (sc *SourcesConfig) Validate() error {
	t := sc.Tracking
	if t.Confidence < 0 || t.Confidence > 1 {
		return fmt.Errorf("tracking.confidence must be within [0,1], got %v", t.Confidence)
	}
	if t.ObjectsMax < 1 {
		return fmt.Errorf("tracking.objects_max must be >= 1, got %d", t.ObjectsMax)
	}
	if t.PeriodFrames < 1 {
		return fmt.Errorf("tracking.period_frames must be >= 1, got %d", t.PeriodFrames)
	}
	if t.ObjectPersistence < 0 || t.PersistenceFrames < 0 || t.MaxDistance < 0 {
		return fmt.Errorf("tracking persistence and distance bounds must not be negative")
	}
	if sc.OSC.Port <= 0 || sc.OSC.Port > 65535 {
		return fmt.Errorf("osc.port out of range: %d", sc.OSC.Port)
	}
	if !strings.Contains(sc.OSC.ChannelFormat, "{index}") {
		return fmt.Errorf("osc.channel_format must contain {index}")
	}
	for _, a := range sc.OSC.Attributes {
		if !slices.Contains(OSCAttributes, a) {
			return fmt.Errorf("osc.attributes: unknown attribute %q", a)
		}
	}
	if sc.Stream.BackoffMin <= 0 || sc.Stream.BackoffMax < sc.Stream.BackoffMin {
		return fmt.Errorf("stream backoff bounds are invalid: min=%s max=%s",
			sc.Stream.BackoffMin.Std(), sc.Stream.BackoffMax.Std())
	}

	seen := make(map[string]struct{}, len(sc.Sources))
	for _, d := range sc.Sources {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("duplicate source id %q", d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return nil
}

// Clone deep-copies the document.
func (sc *SourcesConfig) Clone() *SourcesConfig {
	out := *sc
	out.Tracking.Classes = append([]string(nil), sc.Tracking.Classes...)
	out.OSC.Attributes = append([]string(nil), sc.OSC.Attributes...)
	out.Sources = make([]models.SourceDescriptor, 0, len(sc.Sources))
	for _, d := range sc.Sources {
		out.Sources = append(out.Sources, d.Clone())
	}
	return &out
}
