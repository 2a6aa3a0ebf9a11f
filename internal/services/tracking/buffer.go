// Package tracking turns per-frame detections into stable numbered slots.
package tracking

import (
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"rextrack-worker-go/internal/models"
)

// Config controls filtering, association and slot lifetime.
type Config struct {
	Confidence float64
	// Classes is an allow-list; empty accepts every class.
	Classes []string
	ROI     *models.Region

	MaxObjects int
	// A slot with no match is freed once it has been missing longer than
	// Persistence, or for more than PersistenceFrames cycles. With both
	// unset a slot is freed on its first miss.
	Persistence       time.Duration
	PersistenceFrames int
	// MaxDistance bounds centroid association; zero means unbounded.
	MaxDistance float64
	// PreferTrackID matches detector track ids before distance. An id match
	// is still subject to MaxDistance.
	PreferTrackID bool
}

// Result is the outcome of one Step.
type Result struct {
	// Slots holds the occupied slots ordered by index.
	Slots    []models.TrackedSlot
	Created  []int
	Freed    []int
	Matched  int
	Filtered int
	Dropped  int
}

// Step is the pure buffer transition: previous slots plus this frame's
// detections give the next slots. prev is not modified.
func Step(prev []models.TrackedSlot, detections []models.RawDetection, cfg Config, now time.Time) Result {
	dets := Filter(detections, cfg)
	res := Result{Filtered: len(detections) - len(dets)}

	next := make([]models.TrackedSlot, len(prev))
	copy(next, prev)
	sort.Slice(next, func(i, j int) bool { return next[i].Index < next[j].Index })

	detMatched := make([]bool, len(dets))
	slotMatched := make([]bool, len(next))

	if cfg.PreferTrackID {
		for di, d := range dets {
			if d.TrackID == 0 {
				continue
			}
			c := d.Box.Center()
			for si := range next {
				if slotMatched[si] || next[si].TrackID != d.TrackID {
					continue
				}
				dist := math.Hypot(c.X-next[si].Position.X, c.Y-next[si].Position.Y)
				if cfg.MaxDistance > 0 && dist > cfg.MaxDistance {
					continue
				}
				refresh(&next[si], d, now)
				detMatched[di], slotMatched[si] = true, true
				res.Matched++
				break
			}
		}
	}

	for _, p := range candidatePairs(dets, next, detMatched, slotMatched, cfg.MaxDistance) {
		if detMatched[p.det] || slotMatched[p.slot] {
			continue
		}
		refresh(&next[p.slot], dets[p.det], now)
		detMatched[p.det], slotMatched[p.slot] = true, true
		res.Matched++
	}

	existing := len(next)
	for di, d := range dets {
		if detMatched[di] {
			continue
		}
		// Capacity counts every slot still held, including ones that will
		// expire below: new detections never displace an existing slot.
		if len(next) >= cfg.MaxObjects {
			res.Dropped++
			continue
		}
		idx := lowestFreeIndex(next, cfg.MaxObjects)
		if idx == 0 {
			res.Dropped++
			continue
		}
		slot := models.TrackedSlot{Index: idx, FirstSeen: now}
		refresh(&slot, d, now)
		next = append(next, slot)
		res.Created = append(res.Created, idx)
	}

	kept := next[:0]
	for si := range next {
		slot := next[si]
		if si < existing && !slotMatched[si] {
			slot.Misses++
			if expired(slot, cfg, now) {
				res.Freed = append(res.Freed, slot.Index)
				continue
			}
		}
		kept = append(kept, slot)
	}
	next = kept

	sort.Slice(next, func(i, j int) bool { return next[i].Index < next[j].Index })
	for i := range next {
		next[i].Age = now.Sub(next[i].FirstSeen)
	}
	res.Slots = next
	return res
}

// Filter applies confidence, class allow-list and region of interest, and
// orders the survivors by confidence (highest first) then track id.
func Filter(detections []models.RawDetection, cfg Config) []models.RawDetection {
	out := make([]models.RawDetection, 0, len(detections))
	for _, d := range detections {
		if d.Confidence < cfg.Confidence {
			continue
		}
		if len(cfg.Classes) > 0 && !classAllowed(cfg.Classes, d.Class) {
			continue
		}
		if cfg.ROI != nil {
			c := d.Box.Center()
			if !cfg.ROI.Contains(c.X, c.Y) {
				continue
			}
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].TrackID < out[j].TrackID
	})
	return out
}

func classAllowed(allow []string, class string) bool {
	class = strings.TrimSpace(class)
	return slices.ContainsFunc(allow, func(a string) bool {
		return strings.EqualFold(strings.TrimSpace(a), class)
	})
}

type pair struct {
	det  int
	slot int
	dist float64
	conf float64
	idx  int
}

// candidatePairs lists every unmatched (detection, slot) pair within the
// distance bound, ordered for greedy assignment: nearest first, then higher
// confidence, then lower slot index.
func candidatePairs(dets []models.RawDetection, slots []models.TrackedSlot, detMatched, slotMatched []bool, maxDist float64) []pair {
	var pairs []pair
	for di, d := range dets {
		if detMatched[di] {
			continue
		}
		c := d.Box.Center()
		for si, s := range slots {
			if slotMatched[si] {
				continue
			}
			dist := math.Hypot(c.X-s.Position.X, c.Y-s.Position.Y)
			if maxDist > 0 && dist > maxDist {
				continue
			}
			pairs = append(pairs, pair{det: di, slot: si, dist: dist, conf: d.Confidence, idx: s.Index})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		a, b := pairs[i], pairs[j]
		if a.dist != b.dist {
			return a.dist < b.dist
		}
		if a.conf != b.conf {
			return a.conf > b.conf
		}
		if a.idx != b.idx {
			return a.idx < b.idx
		}
		return a.det < b.det
	})
	return pairs
}

func refresh(s *models.TrackedSlot, d models.RawDetection, now time.Time) {
	s.Class = d.Class
	s.Confidence = d.Confidence
	s.Box = d.Box
	s.Position = d.Box.Center()
	if d.TrackID != 0 {
		s.TrackID = d.TrackID
	}
	s.LastSeen = now
	s.Misses = 0
}

func expired(s models.TrackedSlot, cfg Config, now time.Time) bool {
	if cfg.Persistence <= 0 && cfg.PersistenceFrames <= 0 {
		return true
	}
	if cfg.Persistence > 0 && now.Sub(s.LastSeen) > cfg.Persistence {
		return true
	}
	return cfg.PersistenceFrames > 0 && s.Misses > cfg.PersistenceFrames
}

func lowestFreeIndex(slots []models.TrackedSlot, max int) int {
	used := make(map[int]bool, len(slots))
	for _, s := range slots {
		used[s.Index] = true
	}
	for i := 1; i <= max; i++ {
		if !used[i] {
			return i
		}
	}
	return 0
}

// Buffer holds the slot set of one pipeline between frames. It is not safe
// for concurrent use; each pipeline owns its own.
type Buffer struct {
	slots []models.TrackedSlot
}

func NewBuffer() *Buffer { return &Buffer{} }

// Update runs one Step and keeps the result.
func (b *Buffer) Update(detections []models.RawDetection, cfg Config, now time.Time) Result {
	res := Step(b.slots, detections, cfg, now)
	b.slots = res.Slots
	return res
}

// Slots returns a copy of the occupied slots.
func (b *Buffer) Slots() []models.TrackedSlot {
	return slices.Clone(b.slots)
}

func (b *Buffer) Len() int { return len(b.slots) }

func (b *Buffer) Reset() { b.slots = nil }
