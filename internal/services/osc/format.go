// Package osc sends tracked slots to the downstream engine as OSC messages
// over UDP.
package osc

import (
	"strconv"
	"strings"

	"github.com/hypebeast/go-osc/osc"

	"rextrack-worker-go/internal/config"
	"rextrack-worker-go/internal/models"
)

// Attribute names accepted in the osc.attributes list.
const (
	AttrX          = "x"
	AttrY          = "y"
	AttrWidth      = "w"
	AttrHeight     = "h"
	AttrConfidence = "confidence"
	AttrClass      = "class"
	AttrAge        = "age"
	AttrTrack      = "track"
	AttrActive     = "active"
)

// Address builds "<prefix><format>" with {index}, {axis} and {source}
// substituted. The result always starts with "/".
func Address(prefix, format string, index int, attr, sourceID string) string {
	name := strings.NewReplacer(
		"{index}", strconv.Itoa(index),
		"{axis}", attr,
		"{source}", sourceID,
	).Replace(format)

	if prefix == "" {
		prefix = "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if strings.HasSuffix(prefix, "/") && strings.HasPrefix(name, "/") {
		name = name[1:]
	} else if !strings.HasSuffix(prefix, "/") && !strings.HasPrefix(name, "/") {
		prefix += "/"
	}
	return prefix + name
}

// Format builds one message per attribute of every occupied slot old enough
// to be emitted. Unoccupied indices produce nothing.
func Format(sourceID string, slots []models.TrackedSlot, s config.OSCSettings) []*osc.Message {
	msgs := make([]*osc.Message, 0, len(slots)*len(s.Attributes))
	for _, slot := range slots {
		if slot.Age < s.EmitMinAge {
			continue
		}
		for _, attr := range s.Attributes {
			v, ok := attributeValue(slot, attr)
			if !ok {
				continue
			}
			addr := Address(s.AddressPrefix, s.ChannelFormat, slot.Index, attr, sourceID)
			msgs = append(msgs, osc.NewMessage(addr, v))
		}
	}
	return msgs
}

// ClearMessage is the explicit "slot freed" signal sent when clear_freed is on.
func ClearMessage(sourceID string, index int, s config.OSCSettings) *osc.Message {
	return osc.NewMessage(Address(s.AddressPrefix, s.ChannelFormat, index, AttrActive, sourceID), int32(0))
}

func attributeValue(slot models.TrackedSlot, attr string) (any, bool) {
	switch attr {
	case AttrX:
		return float32(slot.Position.X), true
	case AttrY:
		return float32(slot.Position.Y), true
	case AttrWidth:
		return float32(slot.Box.Width()), true
	case AttrHeight:
		return float32(slot.Box.Height()), true
	case AttrConfidence:
		return float32(slot.Confidence), true
	case AttrClass:
		return slot.Class, true
	case AttrAge:
		return float32(slot.Age.Seconds()), true
	case AttrTrack:
		return int32(slot.TrackID), true
	case AttrActive:
		return int32(1), true
	default:
		return nil, false
	}
}
