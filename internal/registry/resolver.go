package registry

import (
	"context"
	"strings"

	"github.com/campusiot/backend/internal/core"
)

// Selector is a structured or free-text target expression submitted with an
// intent. Exactly one addressing style should be populated; free text is the
// voice-boundary path and goes through the alias index.
type Selector struct {
	DeviceID  string   `json:"deviceId,omitempty"`
	SwitchID  string   `json:"switchId,omitempty"`
	DeviceIDs []string `json:"deviceIds,omitempty"`
	RoomID    string   `json:"roomId,omitempty"`
	FreeText  string   `json:"freeText,omitempty"`
}

// Target is one concrete (device, switch) pair a selector resolved to.
type Target struct {
	DeviceID string
	SwitchID string
	RoomID   string
}

// Broad reports whether the selector used an all/every style expression;
// the pipeline treats broad selections like bulk ones for confirmation.
type Resolution struct {
	Targets []Target
	Broad   bool
}

var broadWords = map[string]bool{"all": true, "every": true, "everything": true}

// Resolve expands a selector into concrete targets. Unknown targets are an
// error; an empty resolution is also an error so a typo never silently
// matches nothing.
func (r *Registry) Resolve(ctx context.Context, sel Selector) (*Resolution, error) {
	switch {
	case sel.DeviceID != "":
		return r.resolveSingle(ctx, sel.DeviceID, sel.SwitchID)
	case len(sel.DeviceIDs) > 0:
		return r.resolveList(ctx, sel.DeviceIDs, sel.SwitchID)
	case sel.RoomID != "":
		return r.resolveRoom(ctx, sel.RoomID, sel.SwitchID)
	case sel.FreeText != "":
		return r.resolveText(ctx, sel.FreeText)
	default:
		return nil, core.Invalidf("empty selector")
	}
}

func (r *Registry) resolveSingle(ctx context.Context, deviceID, switchID string) (*Resolution, error) {
	d, err := r.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if switchID != "" && d.SwitchByID(switchID) == nil {
		return nil, core.NotFoundf("switch %s on device %s", switchID, deviceID)
	}
	return &Resolution{Targets: switchTargets(d, switchID)}, nil
}

func (r *Registry) resolveList(ctx context.Context, deviceIDs []string, switchID string) (*Resolution, error) {
	res := &Resolution{}
	seen := make(map[string]bool)
	for _, id := range deviceIDs {
		if seen[id] {
			return nil, core.Invalidf("device %s listed twice", id)
		}
		seen[id] = true
		d, err := r.store.GetDevice(ctx, id)
		if err != nil {
			return nil, err
		}
		if switchID != "" && d.SwitchByID(switchID) == nil {
			return nil, core.NotFoundf("switch %s on device %s", switchID, id)
		}
		res.Targets = append(res.Targets, switchTargets(d, switchID)...)
	}
	return res, nil
}

func (r *Registry) resolveRoom(ctx context.Context, roomID, switchID string) (*Resolution, error) {
	devices, err := r.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, core.NotFoundf("no devices in room %s", roomID)
	}
	res := &Resolution{Broad: true}
	for _, d := range devices {
		res.Targets = append(res.Targets, switchTargets(d, switchID)...)
	}
	return res, nil
}

// resolveText matches free text against device aliases, display names and
// rooms. Tokens are matched case-insensitively; broad words mark the
// resolution for bulk confirmation.
func (r *Registry) resolveText(ctx context.Context, text string) (*Resolution, error) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, core.Invalidf("empty target text")
	}
	broad := false
	for _, t := range tokens {
		if broadWords[t] {
			broad = true
		}
	}

	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	res := &Resolution{Broad: broad}
	for _, d := range devices {
		if broad || matchesDevice(d, tokens) {
			res.Targets = append(res.Targets, switchTargets(d, "")...)
		}
	}
	if len(res.Targets) == 0 {
		return nil, core.NotFoundf("no device matches %q", text)
	}
	return res, nil
}

func matchesDevice(d *core.Device, tokens []string) bool {
	haystack := make(map[string]bool)
	for _, a := range d.Aliases {
		for _, t := range tokenize(a) {
			haystack[t] = true
		}
	}
	for _, t := range tokenize(d.DisplayName) {
		haystack[t] = true
	}
	for _, t := range tokenize(d.Room) {
		haystack[t] = true
	}
	for _, tok := range tokens {
		if haystack[tok] {
			return true
		}
	}
	return false
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == ',' || r == '.'
	})
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func switchTargets(d *core.Device, switchID string) []Target {
	room := d.OwnerRoomID
	if room == "" {
		room = d.Room
	}
	if switchID != "" {
		return []Target{{DeviceID: d.ID, SwitchID: switchID, RoomID: room}}
	}
	out := make([]Target, 0, len(d.Switches))
	for _, sw := range d.Switches {
		out = append(out, Target{DeviceID: d.ID, SwitchID: sw.ID, RoomID: room})
	}
	return out
}
