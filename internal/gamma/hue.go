package gamma

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/amimof/huego"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shiftd/internal/colortemp"
)

// Hue mirek limits accepted by the bridge
const (
	minMirek = 153
	maxMirek = 500
)

// Hue broadcasts the temperature to Philips Hue groups as a color
// temperature in mirek. Groups that are switched off are left alone.
type Hue struct {
	Bridge string
	Token  string
	Groups []int
}

func (h *Hue) Name() string { return "hue" }

// Open connects to the bridge. A non-empty selector is a comma separated
// group id list that replaces the configured groups.
func (h *Hue) Open(ctx context.Context, selector string) (Session, error) {
	groups := h.Groups
	if selector != "" {
		parsed, err := parseGroups(selector)
		if err != nil {
			return nil, Unavailable(h.Name(), err)
		}
		groups = parsed
	}
	if h.Bridge == "" || h.Token == "" {
		return nil, Unavailable(h.Name(), errors.New("bridge address and token are required"))
	}
	if len(groups) == 0 {
		return nil, Unavailable(h.Name(), errors.New("no groups configured"))
	}

	bridge := huego.New(h.Bridge, h.Token)
	for _, id := range groups {
		if _, err := Call(ctx, func() (*huego.Group, error) { return bridge.GetGroup(id) }); err != nil {
			return nil, Unavailable(h.Name(), fmt.Errorf("group %d: %w", id, err))
		}
	}

	log.Info().Str("bridge", h.Bridge).Ints("groups", groups).Msg("Hue gamma session opened")
	return &hueSession{bridge: bridge, groups: groups, last: make(map[int]hueTarget)}, nil
}

func parseGroups(selector string) ([]int, error) {
	var groups []int
	for _, part := range strings.Split(selector, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("bad group id %q: %w", part, err)
		}
		groups = append(groups, id)
	}
	return groups, nil
}

type hueTarget struct {
	mirek uint16
	bri   uint8
}

func targetFor(s colortemp.Setting) hueTarget {
	mirek := math.Round(1e6 / float64(max(s.Temperature, 1)))
	mirek = math.Max(minMirek, math.Min(maxMirek, mirek))
	bri := math.Round(s.Brightness * 254)
	bri = math.Max(1, math.Min(254, bri))
	return hueTarget{mirek: uint16(mirek), bri: uint8(bri)}
}

type hueSession struct {
	bridge *huego.Bridge
	groups []int

	mu   sync.Mutex
	last map[int]hueTarget // Last value sent per group, skips repeat requests
}

func (s *hueSession) Apply(ctx context.Context, setting colortemp.Setting) error {
	target := targetFor(setting)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.groups {
		if prev, ok := s.last[id]; ok && prev == target {
			continue
		}
		applied, err := s.push(ctx, id, target)
		if err != nil {
			return applyFailed("hue", setting, fmt.Errorf("group %d: %w", id, err))
		}
		if applied {
			s.last[id] = target
		}
	}
	return nil
}

// push sends target to one group. It reports false when the group was off.
func (s *hueSession) push(ctx context.Context, id int, target hueTarget) (bool, error) {
	return Call(ctx, func() (bool, error) {
		group, err := s.bridge.GetGroup(id)
		if err != nil {
			return false, err
		}
		if group.GroupState != nil && !group.GroupState.AnyOn {
			return false, nil
		}
		if err := group.Ct(target.mirek); err != nil {
			return false, err
		}
		if err := group.Bri(target.bri); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Restore sends neutral white to every group that is on.
func (s *hueSession) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	neutral := targetFor(colortemp.Neutral())
	var errs []error
	for _, id := range s.groups {
		if _, err := s.push(ctx, id, neutral); err != nil {
			errs = append(errs, fmt.Errorf("group %d: %w", id, err))
		}
	}
	clear(s.last)
	return errors.Join(errs...)
}

func (s *hueSession) Close() error { return nil }
