package catalog

import (
	"time"

	"github.com/banshee-data/composite.report/internal/geo"
)

// Collection is an ordered list of scenes from one or more catalog
// collections. Operations return new collections and never modify the
// receiver.
type Collection struct {
	ID     string
	Scenes []*Scene
}

// Len returns the number of scenes.
func (c *Collection) Len() int { return len(c.Scenes) }

// IDs returns the scene identifiers in order.
func (c *Collection) IDs() []string {
	ids := make([]string, len(c.Scenes))
	for i, s := range c.Scenes {
		ids[i] = s.ID
	}
	return ids
}

func (c *Collection) filter(keep func(*Scene) bool) *Collection {
	out := &Collection{ID: c.ID}
	for _, s := range c.Scenes {
		if keep(s) {
			out.Scenes = append(out.Scenes, s)
		}
	}
	return out
}

// FilterBounds keeps scenes whose footprint intersects the AOI.
func (c *Collection) FilterBounds(aoi geo.AOI) *Collection {
	return c.filter(func(s *Scene) bool { return aoi.Intersects(s.Footprint) })
}

// FilterDate keeps scenes acquired in [start, end).
func (c *Collection) FilterDate(start, end time.Time) *Collection {
	return c.filter(func(s *Scene) bool {
		return !s.Acquired.Before(start) && s.Acquired.Before(end)
	})
}

// FilterLt keeps scenes whose numeric property is strictly below value.
// Scenes without the property are dropped.
func (c *Collection) FilterLt(property string, value float64) *Collection {
	return c.filter(func(s *Scene) bool {
		v, ok := s.Number(property)
		return ok && v < value
	})
}

// Merge returns the receiver's scenes followed by other's.
func (c *Collection) Merge(other *Collection) *Collection {
	out := &Collection{ID: c.ID + "," + other.ID}
	out.Scenes = make([]*Scene, 0, len(c.Scenes)+len(other.Scenes))
	out.Scenes = append(out.Scenes, c.Scenes...)
	out.Scenes = append(out.Scenes, other.Scenes...)
	return out
}

// SaveFirst joins secondary onto the receiver by scene ID. Each primary scene
// that has a match is copied with the first matching secondary stored under
// Joined[name]; primaries without a match are dropped.
func (c *Collection) SaveFirst(secondary *Collection, name string) *Collection {
	first := make(map[string]*Scene, len(secondary.Scenes))
	for _, s := range secondary.Scenes {
		if _, ok := first[s.ID]; !ok {
			first[s.ID] = s
		}
	}
	out := &Collection{ID: c.ID}
	for _, s := range c.Scenes {
		match, ok := first[s.ID]
		if !ok {
			continue
		}
		j := s.Clone()
		if j.Joined == nil {
			j.Joined = make(map[string]*Scene, 1)
		}
		j.Joined[name] = match
		out.Scenes = append(out.Scenes, j)
	}
	return out
}
