package node

import (
	"fmt"
	"math"
	"strings"
)

// Direction is one of the four cardinal directions around a zone.
// The zero value is not a valid direction.
type Direction uint8

const (
	North Direction = iota + 1
	East
	South
	West
)

// Directions lists all directions in table order
var Directions = [...]Direction{North, East, South, West}

var directionNames = map[Direction]string{
	North: "north",
	East:  "east",
	South: "south",
	West:  "west",
}

// ParseDirection parses the text form of a direction
func ParseDirection(s string) (Direction, error) {
	for d, name := range directionNames {
		if strings.EqualFold(s, name) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// Valid reports whether d is one of the four cardinal directions
func (d Direction) Valid() bool {
	_, ok := directionNames[d]
	return ok
}

func (d Direction) String() string {
	if name, ok := directionNames[d]; ok {
		return name
	}
	return fmt.Sprintf("direction(%d)", uint8(d))
}

// Opposite returns the direction facing d
func (d Direction) Opposite() Direction {
	switch d {
	case North:
		return South
	case South:
		return North
	case East:
		return West
	case West:
		return East
	}
	return d
}

// MarshalText implements encoding.TextMarshaler
func (d Direction) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("invalid direction %d", uint8(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Direction) UnmarshalText(text []byte) error {
	parsed, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// SplitDirection maps a split to the side of the retained half on which the
// granted half lies. Y grows northwards and X grows eastwards.
func SplitDirection(axis Axis, grantedUpper bool) Direction {
	switch {
	case axis == AxisX && grantedUpper:
		return East
	case axis == AxisX:
		return West
	case grantedUpper:
		return North
	default:
		return South
	}
}

// NeighborEntry contains information about a neighboring node
type NeighborEntry struct {
	Direction Direction `json:"direction"`
	Address   string    `json:"address"`
	Zone      Zone      `json:"zone"`
}

// NeighborTable holds at most one neighbor per direction. Entries are
// cached peer state and may be stale.
type NeighborTable struct {
	entries map[Direction]NeighborEntry
}

// NewNeighborTable creates an empty neighbor table
func NewNeighborTable() *NeighborTable {
	return &NeighborTable{entries: make(map[Direction]NeighborEntry, len(Directions))}
}

// AddNeighbor inserts or overwrites the entry for a direction
func (t *NeighborTable) AddNeighbor(d Direction, address string, zone Zone) {
	t.entries[d] = NeighborEntry{Direction: d, Address: address, Zone: zone}
}

// SetAddress updates the address of a direction entry, and its zone when
// one is given. The entry is created if it does not exist yet.
func (t *NeighborTable) SetAddress(d Direction, address string, zone *Zone) {
	entry, ok := t.entries[d]
	if !ok {
		entry = NeighborEntry{Direction: d}
	}
	entry.Address = address
	if zone != nil {
		entry.Zone = *zone
	}
	t.entries[d] = entry
}

// Neighbor returns the entry for a direction
func (t *NeighborTable) Neighbor(d Direction) (NeighborEntry, bool) {
	entry, ok := t.entries[d]
	return entry, ok
}

// Len returns the number of known neighbors
func (t *NeighborTable) Len() int {
	return len(t.entries)
}

// Neighbors returns a copy of the entries in direction order
func (t *NeighborTable) Neighbors() []NeighborEntry {
	out := make([]NeighborEntry, 0, len(t.entries))
	for _, d := range Directions {
		if entry, ok := t.entries[d]; ok {
			out = append(out, entry)
		}
	}
	return out
}

// NeighborForPoint returns the neighbor whose zone is closest to p on the
// torus. Ties go to the first direction in table order.
func (t *NeighborTable) NeighborForPoint(p Point) (NeighborEntry, bool) {
	var (
		best    NeighborEntry
		found   bool
		minDist = math.MaxFloat64
	)
	for _, d := range Directions {
		entry, ok := t.entries[d]
		if !ok {
			continue
		}
		if dist := DistanceToZone(p, entry.Zone); dist < minDist {
			minDist = dist
			best = entry
			found = true
		}
	}
	return best, found
}

func (t *NeighborTable) String() string {
	parts := make([]string, 0, len(t.entries))
	for _, entry := range t.Neighbors() {
		parts = append(parts, fmt.Sprintf("%s=%s %v", entry.Direction, entry.Address, entry.Zone))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
