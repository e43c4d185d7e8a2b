package routing

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/can-dht/canpeer/pkg/node"
)

// Default suffixes shared by every node of a network
const (
	DefaultSalt   = "can-dht/x"
	DefaultPepper = "can-dht/y"
)

// ErrSuffixes is returned when the per-axis suffixes cannot separate the axes
var ErrSuffixes = errors.New("salt and pepper must be non-empty and distinct")

// 2^53, the number of distinct doubles in [0,1) with a uniform spacing
const mantissaScale = 1 << 53

// KeyMapper maps keys to points of the coordinate space
type KeyMapper struct {
	salt   string
	pepper string
}

// NewKeyMapper creates a key mapper. The salt seeds the x axis and the
// pepper the y axis; all nodes of a network must use the same pair.
func NewKeyMapper(salt, pepper string) (*KeyMapper, error) {
	if salt == "" || pepper == "" || salt == pepper {
		return nil, ErrSuffixes
	}
	return &KeyMapper{salt: salt, pepper: pepper}, nil
}

// Map converts a key to a point in [0,1)x[0,1)
func (m *KeyMapper) Map(key string) node.Point {
	return node.Point{
		X: unitInterval(key + m.salt),
		Y: unitInterval(key + m.pepper),
	}
}

// unitInterval hashes s and keeps the top 53 bits of the digest so the
// division is exact and never rounds up to 1
func unitInterval(s string) float64 {
	sum := sha256.Sum256([]byte(s))
	v := binary.BigEndian.Uint64(sum[:8]) >> 11
	return float64(v) / mantissaScale
}
