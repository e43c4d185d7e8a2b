package service

import (
	"fmt"
	"time"

	"github.com/can-dht/canpeer/pkg/node"
	"github.com/can-dht/canpeer/pkg/routing"
)

// Config holds the configuration of a CAN peer
type Config struct {
	// NodeID identifies the node in logs and state reports
	NodeID string
	// ListenAddr is the UDP address the peer binds
	ListenAddr string
	// JoinAddr is a known peer to join through; empty starts a new network
	JoinAddr string
	// JoinPoint is the point the joining node asks to own; nil picks one at random
	JoinPoint *node.Point

	// Salt and Pepper seed the key mapper. They are shared by the whole network.
	Salt   string
	Pepper string

	// MinZoneSide is the resolution floor below which zones are never split
	MinZoneSide float64
	// MaxHops bounds how often a single request is forwarded
	MaxHops int

	// DataDir enables the badger store when set; otherwise data lives in memory
	DataDir string

	// HTTPAddr and GRPCAddr enable the client gateways when set
	HTTPAddr string
	GRPCAddr string

	// RequestTimeout and RequestRetries drive the gateway's client
	RequestTimeout time.Duration
	RequestRetries int
}

// DefaultConfig returns a default configuration for a CAN peer
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     "127.0.0.1:7000",
		Salt:           routing.DefaultSalt,
		Pepper:         routing.DefaultPepper,
		MinZoneSide:    node.DefaultMinSide,
		MaxHops:        64,
		RequestTimeout: 2 * time.Second,
		RequestRetries: 2,
	}
}

// Validate checks the configuration for values the peer cannot work with
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Salt == "" || c.Pepper == "" || c.Salt == c.Pepper {
		return routing.ErrSuffixes
	}
	if c.MinZoneSide <= 0 || c.MinZoneSide >= 0.5 {
		return fmt.Errorf("min zone side %v must be in (0, 0.5)", c.MinZoneSide)
	}
	if c.MaxHops < 1 {
		return fmt.Errorf("max hops must be positive, got %d", c.MaxHops)
	}
	if c.JoinPoint != nil && !node.FullZone().Contains(*c.JoinPoint) {
		return fmt.Errorf("join point %v outside the coordinate space", *c.JoinPoint)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.RequestRetries < 0 {
		return fmt.Errorf("request retries must not be negative")
	}
	return nil
}
