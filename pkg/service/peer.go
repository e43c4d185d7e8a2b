package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/can-dht/canpeer/pkg/node"
	"github.com/can-dht/canpeer/pkg/routing"
	"github.com/can-dht/canpeer/pkg/storage"
	"github.com/can-dht/canpeer/pkg/transport"
	"github.com/can-dht/canpeer/pkg/wire"
)

// Sender delivers a datagram to a peer. Sends are fire-and-forget.
type Sender interface {
	Send(addr string, payload []byte) error
}

// Peer is a CAN node: it owns one zone, one neighbor table and the data
// whose keys map into its zone, and it drives the join and lookup protocol.
//
// A Peer is not safe for concurrent use. All messages are handled on the
// goroutine running Run, one at a time in arrival order.
type Peer struct {
	id      string
	address string
	config  *Config

	zone      node.Zone
	neighbors *node.NeighborTable
	store     storage.Store
	splits    int

	mapper *routing.KeyMapper
	sender Sender
	logger logrus.FieldLogger
}

// NewPeer creates an unjoined peer that owns the entire coordinate space.
// address is the address other peers use to reach it.
func NewPeer(address string, config *Config, store storage.Store, sender Sender, logger logrus.FieldLogger) (*Peer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if address == "" {
		return nil, fmt.Errorf("peer address is required")
	}
	if store == nil || sender == nil {
		return nil, fmt.Errorf("store and sender are required")
	}

	mapper, err := routing.NewKeyMapper(config.Salt, config.Pepper)
	if err != nil {
		return nil, err
	}

	id := config.NodeID
	if id == "" {
		id = uuid.New().String()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Peer{
		id:        id,
		address:   address,
		config:    config,
		zone:      node.FullZone(),
		neighbors: node.NewNeighborTable(),
		store:     store,
		mapper:    mapper,
		sender:    sender,
		logger:    logger.WithFields(logrus.Fields{"node": id, "addr": address}),
	}, nil
}

// ID returns the node identifier
func (p *Peer) ID() string { return p.id }

// Address returns the address the peer is reachable at
func (p *Peer) Address() string { return p.address }

// Zone returns the zone the peer currently owns
func (p *Peer) Zone() node.Zone { return p.zone }

// Neighbors returns the current neighbor entries
func (p *Peer) Neighbors() []node.NeighborEntry { return p.neighbors.Neighbors() }

// Splits returns how many times the peer split its zone
func (p *Peer) Splits() int { return p.splits }

// Report builds the diagnostic state dump
func (p *Peer) Report() wire.StateReport {
	size, err := p.store.Len()
	if err != nil {
		p.logger.WithError(err).Warn("failed to count stored keys")
		size = -1
	}
	return wire.StateReport{
		ID:        p.id,
		Address:   p.address,
		Zone:      p.zone,
		Neighbors: p.neighbors.Neighbors(),
		StoreSize: size,
		Splits:    p.splits,
	}
}

// Run handles inbound datagrams until ctx is done or the channel closes
func (p *Peer) Run(ctx context.Context, inbound <-chan transport.Datagram) error {
	p.logger.WithField("zone", p.zone).Info("peer loop started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case dg, ok := <-inbound:
			if !ok {
				return nil
			}
			p.Handle(dg.Payload, dg.From)
		}
	}
}

// Handle decodes and processes a single datagram received from `from`.
// Malformed messages are logged and dropped.
func (p *Peer) Handle(payload []byte, from string) {
	msg, err := wire.Decode(payload)
	if err != nil {
		p.logger.WithError(err).WithField("from", from).Warn("dropping message")
		return
	}
	if msg.Origin == "" {
		msg.Origin = from
	}
	p.logger.WithFields(logrus.Fields{
		"kind":   msg.Kind,
		"from":   from,
		"origin": msg.Origin,
		"hops":   msg.Hops,
	}).Debug("received message")
	p.dispatch(msg)
}

// Submit handles a self-issued query; its answer is logged. It must be
// called from the goroutine that runs the peer loop, or before Run.
func (p *Peer) Submit(msg wire.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	msg.Origin = ""
	p.dispatch(msg)
	return nil
}

// Join asks the peer at entry to hand over part of its zone. With a
// target the zone containing that point is split.
func (p *Peer) Join(entry string, target *node.Point) error {
	msg := wire.Join(target)
	msg.RequestID = uuid.New().String()
	msg.Origin = p.address

	payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	p.logger.WithFields(logrus.Fields{"entry": entry, "target": target}).Info("sending join")
	if err := p.sender.Send(entry, payload); err != nil {
		return fmt.Errorf("failed to send join to %s: %w", entry, err)
	}
	return nil
}

// dispatch is the boundary every handler failure stops at
func (p *Peer) dispatch(msg wire.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{"kind": msg.Kind, "panic": r}).Error("handler failed")
		}
	}()

	switch msg.Kind {
	case wire.KindJoin:
		p.handleJoin(msg)
	case wire.KindSetKeyspace:
		p.handleSetKeyspace(msg)
	case wire.KindSetAddress:
		p.handleSetAddress(msg)
	case wire.KindGet:
		p.handleGet(msg)
	case wire.KindPut:
		p.handlePut(msg)
	case wire.KindAnswer:
		p.handleAnswer(msg)
	case wire.KindState:
		p.handleState(msg)
	default:
		p.logger.WithField("kind", msg.Kind).Warn("unrecognized message")
	}
}

// send encodes and delivers a message, logging failures
func (p *Peer) send(addr string, msg wire.Message) {
	payload, err := wire.Encode(msg)
	if err != nil {
		p.logger.WithError(err).WithField("to", addr).Error("failed to encode message")
		return
	}
	p.sendPayload(addr, msg.Kind, payload)
}

func (p *Peer) sendPayload(addr string, kind wire.Kind, payload []byte) {
	if err := p.sender.Send(addr, payload); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{"to": addr, "kind": kind}).Warn("send failed")
	}
}

// reply answers the original requester of req, or logs the answer when the
// request was self-issued
func (p *Peer) reply(req wire.Message, ans wire.Message) {
	if req.Origin == "" {
		p.handleAnswer(ans)
		return
	}
	p.send(req.Origin, ans)
}

func (p *Peer) tieAxis() node.Axis {
	if p.splits%2 == 1 {
		return node.AxisY
	}
	return node.AxisX
}
