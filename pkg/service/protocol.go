package service

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/can-dht/canpeer/pkg/node"
	"github.com/can-dht/canpeer/pkg/wire"
)

// forward passes msg on to the neighbor closest to target. Requests that
// cannot be routed are answered with a no-route answer.
func (p *Peer) forward(msg wire.Message, target node.Point) {
	log := p.logger.WithFields(logrus.Fields{"kind": msg.Kind, "target": target, "hops": msg.Hops})

	if msg.Hops >= p.config.MaxHops {
		log.Warn("hop limit reached")
		p.reply(msg, wire.Answer(msg, wire.StatusNoRoute, wire.TextNoRoute))
		return
	}
	next, ok := p.neighbors.NeighborForPoint(target)
	if !ok {
		log.Warn("no neighbour found")
		p.reply(msg, wire.Answer(msg, wire.StatusNoRoute, wire.TextNoRoute))
		return
	}

	msg.Hops++
	log.WithField("next", next.Address).Debug("forwarding")
	p.send(next.Address, msg)
}

func (p *Peer) handleJoin(msg wire.Message) {
	joiner := msg.Origin
	if joiner == "" || joiner == p.address {
		p.logger.Warn("ignoring join without a joining peer")
		return
	}
	log := p.logger.WithField("joiner", joiner)

	if msg.Target != nil && !p.zone.Contains(*msg.Target) {
		p.forward(msg, *msg.Target)
		return
	}

	lower, upper, axis, err := p.zone.Subdivide(p.tieAxis(), p.config.MinZoneSide)
	if err != nil {
		log.WithError(err).Warn("rejecting join")
		p.reply(msg, wire.Answer(msg, wire.StatusRejected, wire.TextZoneTooSmall))
		return
	}

	grantedUpper := msg.Target == nil || upper.Contains(*msg.Target)
	retained, granted := lower, upper
	if !grantedUpper {
		retained, granted = upper, lower
	}
	side := node.SplitDirection(axis, grantedUpper)
	// A zone spanning the whole split axis touches itself through the
	// wraparound, so both halves border each other on two sides
	wraps := p.zone.SpansAxis(axis)
	facing := func(d node.Direction) bool {
		return d == side || (wraps && d == side.Opposite())
	}

	handover, err := p.keysIn(granted)
	if err != nil {
		log.WithError(err).Error("failed to collect keys for the joining node")
		p.reply(msg, wire.Answer(msg, wire.StatusError, err.Error()))
		return
	}

	neighbors := make([]node.NeighborEntry, 0, len(node.Directions))
	for _, d := range node.Directions {
		if d == side.Opposite() || (wraps && d == side) {
			neighbors = append(neighbors, node.NeighborEntry{Direction: d, Address: p.address, Zone: retained})
			continue
		}
		if entry, ok := p.neighbors.Neighbor(d); ok {
			neighbors = append(neighbors, entry)
		}
	}

	reply := wire.Message{
		Kind:      wire.KindSetKeyspace,
		RequestID: msg.RequestID,
		Origin:    p.address,
		Zone:      &granted,
		Neighbors: neighbors,
	}
	batch, rest, payload, err := packHandover(reply, handover)
	if err != nil {
		log.WithError(err).Error("rejecting join")
		p.reply(msg, wire.Answer(msg, wire.StatusError, err.Error()))
		return
	}

	// Nothing changes until the joiner has been sent its zone
	if err := p.sender.Send(joiner, payload); err != nil {
		log.WithError(err).Error("failed to send keyspace, rejecting join")
		p.reply(msg, wire.Answer(msg, wire.StatusError, err.Error()))
		return
	}

	// Neighbors that keep bordering the retained half learn its new extent
	previous := p.neighbors.Neighbors()

	p.zone = retained
	p.splits++
	p.neighbors.AddNeighbor(side, joiner, granted)
	if wraps {
		p.neighbors.AddNeighbor(side.Opposite(), joiner, granted)
	}
	for key := range batch {
		p.dropKey(key)
	}

	// Pairs that did not fit follow as plain PUTs; a pair stays here if it
	// cannot be sent
	for _, key := range rest {
		out, err := wire.Encode(wire.Put(key, handover[key]))
		if err == nil {
			err = p.sender.Send(joiner, out)
		}
		if err != nil {
			log.WithError(err).WithField("key", key).Error("failed to hand over key")
			continue
		}
		p.dropKey(key)
	}

	for _, entry := range previous {
		if facing(entry.Direction) {
			continue
		}
		p.send(entry.Address, wire.Message{
			Kind:      wire.KindSetAddress,
			Direction: entry.Direction.Opposite(),
			Address:   p.address,
			Zone:      &retained,
		})
	}

	log.WithFields(logrus.Fields{
		"zone":     p.zone,
		"granted":  granted,
		"axis":     axis,
		"side":     side,
		"moved":    len(handover),
		"streamed": len(rest),
	}).Info("split zone")
}

// handoverSlack covers the data field's own framing
const handoverSlack = 32

// packHandover fills the data of a SETKEYSPACE with as many pairs as fit in
// one datagram. It returns the packed pairs, the keys left over in key order
// and the encoded message.
func packHandover(msg wire.Message, pairs map[string]string) (map[string]string, []string, []byte, error) {
	base, err := wire.Encode(msg)
	if err != nil {
		return nil, nil, nil, err
	}

	keys := make([]string, 0, len(pairs))
	for key := range pairs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	budget := wire.MaxDatagramSize - len(base) - handoverSlack
	batch := make(map[string]string)
	var rest []string
	for _, key := range keys {
		size := wire.EntrySize(key, pairs[key])
		if size > budget {
			rest = append(rest, key)
			continue
		}
		budget -= size
		batch[key] = pairs[key]
	}
	if len(batch) == 0 {
		return batch, rest, base, nil
	}

	msg.Data = batch
	payload, err := wire.Encode(msg)
	if err != nil {
		return nil, nil, nil, err
	}
	return batch, rest, payload, nil
}

func (p *Peer) dropKey(key string) {
	if err := p.store.Delete(key); err != nil {
		p.logger.WithError(err).WithField("key", key).Error("failed to drop handed over key")
	}
}

// keysIn returns the stored pairs whose keys map into zone
func (p *Peer) keysIn(zone node.Zone) (map[string]string, error) {
	all, err := p.store.All()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	moved := make(map[string]string)
	for key, value := range all {
		if zone.Contains(p.mapper.Map(key)) {
			moved[key] = value
		}
	}
	return moved, nil
}

func (p *Peer) handleSetKeyspace(msg wire.Message) {
	p.zone = *msg.Zone
	p.neighbors = node.NewNeighborTable()
	for _, entry := range msg.Neighbors {
		p.neighbors.AddNeighbor(entry.Direction, entry.Address, entry.Zone)
	}

	for key, value := range msg.Data {
		if err := p.store.Put(key, value); err != nil {
			p.logger.WithError(err).WithField("key", key).Error("failed to store handed over key")
		}
	}

	zone := p.zone
	for _, entry := range msg.Neighbors {
		if entry.Address == msg.Origin {
			// The granting peer already knows the new zone
			continue
		}
		p.send(entry.Address, wire.Message{
			Kind:      wire.KindSetAddress,
			Direction: entry.Direction.Opposite(),
			Address:   p.address,
			Zone:      &zone,
		})
	}

	p.logger.WithFields(logrus.Fields{
		"zone":      p.zone,
		"neighbors": p.neighbors,
		"received":  len(msg.Data),
	}).Info("joined network")

	p.rehome()
}

// rehome re-inserts keys that no longer map into the local zone through the
// network, e.g. values written while the peer was still on its own
func (p *Peer) rehome() {
	all, err := p.store.All()
	if err != nil {
		p.logger.WithError(err).Error("failed to list keys")
		return
	}
	for key, value := range all {
		if p.zone.Contains(p.mapper.Map(key)) {
			continue
		}
		if err := p.store.Delete(key); err != nil {
			p.logger.WithError(err).WithField("key", key).Error("failed to drop foreign key")
			continue
		}
		p.dispatch(wire.Put(key, value))
	}
}

func (p *Peer) handleSetAddress(msg wire.Message) {
	p.neighbors.SetAddress(msg.Direction, msg.Address, msg.Zone)
	p.logger.WithFields(logrus.Fields{
		"direction": msg.Direction,
		"neighbor":  msg.Address,
	}).Debug("updated neighbour")
}

func (p *Peer) handleGet(msg wire.Message) {
	point := p.mapper.Map(msg.Key)
	if !p.zone.Contains(point) {
		p.forward(msg, point)
		return
	}

	value, ok, err := p.store.Get(msg.Key)
	switch {
	case err != nil:
		p.logger.WithError(err).WithField("key", msg.Key).Error("get failed")
		p.reply(msg, wire.Answer(msg, wire.StatusError, err.Error()))
	case !ok:
		p.reply(msg, wire.Answer(msg, wire.StatusNotFound, wire.TextNotFound))
	default:
		p.reply(msg, wire.Answer(msg, wire.StatusOK, value))
	}
}

func (p *Peer) handlePut(msg wire.Message) {
	point := p.mapper.Map(msg.Key)
	if !p.zone.Contains(point) {
		p.forward(msg, point)
		return
	}

	if err := p.store.Put(msg.Key, msg.Value); err != nil {
		p.logger.WithError(err).WithField("key", msg.Key).Error("put failed")
		p.reply(msg, wire.Answer(msg, wire.StatusError, err.Error()))
		return
	}
	p.logger.WithField("key", msg.Key).Debug("stored key")
	p.reply(msg, wire.Answer(msg, wire.StatusOK, wire.TextStored))
}

func (p *Peer) handleAnswer(msg wire.Message) {
	p.logger.WithFields(logrus.Fields{
		"request_id": msg.RequestID,
		"status":     msg.Status,
		"text":       msg.Text,
	}).Info("answer")
}

func (p *Peer) handleState(msg wire.Message) {
	report := p.Report()
	p.logger.WithFields(logrus.Fields{
		"zone":      report.Zone,
		"neighbors": p.neighbors,
		"keys":      report.StoreSize,
		"splits":    report.Splits,
	}).Info("state")

	if msg.Origin == "" {
		return
	}
	ans := wire.Answer(msg, wire.StatusOK, fmt.Sprintf("zone %v, %d neighbours, %d keys",
		report.Zone, len(report.Neighbors), report.StoreSize))
	ans.State = &report
	p.send(msg.Origin, ans)
}
