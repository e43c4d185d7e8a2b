package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/can-dht/canpeer/pkg/node"
	"github.com/can-dht/canpeer/pkg/routing"
	"github.com/can-dht/canpeer/pkg/storage"
	"github.com/can-dht/canpeer/pkg/transport"
	"github.com/can-dht/canpeer/pkg/wire"
)

const clientAddr = "client:1"

type datagram struct {
	from, to string
	payload  []byte
}

type received struct {
	from string
	msg  wire.Message
}

// testNetwork delivers datagrams between peers in FIFO order on the test
// goroutine, so every scenario is deterministic
type testNetwork struct {
	t      *testing.T
	config *Config
	queue  []datagram
	peers  map[string]*Peer
	stores map[string]*storage.MemoryStore
	inbox  map[string][]received
	order  []string
	logger *logrus.Logger
	hook   *test.Hook

	// limit is the largest datagram the network carries
	limit       int
	// unreachable addresses fail every send
	unreachable map[string]bool
}

type endpoint struct {
	net  *testNetwork
	addr string
}

func (e endpoint) Send(addr string, payload []byte) error {
	if len(payload) > e.net.limit {
		return fmt.Errorf("sendto %s: message too long (%d bytes)", addr, len(payload))
	}
	if e.net.unreachable[addr] {
		return errors.New("sendto " + addr + ": no route to host")
	}
	e.net.queue = append(e.net.queue, datagram{from: e.addr, to: addr, payload: payload})
	return nil
}

func newTestNetwork(t *testing.T, config *Config) *testNetwork {
	if config == nil {
		config = DefaultConfig()
	}
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return &testNetwork{
		t:      t,
		config: config,
		peers:  make(map[string]*Peer),
		stores: make(map[string]*storage.MemoryStore),
		inbox:  make(map[string][]received),
		logger: logger,
		hook:   hook,

		limit:       wire.MaxDatagramSize,
		unreachable: make(map[string]bool),
	}
}

func (n *testNetwork) addPeer(addr string) *Peer {
	n.t.Helper()
	store := storage.NewMemoryStore()
	p, err := NewPeer(addr, n.config, store, endpoint{net: n, addr: addr}, n.logger)
	require.NoError(n.t, err)
	n.peers[addr] = p
	n.stores[addr] = store
	n.order = append(n.order, addr)
	return p
}

func (n *testNetwork) deliver() {
	for len(n.queue) > 0 {
		dg := n.queue[0]
		n.queue = n.queue[1:]
		if p, ok := n.peers[dg.to]; ok {
			p.Handle(dg.payload, dg.from)
			continue
		}
		msg, err := wire.Decode(dg.payload)
		require.NoError(n.t, err)
		n.inbox[dg.to] = append(n.inbox[dg.to], received{from: dg.from, msg: msg})
	}
}

// join makes peer joiner join through entry and runs the network dry
func (n *testNetwork) join(joiner, entry string, target *node.Point) {
	n.t.Helper()
	require.NoError(n.t, n.peers[joiner].Join(entry, target))
	n.deliver()
}

// request sends msg from the client to a peer and returns the single answer
func (n *testNetwork) request(to string, msg wire.Message) received {
	n.t.Helper()
	n.inbox[clientAddr] = nil
	payload, err := wire.Encode(msg)
	require.NoError(n.t, err)
	require.NoError(n.t, endpoint{net: n, addr: clientAddr}.Send(to, payload))
	n.deliver()
	require.Len(n.t, n.inbox[clientAddr], 1, "expected exactly one answer for %s", msg.Kind)
	return n.inbox[clientAddr][0]
}

func (n *testNetwork) joined() []*Peer {
	var out []*Peer
	for i, addr := range n.order {
		p := n.peers[addr]
		if i == 0 || len(p.Neighbors()) > 0 {
			out = append(out, p)
		}
	}
	return out
}

func mapper(t *testing.T) *routing.KeyMapper {
	t.Helper()
	m, err := routing.NewKeyMapper(routing.DefaultSalt, routing.DefaultPepper)
	require.NoError(t, err)
	return m
}

// keyIn finds a key whose point lies inside zone
func keyIn(t *testing.T, zone node.Zone, prefix string) string {
	t.Helper()
	m := mapper(t)
	for i := 0; i < 10000; i++ {
		key := fmt.Sprintf("%s-%d", prefix, i)
		if zone.Contains(m.Map(key)) {
			return key
		}
	}
	t.Fatalf("no key found in %v", zone)
	return ""
}

func assertTiling(t *testing.T, peers []*Peer) {
	t.Helper()
	var area float64
	for i, a := range peers {
		area += a.Zone().Area()
		for _, b := range peers[i+1:] {
			require.False(t, a.Zone().Overlaps(b.Zone()), "%v overlaps %v", a.Zone(), b.Zone())
		}
	}
	require.InDelta(t, 1, area, 1e-9)

	for x := 0.005; x < 1; x += 0.031 {
		for y := 0.005; y < 1; y += 0.029 {
			owners := 0
			for _, p := range peers {
				if p.Zone().Contains(node.Point{X: x, Y: y}) {
					owners++
				}
			}
			require.Equal(t, 1, owners, "point (%v, %v)", x, y)
		}
	}
}

func TestNewPeer(t *testing.T) {
	store := storage.NewMemoryStore()
	sender := endpoint{net: newTestNetwork(t, nil), addr: "a"}

	p, err := NewPeer("a", nil, store, sender, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID())
	assert.Equal(t, node.FullZone(), p.Zone())
	assert.Empty(t, p.Neighbors())

	config := DefaultConfig()
	config.NodeID = "node-1"
	p, err = NewPeer("a", config, store, sender, nil)
	require.NoError(t, err)
	assert.Equal(t, "node-1", p.ID())

	_, err = NewPeer("", config, store, sender, nil)
	assert.Error(t, err)
	_, err = NewPeer("a", config, nil, sender, nil)
	assert.Error(t, err)

	bad := DefaultConfig()
	bad.Pepper = bad.Salt
	_, err = NewPeer("a", bad, store, sender, nil)
	assert.ErrorIs(t, err, routing.ErrSuffixes)
}

func TestSinglePeerPutGet(t *testing.T) {
	n := newTestNetwork(t, nil)
	n.addPeer("a:1")

	ans := n.request("a:1", wire.Put("k", "v"))
	assert.Equal(t, wire.StatusOK, ans.msg.Status)
	assert.Equal(t, wire.TextStored, ans.msg.Text)

	ans = n.request("a:1", wire.Get("k"))
	assert.Equal(t, wire.StatusOK, ans.msg.Status)
	assert.Equal(t, "v", ans.msg.Text)
}

func TestGetMissing(t *testing.T) {
	n := newTestNetwork(t, nil)
	n.addPeer("a:1")

	req := wire.Get("missing")
	req.RequestID = "req-1"
	ans := n.request("a:1", req)
	assert.Equal(t, wire.StatusNotFound, ans.msg.Status)
	assert.Equal(t, wire.TextNotFound, ans.msg.Text)
	assert.Equal(t, "req-1", ans.msg.RequestID)
}

func TestTwoPeerJoinRoutedGet(t *testing.T) {
	n := newTestNetwork(t, nil)
	a := n.addPeer("a:1")
	b := n.addPeer("b:1")
	n.join("b:1", "a:1", nil)

	assert.Equal(t, node.Zone{XMin: 0, XMax: 0.5, YMin: 0, YMax: 1}, a.Zone())
	assert.Equal(t, node.Zone{XMin: 0.5, XMax: 1, YMin: 0, YMax: 1}, b.Zone())

	// Both halves border each other through the wraparound as well
	for _, d := range []node.Direction{node.East, node.West} {
		entry, ok := a.neighbors.Neighbor(d)
		require.True(t, ok)
		assert.Equal(t, "b:1", entry.Address)
		entry, ok = b.neighbors.Neighbor(d)
		require.True(t, ok)
		assert.Equal(t, "a:1", entry.Address)
	}

	key := keyIn(t, b.Zone(), "remote")
	ans := n.request("a:1", wire.Put(key, "remote value"))
	assert.Equal(t, "b:1", ans.from, "the owner answers the client directly")
	assert.Equal(t, wire.TextStored, ans.msg.Text)

	ans = n.request("a:1", wire.Get(key))
	assert.Equal(t, "b:1", ans.from)
	assert.Equal(t, "remote value", ans.msg.Text)

	_, onA, _ := n.stores["a:1"].Get(key)
	assert.False(t, onA)
}

func TestJoinMigratesKeys(t *testing.T) {
	n := newTestNetwork(t, nil)
	a := n.addPeer("a:1")
	b := n.addPeer("b:1")

	values := make(map[string]string)
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%d", i)
		values[key] = fmt.Sprintf("value %d", i)
		require.Equal(t, wire.StatusOK, n.request("a:1", wire.Put(key, values[key])).msg.Status)
	}

	n.join("b:1", "a:1", nil)

	m := mapper(t)
	onA, _ := n.stores["a:1"].All()
	onB, _ := n.stores["b:1"].All()
	assert.Len(t, onA, len(values)-len(onB))
	assert.NotEmpty(t, onB)
	for key := range onA {
		assert.True(t, a.Zone().Contains(m.Map(key)))
	}
	for key := range onB {
		assert.True(t, b.Zone().Contains(m.Map(key)))
	}

	for key, value := range values {
		ans := n.request("a:1", wire.Get(key))
		assert.Equal(t, value, ans.msg.Text, key)
	}
}

func TestJoinRoutedToTargetOwner(t *testing.T) {
	n := newTestNetwork(t, nil)
	a := n.addPeer("a:1")
	b := n.addPeer("b:1")
	c := n.addPeer("c:1")
	n.join("b:1", "a:1", nil)

	target := node.Point{X: 0.75, Y: 0.75}
	n.join("c:1", "a:1", &target)

	assert.Equal(t, node.Zone{XMin: 0, XMax: 0.5, YMin: 0, YMax: 1}, a.Zone(), "the entry peer must not split")
	assert.Equal(t, node.Zone{XMin: 0.5, XMax: 1, YMin: 0, YMax: 0.5}, b.Zone())
	assert.Equal(t, node.Zone{XMin: 0.5, XMax: 1, YMin: 0.5, YMax: 1}, c.Zone())
	assert.True(t, c.Zone().Contains(target))
	assertTiling(t, []*Peer{a, b, c})

	// The granting peer borders the new one on both sides of the y axis
	for _, d := range []node.Direction{node.North, node.South} {
		entry, ok := b.neighbors.Neighbor(d)
		require.True(t, ok)
		assert.Equal(t, "c:1", entry.Address)
		assert.Equal(t, c.Zone(), entry.Zone)
	}

	// SET_ADDRESS fan-out reached the entry peer
	var seen bool
	for _, entry := range a.Neighbors() {
		if entry.Address == "c:1" {
			seen = true
			assert.Equal(t, c.Zone(), entry.Zone)
		}
	}
	assert.True(t, seen, "a must learn about c")

	// Lookups through the entry peer reach both remote owners
	for _, owner := range []*Peer{b, c} {
		key := keyIn(t, owner.Zone(), "owned")
		ans := n.request("a:1", wire.Put(key, "x"))
		assert.Equal(t, owner.Address(), ans.from)
		ans = n.request("a:1", wire.Get(key))
		assert.Equal(t, owner.Address(), ans.from)
		assert.Equal(t, "x", ans.msg.Text)
	}
}

func TestJoinZoneTooSmall(t *testing.T) {
	config := DefaultConfig()
	config.MinZoneSide = 0.3
	n := newTestNetwork(t, config)
	a := n.addPeer("a:1")
	n.addPeer("b:1")
	n.addPeer("c:1")
	d := n.addPeer("d:1")

	n.join("b:1", "a:1", nil)
	n.join("c:1", "a:1", nil)
	require.Equal(t, 2, a.Splits())
	before := a.Zone()

	n.hook.Reset()
	n.join("d:1", "a:1", nil)

	assert.Equal(t, before, a.Zone())
	assert.Equal(t, 2, a.Splits())
	assert.Equal(t, node.FullZone(), d.Zone())
	assert.Empty(t, d.Neighbors())

	var rejected bool
	for _, entry := range n.hook.AllEntries() {
		if entry.Message == "answer" && entry.Data["status"] == wire.StatusRejected {
			rejected = true
			assert.Equal(t, wire.TextZoneTooSmall, entry.Data["text"])
		}
	}
	assert.True(t, rejected, "the joining peer receives the rejection")
}

// isolate hands a peer the left half of the space without any neighbor
func isolate(n *testNetwork, addr string, zone node.Zone, neighbors ...node.NeighborEntry) {
	n.t.Helper()
	payload, err := wire.Encode(wire.Message{Kind: wire.KindSetKeyspace, Zone: &zone, Neighbors: neighbors})
	require.NoError(n.t, err)
	n.peers[addr].Handle(payload, "granter:1")
	n.queue = nil
}

func TestGetNoRoute(t *testing.T) {
	n := newTestNetwork(t, nil)
	n.addPeer("a:1")
	left := node.Zone{XMin: 0, XMax: 0.5, YMin: 0, YMax: 1}
	isolate(n, "a:1", left)

	key := keyIn(t, node.Zone{XMin: 0.5, XMax: 1, YMin: 0, YMax: 1}, "far")
	ans := n.request("a:1", wire.Get(key))
	assert.Equal(t, wire.StatusNoRoute, ans.msg.Status)
	assert.Equal(t, wire.TextNoRoute, ans.msg.Text)

	ans = n.request("a:1", wire.Put(key, "v"))
	assert.Equal(t, wire.StatusNoRoute, ans.msg.Status)
}

func TestHopLimit(t *testing.T) {
	config := DefaultConfig()
	config.MaxHops = 8
	n := newTestNetwork(t, config)
	n.addPeer("a:1")
	n.addPeer("b:1")

	// Stale tables: each side believes the other owns the upper right quarter
	isolate(n, "a:1", node.Zone{XMin: 0, XMax: 0.5, YMin: 0, YMax: 1},
		node.NeighborEntry{Direction: node.East, Address: "b:1", Zone: node.Zone{XMin: 0.5, XMax: 1, YMin: 0, YMax: 1}})
	isolate(n, "b:1", node.Zone{XMin: 0.5, XMax: 1, YMin: 0, YMax: 0.5},
		node.NeighborEntry{Direction: node.West, Address: "a:1", Zone: node.FullZone()})

	key := keyIn(t, node.Zone{XMin: 0.5, XMax: 1, YMin: 0.5, YMax: 1}, "lost")
	ans := n.request("a:1", wire.Get(key))
	assert.Equal(t, wire.StatusNoRoute, ans.msg.Status)
}

func TestSetKeyspaceNotifiesNeighbors(t *testing.T) {
	n := newTestNetwork(t, nil)
	p := n.addPeer("a:1")
	zone := node.Zone{XMin: 0.25, XMax: 0.5, YMin: 0.25, YMax: 0.5}
	key := keyIn(t, zone, "handed")

	payload, err := wire.Encode(wire.Message{
		Kind: wire.KindSetKeyspace,
		Zone: &zone,
		Neighbors: []node.NeighborEntry{
			{Direction: node.North, Address: "n:1", Zone: node.Zone{XMin: 0.25, XMax: 0.5, YMin: 0.5, YMax: 1}},
			{Direction: node.South, Address: "granter:1", Zone: node.Zone{XMin: 0.25, XMax: 0.5, YMin: 0, YMax: 0.25}},
			{Direction: node.West, Address: "w:1", Zone: node.Zone{XMin: 0, XMax: 0.25, YMin: 0, YMax: 1}},
		},
		Data: map[string]string{key: "v"},
	})
	require.NoError(t, err)
	p.Handle(payload, "granter:1")
	n.deliver()

	assert.Equal(t, zone, p.Zone())
	value, ok, _ := n.stores["a:1"].Get(key)
	assert.True(t, ok)
	assert.Equal(t, "v", value)
	assert.Len(t, p.Neighbors(), 3)
	assert.Empty(t, n.inbox["granter:1"], "the granting peer is not notified")

	require.Len(t, n.inbox["n:1"], 1)
	msg := n.inbox["n:1"][0].msg
	assert.Equal(t, wire.KindSetAddress, msg.Kind)
	assert.Equal(t, node.South, msg.Direction)
	assert.Equal(t, "a:1", msg.Address)
	assert.Equal(t, zone, *msg.Zone)

	require.Len(t, n.inbox["w:1"], 1)
	assert.Equal(t, node.East, n.inbox["w:1"][0].msg.Direction)
}

func TestSetAddress(t *testing.T) {
	n := newTestNetwork(t, nil)
	p := n.addPeer("a:1")
	zone := node.Zone{XMin: 0.5, XMax: 1, YMin: 0, YMax: 1}

	payload, err := wire.Encode(wire.Message{Kind: wire.KindSetAddress, Direction: node.East, Address: "e:1", Zone: &zone})
	require.NoError(t, err)
	p.Handle(payload, "e:1")

	entry, ok := p.neighbors.Neighbor(node.East)
	require.True(t, ok)
	assert.Equal(t, "e:1", entry.Address)
	assert.Equal(t, zone, entry.Zone)
	assert.Empty(t, n.queue, "SET_ADDRESS is never answered")
}

func TestRehomeAfterJoin(t *testing.T) {
	n := newTestNetwork(t, nil)
	a := n.addPeer("a:1")
	n.addPeer("b:1")

	// b stores keys while it still owns the whole space
	var keys []string
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("early-%d", i)
		keys = append(keys, key)
		require.Equal(t, wire.TextStored, n.request("b:1", wire.Put(key, "v")).msg.Text)
	}
	n.join("b:1", "a:1", nil)

	m := mapper(t)
	for _, key := range keys {
		_, onA, _ := n.stores["a:1"].Get(key)
		_, onB, _ := n.stores["b:1"].Get(key)
		assert.Equal(t, a.Zone().Contains(m.Map(key)), onA, key)
		assert.NotEqual(t, onA, onB, key)
	}
}

func TestJoinSendFailureKeepsZone(t *testing.T) {
	n := newTestNetwork(t, nil)
	a := n.addPeer("a:1")
	b := n.addPeer("b:1")

	key := keyIn(t, node.Zone{XMin: 0.5, XMax: 1, YMin: 0, YMax: 1}, "kept")
	require.Equal(t, wire.TextStored, n.request("a:1", wire.Put(key, "v")).msg.Text)

	n.unreachable["b:1"] = true
	n.join("b:1", "a:1", nil)

	assert.Equal(t, node.FullZone(), a.Zone())
	assert.Equal(t, 0, a.Splits())
	assert.Empty(t, a.Neighbors())
	assert.Equal(t, node.FullZone(), b.Zone())
	value, ok, _ := n.stores["a:1"].Get(key)
	assert.True(t, ok)
	assert.Equal(t, "v", value)

	// Once the joiner is reachable the split goes ahead
	n.unreachable["b:1"] = false
	n.join("b:1", "a:1", nil)
	assert.Equal(t, 1, a.Splits())
	_, ok, _ = n.stores["b:1"].Get(key)
	assert.True(t, ok)
}

func TestJoinHandoverLargerThanDatagram(t *testing.T) {
	n := newTestNetwork(t, nil)
	a := n.addPeer("a:1")
	b := n.addPeer("b:1")

	values := make(map[string]string)
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("bulk-%d", i)
		values[key] = fmt.Sprintf("%04d", i) + strings.Repeat("x", 996)
		require.Equal(t, wire.StatusOK, n.request("a:1", wire.Put(key, values[key])).msg.Status)
	}

	n.hook.Reset()
	n.join("b:1", "a:1", nil)

	require.Equal(t, 1, a.Splits())
	assert.Equal(t, node.Zone{XMin: 0.5, XMax: 1, YMin: 0, YMax: 1}, b.Zone())

	var moved int
	for _, entry := range n.hook.AllEntries() {
		if entry.Message == "split zone" {
			streamed, ok := entry.Data["streamed"].(int)
			require.True(t, ok)
			assert.Greater(t, streamed, 0, "pairs beyond one datagram are streamed")
			moved, _ = entry.Data["moved"].(int)
		}
	}
	require.Greater(t, moved*1000, wire.MaxDatagramSize)

	m := mapper(t)
	onB, _ := n.stores["b:1"].All()
	assert.Len(t, onB, moved)
	for key, value := range values {
		owner := "a:1"
		if b.Zone().Contains(m.Map(key)) {
			owner = "b:1"
		}
		got, ok, _ := n.stores[owner].Get(key)
		require.True(t, ok, "%s missing on %s", key, owner)
		assert.Equal(t, value, got)

		ans := n.request("a:1", wire.Get(key))
		assert.Equal(t, owner, ans.from)
		assert.Equal(t, value, ans.msg.Text)
	}
}

func TestPackHandover(t *testing.T) {
	zone := node.Zone{XMin: 0.5, XMax: 1, YMin: 0, YMax: 1}
	msg := wire.Message{Kind: wire.KindSetKeyspace, Origin: "a:1", Zone: &zone}

	pairs := make(map[string]string)
	for i := 0; i < 100; i++ {
		pairs[fmt.Sprintf("k%03d", i)] = strings.Repeat("v", 2000)
	}
	pairs["huge"] = strings.Repeat("h", wire.MaxDatagramSize)

	batch, rest, payload, err := packHandover(msg, pairs)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(payload), wire.MaxDatagramSize)
	assert.NotEmpty(t, batch)
	assert.Contains(t, rest, "huge")
	assert.Len(t, rest, len(pairs)-len(batch))

	decoded, err := wire.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, batch, decoded.Data)

	batch, rest, payload, err = packHandover(msg, nil)
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.Empty(t, rest)
	decoded, err = wire.Decode(payload)
	require.NoError(t, err)
	assert.Empty(t, decoded.Data)
}

func TestMalformedDropped(t *testing.T) {
	n := newTestNetwork(t, nil)
	p := n.addPeer("a:1")

	for _, payload := range []string{"", "GET k", `{"kind":"DELETE"}`, `{"kind":"SET_ADDRESS","direction":"left_address","address":"x"}`} {
		p.Handle([]byte(payload), clientAddr)
	}
	assert.Empty(t, n.queue)
	assert.Equal(t, node.FullZone(), p.Zone())
	assert.Empty(t, p.Neighbors())
	assert.NotEmpty(t, n.hook.AllEntries())
	assert.Equal(t, logrus.WarnLevel, n.hook.LastEntry().Level)
}

func TestStateAnswer(t *testing.T) {
	n := newTestNetwork(t, nil)
	n.addPeer("a:1")
	n.addPeer("b:1")
	n.join("b:1", "a:1", nil)
	n.request("a:1", wire.Put("k", "v"))

	ans := n.request("a:1", wire.State())
	require.NotNil(t, ans.msg.State)
	assert.Equal(t, "a:1", ans.msg.State.Address)
	assert.Equal(t, 1, ans.msg.State.Splits)
	assert.Len(t, ans.msg.State.Neighbors, 2)
	assert.GreaterOrEqual(t, ans.msg.State.StoreSize, 0)
}

func TestSelfIssuedQuery(t *testing.T) {
	n := newTestNetwork(t, nil)
	a := n.addPeer("a:1")
	b := n.addPeer("b:1")
	n.join("b:1", "a:1", nil)

	key := keyIn(t, b.Zone(), "self")
	require.NoError(t, a.Submit(wire.Put(key, "v")))
	n.deliver()

	// b answered a, which logs the answer
	value, ok, _ := n.stores["b:1"].Get(key)
	assert.True(t, ok)
	assert.Equal(t, "v", value)
	entry := n.hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "answer", entry.Message)
	assert.Equal(t, wire.TextStored, entry.Data["text"])

	assert.Error(t, a.Submit(wire.Message{Kind: wire.KindGet}))
}

func TestManyJoinsTile(t *testing.T) {
	n := newTestNetwork(t, nil)
	rng := rand.New(rand.NewSource(7))

	n.addPeer("peer:0")
	for i := 1; i < 48; i++ {
		addr := fmt.Sprintf("peer:%d", i)
		n.addPeer(addr)

		joined := n.joined()
		entry := joined[rng.Intn(len(joined))].Address()
		var target *node.Point
		if i%2 == 0 {
			target = &node.Point{X: rng.Float64(), Y: rng.Float64()}
		}
		n.join(addr, entry, target)
		assertTiling(t, n.joined())
	}
	require.Greater(t, len(n.joined()), 24)

	// Whoever serves a request owns the key's point. Greedy routing over one
	// neighbor per direction can bounce between two peers until the hop
	// limit; those requests end as no-route and stay a minority.
	const requests = 200
	m := mapper(t)
	joined := n.joined()
	noRoute := 0
	for i := 0; i < requests; i++ {
		key := fmt.Sprintf("key-%d", i)
		entry := joined[rng.Intn(len(joined))].Address()
		ans := n.request(entry, wire.Put(key, "v"))
		if ans.msg.Status == wire.StatusNoRoute {
			noRoute++
			continue
		}
		require.Equal(t, wire.StatusOK, ans.msg.Status)
		assert.True(t, n.peers[ans.from].Zone().Contains(m.Map(key)), "%s served by %s", key, ans.from)
	}
	rate := float64(noRoute) / requests
	t.Logf("no route for %d of %d requests", noRoute, requests)
	assert.Less(t, rate, 0.35, "no-route rate")
}

func TestRun(t *testing.T) {
	n := newTestNetwork(t, nil)
	p := n.addPeer("a:1")

	inbound := make(chan transport.Datagram, 1)
	payload, err := wire.Encode(wire.Put("k", "v"))
	require.NoError(t, err)
	inbound <- transport.Datagram{Payload: payload, From: clientAddr}
	close(inbound)

	require.NoError(t, p.Run(context.Background(), inbound))
	value, ok, _ := n.stores["a:1"].Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", value)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Run(ctx, make(chan transport.Datagram)), context.DeadlineExceeded)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cases := map[string]func(c *Config){
		"no listen":   func(c *Config) { c.ListenAddr = "" },
		"same suffix": func(c *Config) { c.Pepper = c.Salt },
		"zero floor":  func(c *Config) { c.MinZoneSide = 0 },
		"no hops":     func(c *Config) { c.MaxHops = 0 },
		"bad point":   func(c *Config) { c.JoinPoint = &node.Point{X: 1.5, Y: 0} },
		"no timeout":  func(c *Config) { c.RequestTimeout = 0 },
		"neg retries": func(c *Config) { c.RequestRetries = -1 },
		"huge floor":  func(c *Config) { c.MinZoneSide = math.Inf(1) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := DefaultConfig()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
