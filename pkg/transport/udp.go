// Package transport carries datagrams between peers over UDP. Delivery and
// ordering are not guaranteed.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/can-dht/canpeer/pkg/wire"
)

// inboundBuffer is the number of datagrams queued ahead of the consumer
const inboundBuffer = 256

// Datagram is a received payload with the address it came from
type Datagram struct {
	Payload []byte
	From    string
}

// UDP is a datagram endpoint bound to a local address
type UDP struct {
	conn    *net.UDPConn
	inbound chan Datagram
	logger  logrus.FieldLogger

	closeOnce sync.Once
	done      chan struct{}
}

// ListenUDP binds addr and starts the read loop
func ListenUDP(addr string, logger logrus.FieldLogger) (*UDP, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	u := &UDP{
		conn:    conn,
		inbound: make(chan Datagram, inboundBuffer),
		logger:  logger.WithField("local", conn.LocalAddr().String()),
		done:    make(chan struct{}),
	}
	go u.readLoop()
	return u, nil
}

// Addr returns the bound local address
func (u *UDP) Addr() string {
	return u.conn.LocalAddr().String()
}

// Inbound returns the channel of received datagrams. It is closed when the
// endpoint is closed.
func (u *UDP) Inbound() <-chan Datagram {
	return u.inbound
}

// Send writes a single datagram to addr
func (u *UDP) Send(addr string, payload []byte) error {
	dst, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	if _, err := u.conn.WriteToUDP(payload, dst); err != nil {
		return fmt.Errorf("failed to send to %s: %w", addr, err)
	}
	return nil
}

// Close stops the read loop and releases the socket
func (u *UDP) Close() error {
	var err error
	u.closeOnce.Do(func() {
		close(u.done)
		err = u.conn.Close()
	})
	return err
}

func (u *UDP) readLoop() {
	defer close(u.inbound)

	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, src, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-u.done:
				return
			default:
			}
			u.logger.WithError(err).Warn("read failed")
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		select {
		case u.inbound <- Datagram{Payload: payload, From: src.String()}:
		case <-u.done:
			return
		default:
			// The network may drop datagrams anyway
			u.logger.WithField("from", src.String()).Warn("inbound queue full, dropping datagram")
		}
	}
}
