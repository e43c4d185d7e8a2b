// Package wire defines the messages exchanged between peers and their
// datagram encoding.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/can-dht/canpeer/pkg/node"
)

// MaxDatagramSize is the largest payload a single message may occupy. It is
// the largest UDP payload IPv4 can carry.
const MaxDatagramSize = 65507

// ErrMalformed is returned for payloads that are not a valid message
var ErrMalformed = errors.New("malformed message")

// Kind discriminates messages
type Kind string

const (
	KindJoin        Kind = "JOIN"
	KindSetKeyspace Kind = "SETKEYSPACE"
	KindSetAddress  Kind = "SET_ADDRESS"
	KindGet         Kind = "GET"
	KindPut         Kind = "PUT"
	KindAnswer      Kind = "ANSWER"
	KindState       Kind = "STATE"
)

// AnswerStatus classifies an answer
type AnswerStatus string

const (
	StatusOK       AnswerStatus = "ok"
	StatusNotFound AnswerStatus = "not_found"
	StatusNoRoute  AnswerStatus = "no_route"
	StatusRejected AnswerStatus = "rejected"
	StatusError    AnswerStatus = "error"
)

// Answer texts
const (
	TextStored       = "stored"
	TextNotFound     = "not found"
	TextNoRoute      = "no route"
	TextZoneTooSmall = "zone too small"
)

// StateReport is the diagnostic dump of a node
type StateReport struct {
	ID        string               `json:"id"`
	Address   string               `json:"address"`
	Zone      node.Zone            `json:"zone"`
	Neighbors []node.NeighborEntry `json:"neighbors"`
	StoreSize int                  `json:"store_size"`
	Splits    int                  `json:"splits"`
}

// Message is the envelope for every request and response. Which payload
// fields are set depends on Kind.
type Message struct {
	Kind      Kind   `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
	// Origin is the address of the original requester. Empty for
	// self-issued queries.
	Origin string `json:"origin,omitempty"`
	Hops   int    `json:"hops,omitempty"`

	// JOIN
	Target *node.Point `json:"target,omitempty"`

	// SETKEYSPACE and SET_ADDRESS
	Zone      *node.Zone           `json:"zone,omitempty"`
	Neighbors []node.NeighborEntry `json:"neighbors,omitempty"`
	Data      map[string]string    `json:"data,omitempty"`
	Direction node.Direction       `json:"direction,omitempty"`
	Address   string               `json:"address,omitempty"`

	// GET and PUT
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`

	// ANSWER
	Status AnswerStatus `json:"status,omitempty"`
	Text   string       `json:"text,omitempty"`
	State  *StateReport `json:"state,omitempty"`
}

func Join(target *node.Point) Message {
	return Message{Kind: KindJoin, Target: target}
}

func Get(key string) Message {
	return Message{Kind: KindGet, Key: key}
}

func Put(key, value string) Message {
	return Message{Kind: KindPut, Key: key, Value: value}
}

func State() Message {
	return Message{Kind: KindState}
}

// Answer builds an answer correlated with the request it answers
func Answer(req Message, status AnswerStatus, text string) Message {
	return Message{Kind: KindAnswer, RequestID: req.RequestID, Status: status, Text: text}
}

// Validate checks that a message carries the fields its kind requires
func (m Message) Validate() error {
	switch m.Kind {
	case KindState:
	case KindJoin:
		if m.Target != nil && !node.FullZone().Contains(*m.Target) {
			return fmt.Errorf("%w: join target %v outside the coordinate space", ErrMalformed, *m.Target)
		}
	case KindSetKeyspace:
		if m.Zone == nil {
			return fmt.Errorf("%w: %s without zone", ErrMalformed, m.Kind)
		}
		if err := m.Zone.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		for _, n := range m.Neighbors {
			if !n.Direction.Valid() || n.Address == "" {
				return fmt.Errorf("%w: bad neighbor %+v", ErrMalformed, n)
			}
			if err := n.Zone.Validate(); err != nil {
				return fmt.Errorf("%w: neighbor %s: %v", ErrMalformed, n.Address, err)
			}
		}
	case KindSetAddress:
		if !m.Direction.Valid() || m.Address == "" {
			return fmt.Errorf("%w: %s needs direction and address", ErrMalformed, m.Kind)
		}
		if m.Zone != nil {
			if err := m.Zone.Validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformed, err)
			}
		}
	case KindGet, KindPut:
		if m.Key == "" {
			return fmt.Errorf("%w: %s without key", ErrMalformed, m.Kind)
		}
	case KindAnswer:
		if m.Status == "" {
			return fmt.Errorf("%w: answer without status", ErrMalformed)
		}
	case "":
		return fmt.Errorf("%w: missing kind", ErrMalformed)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, m.Kind)
	}
	return nil
}

// Encode serializes a message for a single datagram
func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m.Kind, err)
	}
	if len(b) > MaxDatagramSize {
		return nil, fmt.Errorf("%s message of %d bytes exceeds datagram size", m.Kind, len(b))
	}
	return b, nil
}

// EntrySize is the number of bytes the pair adds to the data of a message
func EntrySize(key, value string) int {
	k, _ := json.Marshal(key)
	v, _ := json.Marshal(value)
	return len(k) + len(v) + 2
}

// Decode parses and validates a datagram payload
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
