package types

import (
	"encoding/hex"
	"math/big"
	"strconv"
)

// Event represents a typed event emitted during state transitions.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// NewEvent returns an event of the given type with an empty attribute set.
func NewEvent(eventType string) *Event {
	return &Event{Type: eventType, Attributes: make(map[string]string)}
}

// With sets a string attribute and returns the event for chaining.
func (e *Event) With(key, value string) *Event {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithHex stores the value as 0x-prefixed lowercase hex.
func (e *Event) WithHex(key string, value []byte) *Event {
	return e.With(key, "0x"+hex.EncodeToString(value))
}

// WithAmount stores a decimal amount; nil renders as "0".
func (e *Event) WithAmount(key string, value *big.Int) *Event {
	if value == nil {
		return e.With(key, "0")
	}
	return e.With(key, value.String())
}

// WithInt stores a base-10 integer attribute.
func (e *Event) WithInt(key string, value int64) *Event {
	return e.With(key, strconv.FormatInt(value, 10))
}
