package broker

import (
	"strconv"
	"time"

	"github.com/maxpert/quarry/encoding"
)

// Message is what a producer stores; it is kept as one log record
type Message struct {
	ID          string            `msgpack:"i"`
	Destination string            `msgpack:"d"`
	Headers     map[string]string `msgpack:"h,omitempty"`
	Body        []byte            `msgpack:"b"`
	Timestamp   int64             `msgpack:"t"`
}

func encodeMessage(m *Message) ([]byte, error) {
	return encoding.Marshal(m)
}

func decodeMessage(raw []byte) (*Message, error) {
	var m Message
	if err := encoding.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Delivery is one dispatch of a message to a subscription
type Delivery struct {
	Subscription    string
	ID              uint64 // per-subscription, strictly increasing
	Key             string
	Seq             uint64
	Message         *Message
	Redelivered     bool
	RedeliveryCount int
	DispatchedAt    time.Time
}

// MessageID is the ack handle: "<subscription>:<delivery>"
func (d *Delivery) MessageID() string {
	return FormatMessageID(d.Subscription, d.ID)
}

func FormatMessageID(sub string, delivery uint64) string {
	return sub + ":" + strconv.FormatUint(delivery, 10)
}

// ParseMessageID splits an ack handle. Subscription ids may contain ':'; the
// delivery id is the part after the last one.
func ParseMessageID(s string) (string, uint64, bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] != ':' {
			continue
		}
		n, err := strconv.ParseUint(s[i+1:], 10, 64)
		if err != nil || i == 0 {
			return "", 0, false
		}
		return s[:i], n, true
	}
	return "", 0, false
}
