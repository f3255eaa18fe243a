package broker

import (
	"fmt"
	"strings"

	"github.com/maxpert/quarry/db"
)

// DestinationKind is the addressing family of a destination
type DestinationKind string

const (
	KindQueue DestinationKind = "queue"
	KindTopic DestinationKind = "topic"
)

// Destination names where producers send and consumers subscribe.
// Topics are stored like queues: one index per destination.
type Destination struct {
	Kind DestinationKind
	Name string
}

// ParseDestination accepts "/queue/<name>" and "/topic/<name>"
func ParseDestination(s string) (Destination, error) {
	var d Destination
	switch {
	case strings.HasPrefix(s, "/queue/"):
		d = Destination{Kind: KindQueue, Name: s[len("/queue/"):]}
	case strings.HasPrefix(s, "/topic/"):
		d = Destination{Kind: KindTopic, Name: s[len("/topic/"):]}
	default:
		return Destination{}, fmt.Errorf("%w: %q", ErrInvalidDestination, s)
	}

	if err := db.ValidateIndexName(d.IndexName()); err != nil || d.Name == "" {
		return Destination{}, fmt.Errorf("%w: %q", ErrInvalidDestination, s)
	}
	return d, nil
}

// IndexName is the store index backing the destination: /queue/orders -> queue.orders
func (d Destination) IndexName() string {
	return string(d.Kind) + "." + d.Name
}

func (d Destination) String() string {
	return "/" + string(d.Kind) + "/" + d.Name
}
