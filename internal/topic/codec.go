// Package topic converts the five-field event taxonomy into AMQP routing and
// binding keys of the form source.category.type.resourceType.resourceUUID.
//
// Dots inside a value are replaced with hyphens before encoding, so values
// that differ only in dot/hyphen usage produce the same key. Decoding does
// not try to restore the dots.
package topic

import (
	"errors"
	"fmt"
	"strings"

	"cloud-eventbus/internal/core"
)

const (
	// Wildcard matches exactly one segment.
	Wildcard = "*"
	// MultiWildcard matches zero or more segments.
	MultiWildcard = "#"

	separator = "."
	segments  = 5
)

// ErrMalformedKey is returned by Decode for keys without exactly five segments.
var ErrMalformedKey = errors.New("topic: malformed routing key")

// Fields holds the decoded segments of a routing key.
type Fields struct {
	Source       string
	Category     string
	Type         string
	ResourceType string
	ResourceUUID string
}

// Segment encodes a single taxonomy value.
func Segment(v string) string {
	if v == "" {
		return Wildcard
	}
	return strings.ReplaceAll(v, separator, "-")
}

// RoutingKey encodes an event for publishing.
func RoutingKey(e core.Event) string {
	return build(e.Fields())
}

// BindingKey encodes a topic for queue binding.
func BindingKey(t core.Topic) string {
	return build(t.Fields())
}

func build(values [segments]string) string {
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteString(separator)
		}
		b.WriteString(Segment(v))
	}
	return b.String()
}

// Decode splits a routing key into its five fields.
func Decode(key string) (Fields, error) {
	parts := strings.Split(key, separator)
	if len(parts) != segments {
		return Fields{}, fmt.Errorf("%w: %q has %d segments", ErrMalformedKey, key, len(parts))
	}
	return Fields{
		Source:       parts[0],
		Category:     parts[1],
		Type:         parts[2],
		ResourceType: parts[3],
		ResourceUUID: parts[4],
	}, nil
}

// Event builds an event carrying the decoded fields and the given payload.
func (f Fields) Event(payload []byte) core.Event {
	return core.Event{
		Source:       f.Source,
		Category:     f.Category,
		Type:         f.Type,
		ResourceType: f.ResourceType,
		ResourceUUID: f.ResourceUUID,
		Payload:      payload,
	}
}
