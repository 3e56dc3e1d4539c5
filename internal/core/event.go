package core

import (
	"fmt"
	"strings"
)

// Event is a domain event emitted by a control plane component.
type Event struct {
	Source       string `json:"source,omitempty"`
	Category     string `json:"category,omitempty"`
	Type         string `json:"type,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	ResourceUUID string `json:"resource_uuid,omitempty"`
	Payload      []byte `json:"payload,omitempty"`
}

// Topic selects events by taxonomy. An empty field matches anything.
type Topic struct {
	Source       string `json:"source,omitempty" yaml:"source"`
	Category     string `json:"category,omitempty" yaml:"category"`
	Type         string `json:"type,omitempty" yaml:"type"`
	ResourceType string `json:"resource_type,omitempty" yaml:"resource_type"`
	ResourceUUID string `json:"resource_uuid,omitempty" yaml:"resource_uuid"`
}

// Fields returns the taxonomy values in routing order.
func (e Event) Fields() [5]string {
	return [5]string{e.Source, e.Category, e.Type, e.ResourceType, e.ResourceUUID}
}

// Fields returns the taxonomy values in routing order.
func (t Topic) Fields() [5]string {
	return [5]string{t.Source, t.Category, t.Type, t.ResourceType, t.ResourceUUID}
}

var fieldNames = [5]string{"source", "category", "type", "resource_type", "resource_uuid"}

// NewTopic builds a validated topic.
func NewTopic(source, category, typ, resourceType, resourceUUID string) (Topic, error) {
	t := Topic{
		Source:       source,
		Category:     category,
		Type:         typ,
		ResourceType: resourceType,
		ResourceUUID: resourceUUID,
	}
	return t, t.Validate()
}

// Validate rejects values that would be read as routing wildcards.
// A lone "*" is accepted and means the same as an empty field.
func (t Topic) Validate() error {
	for i, v := range t.Fields() {
		if v == "*" {
			continue
		}
		if strings.ContainsAny(v, "*#") {
			return fmt.Errorf("topic %s %q: wildcard characters are not allowed inside a value", fieldNames[i], v)
		}
	}
	return nil
}
