package policy

import (
	"maps"
	"time"
)

// Built-in field names resolved from Context attributes when Fields lacks them.
const (
	FieldRequesterID = "requester_id"
	FieldResource    = "resource"
	FieldOperation   = "operation"
	FieldTimestamp   = "timestamp"
	FieldTags        = "tags"
)

// Context is the input of one evaluation. Fields holds JSON-like values
// (strings, numbers, booleans, nil, []any and map[string]any).
type Context struct {
	Fields      map[string]any `json:"fields,omitempty" yaml:"fields"`
	RequesterID string         `json:"requester_id,omitempty" yaml:"requester_id"`
	Resource    string         `json:"resource,omitempty" yaml:"resource"`
	Operation   string         `json:"operation,omitempty" yaml:"operation"`
	Timestamp   time.Time      `json:"timestamp" yaml:"timestamp"`
	Tags        []string       `json:"tags,omitempty" yaml:"tags"`
}

// NewContext returns a context stamped with the current time.
func NewContext(requesterID, resource, operation string) Context {
	return Context{
		Fields:      make(map[string]any),
		RequesterID: requesterID,
		Resource:    resource,
		Operation:   operation,
		Timestamp:   time.Now(),
	}
}

// With returns a copy of c with field set to value.
func (c Context) With(field string, value any) Context {
	fields := make(map[string]any, len(c.Fields)+1)
	maps.Copy(fields, c.Fields)
	fields[field] = value
	c.Fields = fields
	c.Tags = append([]string(nil), c.Tags...)
	return c
}

// WithTags returns a copy of c carrying tags in addition to its own.
func (c Context) WithTags(tags ...string) Context {
	c.Fields = maps.Clone(c.Fields)
	c.Tags = append(append([]string(nil), c.Tags...), tags...)
	return c
}

// Lookup resolves field from Fields first and then from the built-in
// attributes. Empty built-ins count as absent.
func (c Context) Lookup(field string) (any, bool) {
	if value, ok := c.Fields[field]; ok {
		return value, true
	}

	switch field {
	case FieldRequesterID:
		return c.RequesterID, c.RequesterID != ""
	case FieldResource:
		return c.Resource, c.Resource != ""
	case FieldOperation:
		return c.Operation, c.Operation != ""
	case FieldTimestamp:
		if c.Timestamp.IsZero() {
			return nil, false
		}
		return float64(c.Timestamp.Unix()), true
	case FieldTags:
		if len(c.Tags) == 0 {
			return nil, false
		}
		tags := make([]any, len(c.Tags))
		for i, tag := range c.Tags {
			tags[i] = tag
		}
		return tags, true
	}
	return nil, false
}
