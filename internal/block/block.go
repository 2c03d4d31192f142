// Package block defines the JSON block protocol: the four block types
// exchanged with subscribers, their routing predicates, and order-preserving
// parsing.
package block

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Block types.
const (
	TypeMonitor = "monitor"
	TypeCode    = "code"
	TypeData    = "data"
	TypeDelete  = "delete"
)

// Keys injected by the runtime into outgoing monitor blocks. Everything else
// from the inbound block is echoed verbatim.
var reservedKeys = map[string]bool{
	"root":         true,
	"update":       true,
	"quiet":        true,
	"updatetopics": true,
	"rename":       true,
	"value":        true,
}

// ProtocolError reports a malformed block.
type ProtocolError struct {
	Block   string // block name when known
	Message string
	Cause   error
}

func (e *ProtocolError) Error() string {
	if e.Block == "" {
		return fmt.Sprintf("protocol error: %s", e.Message)
	}
	return fmt.Sprintf("protocol error in block %q: %s", e.Block, e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// StringList accepts a JSON string or array of strings.
type StringList []string

// UnmarshalJSON decodes either form.
func (s *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or array of strings, got %s", data)
	}
	*s = StringList(many)
	return nil
}

// MarshalJSON encodes a single element as a bare string.
func (s StringList) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

// Contains reports membership.
func (s StringList) Contains(v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}

// Block is one protocol message. Parsed fields drive routing and the monitor
// manager; Extra carries every non-reserved inbound key in original order so
// outgoing blocks can echo them verbatim.
type Block struct {
	Type   string
	Name   string
	Origin string

	Topics  StringList
	Targets StringList
	Tags    StringList

	// Monitor fields.
	Root         string
	Update       float64 // seconds; 0 means the connection default
	HasUpdate    bool
	Quiet        bool
	Disabled     bool
	UpdateTopics StringList
	Rename       string

	// Code fields.
	Language string
	Return   bool

	// Value is the decoded payload. For JSON objects ValueOrder records the
	// textual key order, which monitor data keys must preserve.
	Value      interface{}
	ValueOrder []string
	HasValue   bool

	// Extra holds all non-reserved keys as raw JSON, in inbound order.
	Extra *OrderedMap[json.RawMessage]

	// Raw is the original block text, kept for deduplication.
	Raw json.RawMessage
}

// UnmarshalJSON decodes a block, preserving unknown keys and value order.
func (b *Block) UnmarshalJSON(data []byte) error {
	*b = Block{Raw: append(json.RawMessage(nil), data...)}
	b.Extra = NewOrderedMap[json.RawMessage]()

	var fields OrderedMap[json.RawMessage]
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var err error
	fields.Each(func(key string, raw json.RawMessage) bool {
		switch key {
		case "type":
			err = json.Unmarshal(raw, &b.Type)
		case "name":
			err = json.Unmarshal(raw, &b.Name)
		case "origin":
			err = json.Unmarshal(raw, &b.Origin)
		case "topics":
			err = json.Unmarshal(raw, &b.Topics)
		case "targets":
			err = json.Unmarshal(raw, &b.Targets)
		case "tags":
			err = json.Unmarshal(raw, &b.Tags)
		case "root":
			err = json.Unmarshal(raw, &b.Root)
		case "update":
			err = json.Unmarshal(raw, &b.Update)
			b.HasUpdate = err == nil
		case "quiet":
			err = json.Unmarshal(raw, &b.Quiet)
		case "disabled":
			err = json.Unmarshal(raw, &b.Disabled)
		case "updatetopics":
			err = json.Unmarshal(raw, &b.UpdateTopics)
		case "rename":
			err = json.Unmarshal(raw, &b.Rename)
		case "language":
			err = json.Unmarshal(raw, &b.Language)
		case "return":
			err = json.Unmarshal(raw, &b.Return)
		case "value":
			err = b.decodeValue(raw)
		}
		if err != nil {
			err = fmt.Errorf("key %q: %w", key, err)
			return false
		}
		if !reservedKeys[key] {
			b.Extra.Set(key, raw)
		}
		return true
	})
	return err
}

func (b *Block) decodeValue(raw json.RawMessage) error {
	b.HasValue = true
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var om OrderedMap[json.RawMessage]
		if err := json.Unmarshal(trimmed, &om); err != nil {
			return err
		}
		b.ValueOrder = append([]string(nil), om.Keys()...)
	}
	return json.Unmarshal(raw, &b.Value)
}

// UpdatePeriod converts the block's update field to a duration.
func (b *Block) UpdatePeriod(fallback time.Duration) time.Duration {
	if !b.HasUpdate || b.Update <= 0 {
		return fallback
	}
	return time.Duration(b.Update * float64(time.Second))
}

// AppliesTo reports whether a subscriber consumes this block: targets absent
// or the subscriber listed.
func (b *Block) AppliesTo(subscriber string) bool {
	if len(b.Targets) == 0 {
		return true
	}
	return b.Targets.Contains(subscriber)
}

// DeliverableTo reports whether the block belongs on a topic: the block
// lists it, or the block has no topics and the topic is the connection's
// default output stream.
func (b *Block) DeliverableTo(topic, defaultStream string) bool {
	if len(b.Topics) == 0 {
		return topic == defaultStream
	}
	return b.Topics.Contains(topic)
}

// OutTopics returns where updates for this block go: the union of topics and
// updatetopics, defaulting to the connection's output stream when empty.
func (b *Block) OutTopics(defaultStream string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range b.Topics {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range b.UpdateTopics {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	if len(out) == 0 && defaultStream != "" {
		out = []string{defaultStream}
	}
	return out
}

// Validate checks type-specific shape requirements.
func (b *Block) Validate() error {
	switch b.Type {
	case TypeMonitor:
		if b.Root == "" {
			return &ProtocolError{Block: b.Name, Message: "monitor block without root"}
		}
		if !b.HasValue {
			return &ProtocolError{Block: b.Name, Message: "monitor block without value"}
		}
		if _, ok := b.Value.(map[string]interface{}); !ok {
			return &ProtocolError{Block: b.Name, Message: "monitor value must be an object"}
		}
	case TypeCode:
		if _, ok := b.Value.(string); !ok {
			return &ProtocolError{Block: b.Name, Message: "code value must be a string"}
		}
	case TypeData:
		// Any JSON value is legal.
	case TypeDelete:
		if _, _, err := b.DeleteSpec(); err != nil {
			return err
		}
	case "":
		return &ProtocolError{Block: b.Name, Message: "block without type"}
	default:
		return &ProtocolError{Block: b.Name, Message: fmt.Sprintf("unknown block type %q", b.Type)}
	}
	return nil
}

// DeleteSpec interprets a delete block's value: a name, a list of names, or
// {tagged: tag | [tag, ...]}.
func (b *Block) DeleteSpec() (names []string, tags []string, err error) {
	switch v := b.Value.(type) {
	case string:
		return []string{v}, nil, nil
	case []interface{}:
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, nil, &ProtocolError{Block: b.Name, Message: fmt.Sprintf("delete list holds non-string %T", e)}
			}
			names = append(names, s)
		}
		return names, nil, nil
	case map[string]interface{}:
		raw, ok := v["tagged"]
		if !ok || len(v) != 1 {
			return nil, nil, &ProtocolError{Block: b.Name, Message: "delete object must be {tagged: ...}"}
		}
		switch tv := raw.(type) {
		case string:
			return nil, []string{tv}, nil
		case []interface{}:
			for _, e := range tv {
				s, ok := e.(string)
				if !ok {
					return nil, nil, &ProtocolError{Block: b.Name, Message: fmt.Sprintf("tagged list holds non-string %T", e)}
				}
				tags = append(tags, s)
			}
			return nil, tags, nil
		default:
			return nil, nil, &ProtocolError{Block: b.Name, Message: fmt.Sprintf("illegal tagged value %T", raw)}
		}
	default:
		return nil, nil, &ProtocolError{Block: b.Name, Message: fmt.Sprintf("illegal delete value %T", b.Value)}
	}
}

// SameAs reports whether two blocks are textually identical, the test the
// data-block cache uses to drop duplicate sends.
func (b *Block) SameAs(other *Block) bool {
	if b == nil || other == nil {
		return b == other
	}
	return bytes.Equal(bytes.TrimSpace(b.Raw), bytes.TrimSpace(other.Raw))
}

// ParseBlocks decodes a JSON object of name -> block, preserving textual
// order. Malformed entries are returned as errors alongside the good blocks
// so a bad block skips without poisoning its batch.
func ParseBlocks(data []byte) (*OrderedMap[*Block], []error) {
	var raw OrderedMap[json.RawMessage]
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, []error{&ProtocolError{Message: "batch is not a JSON object", Cause: err}}
	}
	out := NewOrderedMap[*Block]()
	var errs []error
	raw.Each(func(name string, rb json.RawMessage) bool {
		b := &Block{}
		if err := json.Unmarshal(rb, b); err != nil {
			errs = append(errs, &ProtocolError{Block: name, Message: "malformed block", Cause: err})
			return true
		}
		if b.Name == "" {
			b.Name = name
		}
		if err := b.Validate(); err != nil {
			errs = append(errs, err)
			return true
		}
		out.Set(name, b)
		return true
	})
	return out, errs
}

// New builds an outbound block of the given type.
func New(blockType, name string) *Block {
	return &Block{Type: blockType, Name: name, Extra: NewOrderedMap[json.RawMessage]()}
}

// Encode renders an outbound block as a JSON object: type and name first,
// then routing fields, then the payload.
func (b *Block) Encode() (json.RawMessage, error) {
	out := NewOrderedMap[interface{}]()
	out.Set("type", b.Type)
	out.Set("name", b.Name)
	if b.Origin != "" {
		out.Set("origin", b.Origin)
	}
	if len(b.Topics) > 0 {
		out.Set("topics", b.Topics)
	}
	if len(b.Targets) > 0 {
		out.Set("targets", b.Targets)
	}
	if len(b.Tags) > 0 {
		out.Set("tags", b.Tags)
	}
	if b.HasValue {
		out.Set("value", b.Value)
	}
	return json.Marshal(out)
}
