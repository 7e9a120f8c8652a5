package xpc

import (
	"fmt"
	"reflect"
	"sort"
)

// Message accumulates the entries of a request dictionary. It has value
// semantics: every method returns a new Message and leaves the receiver
// untouched, so a base message can be shared between requests.
type Message struct {
	entries map[string]any
}

// NewMessage returns an empty message.
func NewMessage() Message {
	return Message{}
}

func (m Message) with(n int) Message {
	entries := make(map[string]any, len(m.entries)+n)
	for k, v := range m.entries {
		entries[k] = v
	}
	return Message{entries: entries}
}

// Entry sets key to value.
func (m Message) Entry(key string, value any) Message {
	out := m.with(1)
	out.entries[key] = value
	return out
}

// EntryIf sets key to value when cond holds.
func (m Message) EntryIf(cond bool, key string, value any) Message {
	if !cond {
		return m
	}
	return m.Entry(key, value)
}

// EntryIfPresent sets key unless value is nil, a nil pointer, or a nil slice
// or map. Pointers are dereferenced. Empty non-nil slices and maps are kept.
func (m Message) EntryIfPresent(key string, value any) Message {
	if value == nil {
		return m
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return m
		}
		value = rv.Elem().Interface()
	case reflect.Slice, reflect.Map:
		if rv.IsNil() {
			return m
		}
	}
	return m.Entry(key, value)
}

// Extend copies every entry of other, overriding existing keys.
func (m Message) Extend(other Message) Message {
	out := m.with(len(other.entries))
	for k, v := range other.entries {
		out.entries[k] = v
	}
	return out
}

// WithDomainPort attaches the caller's launchd connection as a send right.
func (m Message) WithDomainPort() Message {
	return m.Entry("domain-port", DomainPort{})
}

// Lookup returns the raw value stored under key.
func (m Message) Lookup(key string) (any, bool) {
	v, ok := m.entries[key]
	return v, ok
}

// Len returns the number of entries.
func (m Message) Len() int {
	return len(m.entries)
}

// Keys returns the entry keys in sorted order.
func (m Message) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Build converts the message into a single native dictionary.
func (m Message) Build(rt Runtime) (*Object, error) {
	o, err := fromMap(rt, m.entries)
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}
	return o, nil
}
