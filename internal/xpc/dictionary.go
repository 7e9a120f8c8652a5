package xpc

import (
	"fmt"
	"sort"
	"strings"
)

// Dictionary is a decoded dictionary whose values are independently owned
// objects. The same *Object may also be attached to other requests.
type Dictionary map[string]*Object

// Close releases every value of the dictionary.
func (d Dictionary) Close() {
	for _, o := range d {
		o.Close()
	}
}

// Keys returns the keys in sorted order.
func (d Dictionary) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get walks nested dictionaries along path. A missing key anywhere on the
// path is ErrNotFound. The result is a new owner; close it when done.
func (d Dictionary) Get(path ...string) (*Object, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("empty path: %w", ErrNotFound)
	}
	o, ok := d[path[0]]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", path[0], ErrNotFound)
	}
	if len(path) == 1 {
		return o.Retain()
	}
	sub, err := o.Dictionary()
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", path[0], err)
	}
	defer sub.Close()
	found, err := sub.Get(path[1:]...)
	if err != nil {
		return nil, fmt.Errorf("%s.%w", path[0], err)
	}
	return found, nil
}

func (d Dictionary) GetInt64(path ...string) (int64, error) {
	o, err := d.Get(path...)
	if err != nil {
		return 0, err
	}
	defer o.Close()
	return o.Int64()
}

func (d Dictionary) GetUInt64(path ...string) (uint64, error) {
	o, err := d.Get(path...)
	if err != nil {
		return 0, err
	}
	defer o.Close()
	return o.UInt64()
}

func (d Dictionary) GetString(path ...string) (string, error) {
	o, err := d.Get(path...)
	if err != nil {
		return "", err
	}
	defer o.Close()
	return o.String()
}

func (d Dictionary) GetBool(path ...string) (bool, error) {
	o, err := d.Get(path...)
	if err != nil {
		return false, err
	}
	defer o.Close()
	return o.Bool()
}

// GetInteger reads a signed or unsigned integer at path.
func (d Dictionary) GetInteger(path ...string) (int64, error) {
	o, err := d.Get(path...)
	if err != nil {
		return 0, err
	}
	defer o.Close()
	return Integer(o)
}

// GetDictionary decodes the dictionary at path. Close the result when done.
func (d Dictionary) GetDictionary(path ...string) (Dictionary, error) {
	o, err := d.Get(path...)
	if err != nil {
		return nil, err
	}
	defer o.Close()
	return o.Dictionary()
}

// Integer reads a signed or unsigned integer object as int64. launchd is not
// consistent about which one it sends for pids and codes.
func Integer(o *Object) (int64, error) {
	switch o.Type() {
	case TypeUInt64:
		v, err := o.UInt64()
		return int64(v), err
	default:
		return o.Int64()
	}
}

func (d Dictionary) String() string {
	var b strings.Builder
	b.WriteString("{")
	for i, k := range d.Keys() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %s", k, d[k].Type())
	}
	b.WriteString("}")
	return b.String()
}
