package xpc

import (
	"fmt"
	"sort"
)

// DomainPort is a placeholder resolved to the runtime's bootstrap port as a
// Mach send right when a message is built.
type DomainPort struct{}

// FromInt64 wraps v. It and the other scalar constructors panic when the
// runtime fails to allocate the object.
func FromInt64(rt Runtime, v int64) *Object {
	return mustAdopt(rt, rt.CreateInt64(v), TypeInt64)
}

func FromUInt64(rt Runtime, v uint64) *Object {
	return mustAdopt(rt, rt.CreateUInt64(v), TypeUInt64)
}

func FromDouble(rt Runtime, v float64) *Object {
	return mustAdopt(rt, rt.CreateDouble(v), TypeDouble)
}

func FromBool(rt Runtime, v bool) *Object {
	return mustAdopt(rt, rt.CreateBool(v), TypeBool)
}

func FromString(rt Runtime, v string) *Object {
	return mustAdopt(rt, rt.CreateString(v), TypeString)
}

func FromMachSend(rt Runtime, port MachPort) *Object {
	return mustAdopt(rt, rt.CreateMachSend(port), TypeMachSend)
}

func FromMachRecv(rt Runtime, port MachPort) *Object {
	return mustAdopt(rt, rt.CreateMachRecv(port), TypeMachRecv)
}

// FromFd wraps a descriptor. The runtime duplicates it; the caller keeps fd.
func FromFd(rt Runtime, fd int) (*Object, error) {
	h, err := rt.CreateFd(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap fd %d: %w", fd, err)
	}
	return adopt(rt, h)
}

// From converts a Go value into a native object. Supported inputs are the
// Value variants, the matching Go scalar types, string slices, []any,
// map[string]any, Message, *Object, *ShmemRegion and DomainPort.
func From(rt Runtime, v any) (*Object, error) {
	switch x := v.(type) {
	case *Object:
		return x.Retain()
	case *ShmemRegion:
		return x.Object().Retain()
	case DomainPort:
		return FromMachSend(rt, rt.BootstrapPort()), nil
	case Int64:
		return FromInt64(rt, int64(x)), nil
	case int64:
		return FromInt64(rt, x), nil
	case int:
		return FromInt64(rt, int64(x)), nil
	case int32:
		return FromInt64(rt, int64(x)), nil
	case UInt64:
		return FromUInt64(rt, uint64(x)), nil
	case uint64:
		return FromUInt64(rt, x), nil
	case uint32:
		return FromUInt64(rt, uint64(x)), nil
	case uint:
		return FromUInt64(rt, uint64(x)), nil
	case Double:
		return FromDouble(rt, float64(x)), nil
	case float64:
		return FromDouble(rt, x), nil
	case String:
		return FromString(rt, string(x)), nil
	case string:
		return FromString(rt, x), nil
	case Bool:
		return FromBool(rt, bool(x)), nil
	case bool:
		return FromBool(rt, x), nil
	case MachSendRight:
		return FromMachSend(rt, MachPort(x)), nil
	case MachRecvRight:
		return FromMachRecv(rt, MachPort(x)), nil
	case Fd:
		return FromFd(rt, int(x))
	case Array:
		items := make([]any, len(x))
		for i, o := range x {
			items[i] = o
		}
		return fromSlice(rt, items)
	case Dictionary:
		entries := make(map[string]any, len(x))
		for k, o := range x {
			entries[k] = o
		}
		return fromMap(rt, entries)
	case []string:
		items := make([]any, len(x))
		for i, s := range x {
			items[i] = s
		}
		return fromSlice(rt, items)
	case []any:
		return fromSlice(rt, x)
	case map[string]any:
		return fromMap(rt, x)
	case Message:
		return fromMap(rt, x.entries)
	default:
		return nil, &UnsupportedValueError{Value: v}
	}
}

func fromSlice(rt Runtime, items []any) (*Object, error) {
	children := make([]*Object, 0, len(items))
	defer func() {
		for _, c := range children {
			c.Close()
		}
	}()
	handles := make([]Handle, 0, len(items))
	for i, item := range items {
		child, err := From(rt, item)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		children = append(children, child)
		handles = append(handles, child.handle)
	}
	return adopt(rt, rt.CreateArray(handles))
}

func fromMap(rt Runtime, entries map[string]any) (*Object, error) {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	children := make([]*Object, 0, len(keys))
	defer func() {
		for _, c := range children {
			c.Close()
		}
	}()
	handles := make([]Handle, 0, len(keys))
	for _, k := range keys {
		child, err := From(rt, entries[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		children = append(children, child)
		handles = append(handles, child.handle)
	}
	return adopt(rt, rt.CreateDictionary(keys, handles))
}

// Decode converts an object tree into plain Go values: int64, uint64,
// float64, bool, string, []any, map[string]any, MachSendRight,
// MachRecvRight, Fd and SharedMemory. Each SharedMemory in the result is a
// new mapping the caller releases with UnmapShmem.
func Decode(o *Object) (any, error) {
	v, err := o.Value()
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case Int64:
		return int64(x), nil
	case UInt64:
		return uint64(x), nil
	case Double:
		return float64(x), nil
	case String:
		return string(x), nil
	case Bool:
		return bool(x), nil
	case Array:
		defer x.Close()
		out := make([]any, 0, len(x))
		for i, elem := range x {
			d, err := Decode(elem)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out = append(out, d)
		}
		return out, nil
	case Dictionary:
		defer x.Close()
		out := make(map[string]any, len(x))
		for k, elem := range x {
			d, err := Decode(elem)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = d
		}
		return out, nil
	case MachSendRight, MachRecvRight, Fd, SharedMemory:
		return x, nil
	default:
		return nil, &TypeMismatchError{Found: o.Type(), Expected: TypeInvalid}
	}
}
