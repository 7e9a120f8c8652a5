package xpc

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// Object owns one reference to a native value and caches its type tag.
// Each owner closes its own *Object; additional owners come from Retain.
//
// A finalizer releases the reference of an unreachable owner, so every
// method that hands o.handle to the runtime keeps o alive until the call
// returns.
type Object struct {
	rt       Runtime
	handle   Handle
	typ      Type
	released atomic.Bool

	recvOnce sync.Once
	recv     MachPort
}

// adopt wraps a handle whose reference is already owned by the caller.
func adopt(rt Runtime, h Handle) (*Object, error) {
	if h == 0 {
		return nil, ErrNullObject
	}
	o := &Object{rt: rt, handle: h, typ: rt.TypeOf(h)}
	runtime.SetFinalizer(o, (*Object).Close)
	return o, nil
}

// borrow wraps a handle the caller does not own, taking a new reference.
func borrow(rt Runtime, h Handle) (*Object, error) {
	if h == 0 {
		return nil, ErrNullObject
	}
	return adopt(rt, rt.Retain(h))
}

// mustAdopt wraps the result of a Create* call. Scalar constructors only
// return null when the native allocator fails.
func mustAdopt(rt Runtime, h Handle, kind Type) *Object {
	o, err := adopt(rt, h)
	if err != nil {
		panic(fmt.Sprintf("xpc: creating %s object: %v", kind, err))
	}
	return o
}

// Adopt wraps a handle carrying a reference the caller hands over.
func Adopt(rt Runtime, h Handle) (*Object, error) {
	return adopt(rt, h)
}

// Type returns the resolved type tag.
func (o *Object) Type() Type {
	return o.typ
}

// Runtime returns the runtime that owns the underlying handle.
func (o *Object) Runtime() Runtime {
	return o.rt
}

// Handle exposes the native handle for passing to the runtime. The handle is
// only valid while o is open and reachable; callers that outlive their last
// use of o must runtime.KeepAlive(o) after the native call.
func (o *Object) Handle() (Handle, error) {
	if o.released.Load() {
		return 0, ErrReleased
	}
	return o.handle, nil
}

// Retain returns a second owner of the same native value.
func (o *Object) Retain() (*Object, error) {
	if o.released.Load() {
		return nil, ErrReleased
	}
	defer runtime.KeepAlive(o)
	return borrow(o.rt, o.handle)
}

// Copy returns a deep copy of the value.
func (o *Object) Copy() (*Object, error) {
	if o.released.Load() {
		return nil, ErrReleased
	}
	defer runtime.KeepAlive(o)
	return adopt(o.rt, o.rt.Copy(o.handle))
}

// Close releases this owner's reference. It is safe to call more than once.
func (o *Object) Close() {
	if o == nil || !o.released.CompareAndSwap(false, true) {
		return
	}
	runtime.SetFinalizer(o, nil)
	o.rt.Release(o.handle)
}

func (o *Object) check(want Type) error {
	if o.released.Load() {
		return ErrReleased
	}
	if o.typ != want {
		return &TypeMismatchError{Found: o.typ, Expected: want}
	}
	return nil
}

func (o *Object) Int64() (int64, error) {
	if err := o.check(TypeInt64); err != nil {
		return 0, err
	}
	defer runtime.KeepAlive(o)
	return o.rt.Int64(o.handle), nil
}

func (o *Object) UInt64() (uint64, error) {
	if err := o.check(TypeUInt64); err != nil {
		return 0, err
	}
	defer runtime.KeepAlive(o)
	return o.rt.UInt64(o.handle), nil
}

func (o *Object) Double() (float64, error) {
	if err := o.check(TypeDouble); err != nil {
		return 0, err
	}
	defer runtime.KeepAlive(o)
	return o.rt.Double(o.handle), nil
}

func (o *Object) Bool() (bool, error) {
	if err := o.check(TypeBool); err != nil {
		return false, err
	}
	defer runtime.KeepAlive(o)
	return o.rt.Bool(o.handle), nil
}

func (o *Object) String() (string, error) {
	if err := o.check(TypeString); err != nil {
		return "", err
	}
	defer runtime.KeepAlive(o)
	return o.rt.String(o.handle), nil
}

func (o *Object) MachSend() (MachSendRight, error) {
	if err := o.check(TypeMachSend); err != nil {
		return 0, err
	}
	defer runtime.KeepAlive(o)
	return MachSendRight(o.rt.MachPortOf(o.handle)), nil
}

// MachRecv moves the receive right out of the native object on first use and
// returns the same port name on later calls through this owner. Other owners
// of the same native value, including those made by Retain, see a dead name.
func (o *Object) MachRecv() (MachRecvRight, error) {
	if err := o.check(TypeMachRecv); err != nil {
		return 0, err
	}
	o.recvOnce.Do(func() {
		o.recv = o.rt.MachPortOf(o.handle)
	})
	runtime.KeepAlive(o)
	return MachRecvRight(o.recv), nil
}

// Fd returns a duplicate of the wrapped descriptor. The caller owns it.
func (o *Object) Fd() (Fd, error) {
	if err := o.check(TypeFd); err != nil {
		return -1, err
	}
	defer runtime.KeepAlive(o)
	fd, err := o.rt.DupFd(o.handle)
	if err != nil {
		return -1, err
	}
	return Fd(fd), nil
}

// SharedMemory maps the shmem object into this process. Every call creates a
// new mapping owned by the caller; release it with UnmapShmem.
func (o *Object) SharedMemory() (SharedMemory, error) {
	if err := o.check(TypeShmem); err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(o)
	region, err := o.rt.MapShmem(o.handle)
	if err != nil {
		return nil, err
	}
	return SharedMemory(region), nil
}

// Array wraps every element as its own owner. Close the result when done.
func (o *Object) Array() (Array, error) {
	if err := o.check(TypeArray); err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(o)
	var (
		out     Array
		wrapErr error
	)
	o.rt.ArrayApply(o.handle, func(_ int, elem Handle) bool {
		child, err := borrow(o.rt, elem)
		if err != nil {
			wrapErr = err
			return false
		}
		out = append(out, child)
		return true
	})
	if wrapErr != nil {
		out.Close()
		return nil, wrapErr
	}
	return out, nil
}

// Dictionary wraps every value as its own owner. Close the result when done.
func (o *Object) Dictionary() (Dictionary, error) {
	if err := o.check(TypeDictionary); err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(o)
	out := make(Dictionary)
	var wrapErr error
	o.rt.DictionaryApply(o.handle, func(key string, val Handle) bool {
		child, err := borrow(o.rt, val)
		if err != nil {
			wrapErr = err
			return false
		}
		out[key] = child
		return true
	})
	if wrapErr != nil {
		out.Close()
		return nil, wrapErr
	}
	return out, nil
}

// Value decodes the object into its tagged variant. Arrays and dictionaries
// are decoded one level deep; their elements stay objects.
func (o *Object) Value() (Value, error) {
	if o.released.Load() {
		return nil, ErrReleased
	}
	switch o.typ {
	case TypeInt64:
		v, err := o.Int64()
		return Int64(v), err
	case TypeUInt64:
		v, err := o.UInt64()
		return UInt64(v), err
	case TypeDouble:
		v, err := o.Double()
		return Double(v), err
	case TypeString:
		v, err := o.String()
		return String(v), err
	case TypeBool:
		v, err := o.Bool()
		return Bool(v), err
	case TypeArray:
		return o.Array()
	case TypeDictionary:
		return o.Dictionary()
	case TypeMachSend:
		return o.MachSend()
	case TypeMachRecv:
		return o.MachRecv()
	case TypeFd:
		return o.Fd()
	case TypeShmem:
		return o.SharedMemory()
	default:
		return nil, &TypeMismatchError{Found: o.typ, Expected: TypeInvalid}
	}
}

// As converts the object to the Go type T, failing with *TypeMismatchError
// when the resolved tag does not match T.
func As[T int64 | uint64 | float64 | bool | string | MachSendRight | MachRecvRight | Fd | Array | Dictionary | SharedMemory](o *Object) (T, error) {
	var zero T
	var (
		v   any
		err error
	)
	switch any(zero).(type) {
	case int64:
		v, err = o.Int64()
	case uint64:
		v, err = o.UInt64()
	case float64:
		v, err = o.Double()
	case bool:
		v, err = o.Bool()
	case string:
		v, err = o.String()
	case MachSendRight:
		v, err = o.MachSend()
	case MachRecvRight:
		v, err = o.MachRecv()
	case Fd:
		v, err = o.Fd()
	case Array:
		v, err = o.Array()
	case Dictionary:
		v, err = o.Dictionary()
	case SharedMemory:
		v, err = o.SharedMemory()
	}
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}
