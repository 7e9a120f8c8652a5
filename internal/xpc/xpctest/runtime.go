// Package xpctest provides an in-process xpc.Runtime with real reference
// counting and a pluggable pipe handler, for exercising the typed object
// layer and protocol client without launchd.
package xpctest

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/eliteGoblin/focusd/svcctl/internal/xpc"
)

// Handler answers one pipe routine. The request dictionary is closed after
// the handler returns. A nil reply with status 0 simulates an empty reply.
type Handler func(req xpc.Dictionary, flags uint64) (reply any, status int)

// typePipe tags pipe objects. They have no public xpc type.
const typePipe = xpc.TypeInvalid

type object struct {
	typ    xpc.Type
	refs   int
	i64    int64
	u64    uint64
	f64    float64
	b      bool
	s      string
	elems  []xpc.Handle
	keys   []string
	vals   map[string]xpc.Handle
	port   xpc.MachPort
	fd     int
	region []byte
	// invalid marks a pipe closed by InvalidatePipe.
	invalid bool
}

// Runtime is an in-memory object system.
type Runtime struct {
	mu      sync.Mutex
	next    xpc.Handle
	objects map[xpc.Handle]*object
	handler Handler
	allocs  map[*byte]int
	maps    int

	// FailAllocate makes VMAllocate return this status when non-zero.
	FailAllocate int
	// FailDeallocate makes VMDeallocate return this status when non-zero.
	FailDeallocate int
}

// NewRuntime creates an empty runtime answering pipe routines with handler.
func NewRuntime(handler Handler) *Runtime {
	return &Runtime{
		objects: make(map[xpc.Handle]*object),
		handler: handler,
		allocs:  make(map[*byte]int),
	}
}

// SetHandler replaces the pipe handler.
func (r *Runtime) SetHandler(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

// Live returns the number of objects with a non-zero reference count.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

// LiveTypes returns the types of live objects, sorted, for diagnosing leaks.
func (r *Runtime) LiveTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.objects))
	for _, o := range r.objects {
		out = append(out, o.typ.String())
	}
	sort.Strings(out)
	return out
}

// RefCount returns the reference count of h, or 0 once it is freed.
func (r *Runtime) RefCount(h xpc.Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.objects[h]; ok {
		return o.refs
	}
	return 0
}

// Mappings returns the number of shmem mappings not yet unmapped.
func (r *Runtime) Mappings() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maps
}

// Allocations returns the number of outstanding VM allocations.
func (r *Runtime) Allocations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.allocs)
}

func (r *Runtime) add(o *object) xpc.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(o)
}

func (r *Runtime) addLocked(o *object) xpc.Handle {
	r.next++
	o.refs = 1
	r.objects[r.next] = o
	return r.next
}

func (r *Runtime) get(h xpc.Handle) *object {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[h]
	if !ok {
		panic(fmt.Sprintf("xpctest: use of freed handle %d", h))
	}
	return o
}

func (r *Runtime) TypeOf(h xpc.Handle) xpc.Type {
	return r.get(h).typ
}

func (r *Runtime) Retain(h xpc.Handle) xpc.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[h]
	if !ok {
		panic(fmt.Sprintf("xpctest: retain of freed handle %d", h))
	}
	o.refs++
	return h
}

func (r *Runtime) Release(h xpc.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(h)
}

func (r *Runtime) releaseLocked(h xpc.Handle) {
	o, ok := r.objects[h]
	if !ok {
		panic(fmt.Sprintf("xpctest: over-release of handle %d", h))
	}
	o.refs--
	if o.refs > 0 {
		return
	}
	delete(r.objects, h)
	for _, e := range o.elems {
		r.releaseLocked(e)
	}
	for _, v := range o.vals {
		r.releaseLocked(v)
	}
	if o.typ == xpc.TypeFd {
		_ = unix.Close(o.fd)
	}
}

func (r *Runtime) Copy(h xpc.Handle) xpc.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked(h)
}

func (r *Runtime) copyLocked(h xpc.Handle) xpc.Handle {
	src := r.objects[h]
	dup := *src
	dup.elems = nil
	dup.vals = nil
	dup.keys = append([]string(nil), src.keys...)
	for _, e := range src.elems {
		dup.elems = append(dup.elems, r.copyLocked(e))
	}
	if src.vals != nil {
		dup.vals = make(map[string]xpc.Handle, len(src.vals))
		for k, v := range src.vals {
			dup.vals[k] = r.copyLocked(v)
		}
	}
	if src.typ == xpc.TypeFd {
		fd, err := unix.Dup(src.fd)
		if err != nil {
			panic(fmt.Sprintf("xpctest: dup: %v", err))
		}
		dup.fd = fd
	}
	return r.addLocked(&dup)
}

func (r *Runtime) CreateInt64(v int64) xpc.Handle {
	return r.add(&object{typ: xpc.TypeInt64, i64: v})
}

func (r *Runtime) CreateUInt64(v uint64) xpc.Handle {
	return r.add(&object{typ: xpc.TypeUInt64, u64: v})
}

func (r *Runtime) CreateDouble(v float64) xpc.Handle {
	return r.add(&object{typ: xpc.TypeDouble, f64: v})
}

func (r *Runtime) CreateBool(v bool) xpc.Handle {
	return r.add(&object{typ: xpc.TypeBool, b: v})
}

func (r *Runtime) CreateString(v string) xpc.Handle {
	return r.add(&object{typ: xpc.TypeString, s: v})
}

func (r *Runtime) CreateArray(elems []xpc.Handle) xpc.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := &object{typ: xpc.TypeArray}
	for _, e := range elems {
		r.objects[e].refs++
		o.elems = append(o.elems, e)
	}
	return r.addLocked(o)
}

func (r *Runtime) CreateDictionary(keys []string, vals []xpc.Handle) xpc.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := &object{typ: xpc.TypeDictionary, vals: make(map[string]xpc.Handle, len(keys))}
	for i, k := range keys {
		if prev, ok := o.vals[k]; ok {
			r.releaseLocked(prev)
		} else {
			o.keys = append(o.keys, k)
		}
		r.objects[vals[i]].refs++
		o.vals[k] = vals[i]
	}
	return r.addLocked(o)
}

func (r *Runtime) CreateMachSend(port xpc.MachPort) xpc.Handle {
	return r.add(&object{typ: xpc.TypeMachSend, port: port})
}

func (r *Runtime) CreateMachRecv(port xpc.MachPort) xpc.Handle {
	return r.add(&object{typ: xpc.TypeMachRecv, port: port})
}

func (r *Runtime) CreateFd(fd int) (xpc.Handle, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return 0, err
	}
	return r.add(&object{typ: xpc.TypeFd, fd: dup}), nil
}

func (r *Runtime) CreateShmem(region []byte) (xpc.Handle, error) {
	if len(region) == 0 {
		return 0, fmt.Errorf("empty shared memory region")
	}
	return r.add(&object{typ: xpc.TypeShmem, region: region}), nil
}

func (r *Runtime) Int64(h xpc.Handle) int64    { return r.get(h).i64 }
func (r *Runtime) UInt64(h xpc.Handle) uint64  { return r.get(h).u64 }
func (r *Runtime) Double(h xpc.Handle) float64 { return r.get(h).f64 }
func (r *Runtime) Bool(h xpc.Handle) bool      { return r.get(h).b }
func (r *Runtime) String(h xpc.Handle) string  { return r.get(h).s }

// MachPortOf reads a send right. A receive right is moved out, leaving the
// null port behind, as libxpc does.
func (r *Runtime) MachPortOf(h xpc.Handle) xpc.MachPort {
	o := r.get(h)
	r.mu.Lock()
	defer r.mu.Unlock()
	port := o.port
	if o.typ == xpc.TypeMachRecv {
		o.port = 0
	}
	return port
}

func (r *Runtime) ArrayApply(h xpc.Handle, fn func(int, xpc.Handle) bool) {
	o := r.get(h)
	r.mu.Lock()
	elems := append([]xpc.Handle(nil), o.elems...)
	r.mu.Unlock()
	for i, e := range elems {
		if !fn(i, e) {
			return
		}
	}
}

func (r *Runtime) DictionaryApply(h xpc.Handle, fn func(string, xpc.Handle) bool) {
	o := r.get(h)
	r.mu.Lock()
	keys := append([]string(nil), o.keys...)
	vals := make([]xpc.Handle, len(keys))
	for i, k := range keys {
		vals[i] = o.vals[k]
	}
	r.mu.Unlock()
	for i, k := range keys {
		if !fn(k, vals[i]) {
			return
		}
	}
}

func (r *Runtime) DupFd(h xpc.Handle) (int, error) {
	return unix.Dup(r.get(h).fd)
}

// MapShmem aliases the wrapped region, so writes reach the allocation.
func (r *Runtime) MapShmem(h xpc.Handle) ([]byte, error) {
	region := r.get(h).region
	r.mu.Lock()
	r.maps++
	r.mu.Unlock()
	return region, nil
}

func (r *Runtime) UnmapShmem(region []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maps == 0 {
		return int(unix.EINVAL)
	}
	r.maps--
	return 0
}

// BootstrapPort is a fixed fake port name.
func (r *Runtime) BootstrapPort() xpc.MachPort { return 0x707 }

// TaskSelf is a fixed fake task port name.
func (r *Runtime) TaskSelf() xpc.MachPort { return 0x103 }

func (r *Runtime) BootstrapPipe() (xpc.Handle, error) {
	return r.add(&object{typ: typePipe}), nil
}

// InvalidatePipe marks pipe closed. The object itself stays alive until its
// last reference is released.
func (r *Runtime) InvalidatePipe(pipe xpc.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.objects[pipe]; ok {
		o.invalid = true
	}
}

func (r *Runtime) pipeOpen(pipe xpc.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[pipe]
	if !ok {
		panic(fmt.Sprintf("xpctest: pipe routine on freed handle %d", pipe))
	}
	return !o.invalid
}

func (r *Runtime) PipeRoutine(pipe xpc.Handle, msg xpc.Handle, flags uint64) (xpc.Handle, int) {
	if !r.pipeOpen(pipe) {
		return 0, int(unix.EPIPE)
	}
	r.mu.Lock()
	handler := r.handler
	r.mu.Unlock()
	if handler == nil {
		return 0, int(unix.ENOTSUP)
	}

	req, err := xpc.Adopt(r, r.Retain(msg))
	if err != nil {
		return 0, int(unix.EINVAL)
	}
	defer req.Close()
	dict, err := req.Dictionary()
	if err != nil {
		return 0, int(unix.EINVAL)
	}
	defer dict.Close()

	reply, status := handler(dict, flags)
	if !r.pipeOpen(pipe) {
		return 0, int(unix.EPIPE)
	}
	if reply == nil {
		return 0, status
	}
	obj, err := xpc.From(r, reply)
	if err != nil {
		panic(fmt.Sprintf("xpctest: unencodable reply: %v", err))
	}
	defer obj.Close()
	h, _ := obj.Handle()
	return r.Retain(h), status
}

func (r *Runtime) VMAllocate(task xpc.MachPort, size uint64, flags int) ([]byte, int) {
	if r.FailAllocate != 0 {
		return nil, r.FailAllocate
	}
	region, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errnoOf(err)
	}
	r.mu.Lock()
	r.allocs[&region[0]] = len(region)
	r.mu.Unlock()
	return region, 0
}

func (r *Runtime) VMDeallocate(task xpc.MachPort, region []byte) int {
	if r.FailDeallocate != 0 {
		return r.FailDeallocate
	}
	if len(region) == 0 {
		return 0
	}
	r.mu.Lock()
	size, ok := r.allocs[&region[0]]
	delete(r.allocs, &region[0])
	r.mu.Unlock()
	if !ok || size != len(region) {
		return int(unix.EINVAL)
	}
	if err := unix.Munmap(region); err != nil {
		return errnoOf(err)
	}
	return 0
}

func errnoOf(err error) int {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return int(unix.EINVAL)
}

var launchdErrors = map[int]string{
	113: "Could not find specified service",
	119: "Service is disabled",
	125: "Domain does not support specified action",
	134: "Service cannot load in requested session",
}

func (r *Runtime) Strerror(code int) string {
	if s, ok := launchdErrors[code]; ok {
		return s
	}
	return unix.Errno(code).Error()
}

var _ xpc.Runtime = (*Runtime)(nil)

// DecodeRequest converts a request dictionary into plain Go values. Shared
// memory decodes to a mapping of the region, so handlers can write into it.
// The returned func unmaps those mappings.
func DecodeRequest(req xpc.Dictionary) (map[string]any, func(), error) {
	var maps []xpc.SharedMemory
	var rt xpc.Runtime
	release := func() {
		for _, m := range maps {
			_ = xpc.UnmapShmem(rt, m)
		}
	}
	out := make(map[string]any, len(req))
	for k, o := range req {
		rt = o.Runtime()
		v, err := xpc.Decode(o)
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("key %q: %w", k, err)
		}
		if m, ok := v.(xpc.SharedMemory); ok {
			maps = append(maps, m)
		}
		out[k] = v
	}
	return out, release, nil
}
