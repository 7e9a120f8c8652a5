//go:build darwin && cgo

package xpc

/*
#cgo CFLAGS: -fblocks
#include <stdint.h>
#include <stdlib.h>
#include <errno.h>
#include <stdbool.h>
#include <unistd.h>
#include <sys/mman.h>
#include <xpc/xpc.h>
#include <mach/mach.h>
#include <servers/bootstrap.h>

extern const struct _xpc_type_s _xpc_type_mach_send;
extern const struct _xpc_type_s _xpc_type_mach_recv;

extern xpc_object_t xpc_pipe_create_from_port(mach_port_t port, uint64_t flags);
extern void xpc_pipe_invalidate(xpc_object_t pipe);
extern int xpc_pipe_routine_with_flags(xpc_object_t pipe, xpc_object_t request, xpc_object_t *reply, uint64_t flags);
extern const char *xpc_strerror(int error);
extern xpc_object_t xpc_mach_send_create(mach_port_t port);
extern xpc_object_t xpc_mach_recv_create(mach_port_t port);
extern mach_port_t xpc_mach_send_get_right(xpc_object_t object);
extern mach_port_t xpc_mach_recv_extract_right(xpc_object_t object);

enum {
	LK_INVALID = 0,
	LK_NULL,
	LK_INT64,
	LK_UINT64,
	LK_DOUBLE,
	LK_STRING,
	LK_BOOL,
	LK_ARRAY,
	LK_DICTIONARY,
	LK_MACH_SEND,
	LK_MACH_RECV,
	LK_SHMEM,
	LK_FD,
	LK_ERROR,
};

static int lk_type(uintptr_t o) {
	xpc_type_t t = xpc_get_type((xpc_object_t)o);
	if (t == XPC_TYPE_NULL) return LK_NULL;
	if (t == XPC_TYPE_INT64) return LK_INT64;
	if (t == XPC_TYPE_UINT64) return LK_UINT64;
	if (t == XPC_TYPE_DOUBLE) return LK_DOUBLE;
	if (t == XPC_TYPE_STRING) return LK_STRING;
	if (t == XPC_TYPE_BOOL) return LK_BOOL;
	if (t == XPC_TYPE_ARRAY) return LK_ARRAY;
	if (t == XPC_TYPE_DICTIONARY) return LK_DICTIONARY;
	if (t == &_xpc_type_mach_send) return LK_MACH_SEND;
	if (t == &_xpc_type_mach_recv) return LK_MACH_RECV;
	if (t == XPC_TYPE_SHMEM) return LK_SHMEM;
	if (t == XPC_TYPE_FD) return LK_FD;
	if (t == XPC_TYPE_ERROR) return LK_ERROR;
	return LK_INVALID;
}

static uintptr_t lk_retain(uintptr_t o) { return (uintptr_t)xpc_retain((xpc_object_t)o); }
static void lk_release(uintptr_t o) { xpc_release((xpc_object_t)o); }
static uintptr_t lk_copy(uintptr_t o) { return (uintptr_t)xpc_copy((xpc_object_t)o); }

static uintptr_t lk_int64_create(int64_t v) { return (uintptr_t)xpc_int64_create(v); }
static uintptr_t lk_uint64_create(uint64_t v) { return (uintptr_t)xpc_uint64_create(v); }
static uintptr_t lk_double_create(double v) { return (uintptr_t)xpc_double_create(v); }
static uintptr_t lk_bool_create(bool v) { return (uintptr_t)xpc_bool_create(v); }
static uintptr_t lk_string_create(const char *v) { return (uintptr_t)xpc_string_create(v); }
static uintptr_t lk_mach_send_create(mach_port_t p) { return (uintptr_t)xpc_mach_send_create(p); }
static uintptr_t lk_mach_recv_create(mach_port_t p) { return (uintptr_t)xpc_mach_recv_create(p); }
static uintptr_t lk_fd_create(int fd) { return (uintptr_t)xpc_fd_create(fd); }
static uintptr_t lk_shmem_create(void *region, size_t len) { return (uintptr_t)xpc_shmem_create(region, len); }

static uintptr_t lk_array_create(uintptr_t *elems, size_t n) {
	xpc_object_t a = xpc_array_create(NULL, 0);
	for (size_t i = 0; i < n; i++) {
		xpc_array_append_value(a, (xpc_object_t)elems[i]);
	}
	return (uintptr_t)a;
}

static uintptr_t lk_dictionary_create(char **keys, uintptr_t *vals, size_t n) {
	xpc_object_t d = xpc_dictionary_create(NULL, NULL, 0);
	for (size_t i = 0; i < n; i++) {
		xpc_dictionary_set_value(d, keys[i], (xpc_object_t)vals[i]);
	}
	return (uintptr_t)d;
}

static int64_t lk_int64_get(uintptr_t o) { return xpc_int64_get_value((xpc_object_t)o); }
static uint64_t lk_uint64_get(uintptr_t o) { return xpc_uint64_get_value((xpc_object_t)o); }
static double lk_double_get(uintptr_t o) { return xpc_double_get_value((xpc_object_t)o); }
static bool lk_bool_get(uintptr_t o) { return xpc_bool_get_value((xpc_object_t)o); }
static const char *lk_string_get(uintptr_t o) { return xpc_string_get_string_ptr((xpc_object_t)o); }
static size_t lk_string_len(uintptr_t o) { return xpc_string_get_length((xpc_object_t)o); }
static mach_port_t lk_mach_send_get(uintptr_t o) { return xpc_mach_send_get_right((xpc_object_t)o); }
static mach_port_t lk_mach_recv_get(uintptr_t o) { return xpc_mach_recv_extract_right((xpc_object_t)o); }
static int lk_fd_dup(uintptr_t o) { return xpc_fd_dup((xpc_object_t)o); }

static size_t lk_shmem_map(uintptr_t o, void **region) { return xpc_shmem_map((xpc_object_t)o, region); }
static int lk_shmem_unmap(void *region, size_t len) { return munmap(region, len) == 0 ? 0 : errno; }

static size_t lk_array_count(uintptr_t o) { return xpc_array_get_count((xpc_object_t)o); }
static uintptr_t lk_array_get(uintptr_t o, size_t i) { return (uintptr_t)xpc_array_get_value((xpc_object_t)o, i); }

static size_t lk_dictionary_count(uintptr_t o) { return xpc_dictionary_get_count((xpc_object_t)o); }

// Collects borrowed key/value pointers. Keys point into the dictionary and
// are valid while it is alive.
static size_t lk_dictionary_entries(uintptr_t o, const char **keys, uintptr_t *vals, size_t cap) {
	__block size_t n = 0;
	xpc_dictionary_apply((xpc_object_t)o, ^bool(const char *key, xpc_object_t value) {
		if (n >= cap) {
			return false;
		}
		keys[n] = key;
		vals[n] = (uintptr_t)value;
		n++;
		return true;
	});
	return n;
}

static mach_port_t lk_bootstrap_port(void) { return bootstrap_port; }
static mach_port_t lk_task_self(void) { return mach_task_self(); }

static uintptr_t lk_pipe_create(void) {
	return (uintptr_t)xpc_pipe_create_from_port(bootstrap_port, 0);
}

static void lk_pipe_invalidate(uintptr_t pipe) { xpc_pipe_invalidate((xpc_object_t)pipe); }

static int lk_pipe_routine(uintptr_t pipe, uintptr_t msg, uintptr_t *reply, uint64_t flags) {
	xpc_object_t out = NULL;
	int status = xpc_pipe_routine_with_flags((xpc_object_t)pipe, (xpc_object_t)msg, &out, flags);
	*reply = (uintptr_t)out;
	return status;
}

static int lk_vm_allocate(mach_port_t task, uint64_t size, int flags, void **region) {
	vm_address_t addr = 0;
	kern_return_t kr = vm_allocate(task, &addr, (vm_size_t)size, flags);
	*region = (void *)addr;
	return kr;
}

static int lk_vm_deallocate(mach_port_t task, void *region, uint64_t size) {
	return vm_deallocate(task, (vm_address_t)region, (vm_size_t)size);
}

static const char *lk_strerror(int code) { return xpc_strerror(code); }
*/
import "C"

import (
	"fmt"
	"unsafe"
)

var nativeTypes = map[C.int]Type{
	C.LK_INVALID:    TypeInvalid,
	C.LK_NULL:       TypeNull,
	C.LK_INT64:      TypeInt64,
	C.LK_UINT64:     TypeUInt64,
	C.LK_DOUBLE:     TypeDouble,
	C.LK_STRING:     TypeString,
	C.LK_BOOL:       TypeBool,
	C.LK_ARRAY:      TypeArray,
	C.LK_DICTIONARY: TypeDictionary,
	C.LK_MACH_SEND:  TypeMachSend,
	C.LK_MACH_RECV:  TypeMachRecv,
	C.LK_SHMEM:      TypeShmem,
	C.LK_FD:         TypeFd,
	C.LK_ERROR:      TypeError,
}

// nativeRuntime bridges to libxpc. libxpc serializes access per object, so
// the runtime itself holds no state.
type nativeRuntime struct{}

// NewNativeRuntime returns the libxpc-backed runtime.
func NewNativeRuntime() (Runtime, error) {
	return nativeRuntime{}, nil
}

func h2c(h Handle) C.uintptr_t { return C.uintptr_t(h) }
func c2h(c C.uintptr_t) Handle { return Handle(c) }

func (nativeRuntime) TypeOf(h Handle) Type {
	return nativeTypes[C.lk_type(h2c(h))]
}

func (nativeRuntime) Retain(h Handle) Handle { return c2h(C.lk_retain(h2c(h))) }
func (nativeRuntime) Release(h Handle)       { C.lk_release(h2c(h)) }
func (nativeRuntime) Copy(h Handle) Handle   { return c2h(C.lk_copy(h2c(h))) }

func (nativeRuntime) CreateInt64(v int64) Handle {
	return c2h(C.lk_int64_create(C.int64_t(v)))
}

func (nativeRuntime) CreateUInt64(v uint64) Handle {
	return c2h(C.lk_uint64_create(C.uint64_t(v)))
}

func (nativeRuntime) CreateDouble(v float64) Handle {
	return c2h(C.lk_double_create(C.double(v)))
}

func (nativeRuntime) CreateBool(v bool) Handle {
	return c2h(C.lk_bool_create(C.bool(v)))
}

func (nativeRuntime) CreateString(v string) Handle {
	cs := C.CString(v)
	defer C.free(unsafe.Pointer(cs))
	return c2h(C.lk_string_create(cs))
}

func (nativeRuntime) CreateArray(elems []Handle) Handle {
	if len(elems) == 0 {
		return c2h(C.lk_array_create(nil, 0))
	}
	vals := make([]C.uintptr_t, len(elems))
	for i, e := range elems {
		vals[i] = h2c(e)
	}
	return c2h(C.lk_array_create(&vals[0], C.size_t(len(vals))))
}

func (nativeRuntime) CreateDictionary(keys []string, vals []Handle) Handle {
	if len(keys) == 0 {
		return c2h(C.lk_dictionary_create(nil, nil, 0))
	}
	ckeys := make([]*C.char, len(keys))
	for i, k := range keys {
		ckeys[i] = C.CString(k)
	}
	defer func() {
		for _, k := range ckeys {
			C.free(unsafe.Pointer(k))
		}
	}()
	cvals := make([]C.uintptr_t, len(vals))
	for i, v := range vals {
		cvals[i] = h2c(v)
	}
	return c2h(C.lk_dictionary_create(&ckeys[0], &cvals[0], C.size_t(len(keys))))
}

func (nativeRuntime) CreateMachSend(port MachPort) Handle {
	return c2h(C.lk_mach_send_create(C.mach_port_t(port)))
}

func (nativeRuntime) CreateMachRecv(port MachPort) Handle {
	return c2h(C.lk_mach_recv_create(C.mach_port_t(port)))
}

func (nativeRuntime) CreateFd(fd int) (Handle, error) {
	h := c2h(C.lk_fd_create(C.int(fd)))
	if h == 0 {
		return 0, fmt.Errorf("xpc_fd_create(%d) returned null", fd)
	}
	return h, nil
}

func (nativeRuntime) CreateShmem(region []byte) (Handle, error) {
	if len(region) == 0 {
		return 0, fmt.Errorf("empty shared memory region")
	}
	h := c2h(C.lk_shmem_create(unsafe.Pointer(&region[0]), C.size_t(len(region))))
	if h == 0 {
		return 0, fmt.Errorf("xpc_shmem_create returned null")
	}
	return h, nil
}

func (nativeRuntime) Int64(h Handle) int64    { return int64(C.lk_int64_get(h2c(h))) }
func (nativeRuntime) UInt64(h Handle) uint64  { return uint64(C.lk_uint64_get(h2c(h))) }
func (nativeRuntime) Double(h Handle) float64 { return float64(C.lk_double_get(h2c(h))) }
func (nativeRuntime) Bool(h Handle) bool      { return bool(C.lk_bool_get(h2c(h))) }

// MachPortOf reads a send right in place. A receive right is extracted,
// which leaves the object holding a dead name.
func (nativeRuntime) MachPortOf(h Handle) MachPort {
	if C.lk_type(h2c(h)) == C.LK_MACH_RECV {
		return MachPort(C.lk_mach_recv_get(h2c(h)))
	}
	return MachPort(C.lk_mach_send_get(h2c(h)))
}

func (nativeRuntime) String(h Handle) string {
	return C.GoStringN(C.lk_string_get(h2c(h)), C.int(C.lk_string_len(h2c(h))))
}

func (nativeRuntime) ArrayApply(h Handle, fn func(int, Handle) bool) {
	n := int(C.lk_array_count(h2c(h)))
	for i := 0; i < n; i++ {
		if !fn(i, c2h(C.lk_array_get(h2c(h), C.size_t(i)))) {
			return
		}
	}
}

func (nativeRuntime) DictionaryApply(h Handle, fn func(string, Handle) bool) {
	n := int(C.lk_dictionary_count(h2c(h)))
	if n == 0 {
		return
	}
	keys := make([]*C.char, n)
	vals := make([]C.uintptr_t, n)
	got := int(C.lk_dictionary_entries(h2c(h), &keys[0], &vals[0], C.size_t(n)))
	for i := 0; i < got; i++ {
		if !fn(C.GoString(keys[i]), c2h(vals[i])) {
			return
		}
	}
}

func (nativeRuntime) DupFd(h Handle) (int, error) {
	fd := int(C.lk_fd_dup(h2c(h)))
	if fd < 0 {
		return -1, fmt.Errorf("xpc_fd_dup failed")
	}
	return fd, nil
}

func (nativeRuntime) MapShmem(h Handle) ([]byte, error) {
	var region unsafe.Pointer
	size := C.lk_shmem_map(h2c(h), &region)
	if size == 0 || region == nil {
		return nil, fmt.Errorf("xpc_shmem_map failed")
	}
	return unsafe.Slice((*byte)(region), int(size)), nil
}

func (nativeRuntime) UnmapShmem(region []byte) int {
	if len(region) == 0 {
		return 0
	}
	return int(C.lk_shmem_unmap(unsafe.Pointer(&region[0]), C.size_t(len(region))))
}

func (nativeRuntime) BootstrapPort() MachPort { return MachPort(C.lk_bootstrap_port()) }
func (nativeRuntime) TaskSelf() MachPort      { return MachPort(C.lk_task_self()) }

func (nativeRuntime) BootstrapPipe() (Handle, error) {
	h := c2h(C.lk_pipe_create())
	if h == 0 {
		return 0, fmt.Errorf("xpc_pipe_create_from_port returned null")
	}
	return h, nil
}

func (nativeRuntime) PipeRoutine(pipe Handle, msg Handle, flags uint64) (Handle, int) {
	var reply C.uintptr_t
	status := C.lk_pipe_routine(h2c(pipe), h2c(msg), &reply, C.uint64_t(flags))
	return c2h(reply), int(status)
}

func (nativeRuntime) InvalidatePipe(pipe Handle) {
	C.lk_pipe_invalidate(h2c(pipe))
}

func (nativeRuntime) VMAllocate(task MachPort, size uint64, flags int) ([]byte, int) {
	var region unsafe.Pointer
	kr := C.lk_vm_allocate(C.mach_port_t(task), C.uint64_t(size), C.int(flags), &region)
	if kr != 0 {
		return nil, int(kr)
	}
	return unsafe.Slice((*byte)(region), int(size)), 0
}

func (nativeRuntime) VMDeallocate(task MachPort, region []byte) int {
	if len(region) == 0 {
		return 0
	}
	return int(C.lk_vm_deallocate(C.mach_port_t(task), unsafe.Pointer(&region[0]), C.uint64_t(len(region))))
}

func (nativeRuntime) Strerror(code int) string {
	return C.GoString(C.lk_strerror(C.int(code)))
}
