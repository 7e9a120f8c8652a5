// Package xpc is a typed object runtime and pipe client for the launchd
// XPC control protocol.
//
// Every native value is owned through an *Object, which holds exactly one
// reference on the underlying handle and releases it on Close. Values are
// read back through a single validated decode path that checks the resolved
// type tag before touching the handle.
package xpc

import "errors"

// Handle is an opaque reference to a value owned by the native object system.
// The zero Handle is the null object.
type Handle uintptr

// MachPort is a Mach port name.
type MachPort uint32

// Runtime is the native object system the typed objects are bridged to.
//
// Create* methods return a handle carrying one reference owned by the caller.
// CreateArray and CreateDictionary take their own references on the elements.
// Handles passed to ArrayApply and DictionaryApply callbacks are borrowed and
// stay valid only for the duration of the callback.
type Runtime interface {
	TypeOf(h Handle) Type
	Retain(h Handle) Handle
	Release(h Handle)
	Copy(h Handle) Handle

	CreateInt64(v int64) Handle
	CreateUInt64(v uint64) Handle
	CreateDouble(v float64) Handle
	CreateBool(v bool) Handle
	CreateString(v string) Handle
	CreateArray(elems []Handle) Handle
	CreateDictionary(keys []string, vals []Handle) Handle
	CreateMachSend(port MachPort) Handle
	CreateMachRecv(port MachPort) Handle
	CreateFd(fd int) (Handle, error)
	CreateShmem(region []byte) (Handle, error)

	Int64(h Handle) int64
	UInt64(h Handle) uint64
	Double(h Handle) float64
	Bool(h Handle) bool
	String(h Handle) string
	ArrayApply(h Handle, fn func(index int, elem Handle) bool)
	DictionaryApply(h Handle, fn func(key string, val Handle) bool)
	MachPortOf(h Handle) MachPort
	DupFd(h Handle) (int, error)
	// MapShmem creates a new mapping of a shmem object; UnmapShmem removes it.
	MapShmem(h Handle) ([]byte, error)
	UnmapShmem(region []byte) int

	// BootstrapPort is the calling process's connection to launchd.
	BootstrapPort() MachPort
	// TaskSelf is the calling process's task port.
	TaskSelf() MachPort
	// BootstrapPipe creates a pipe to launchd over the bootstrap port.
	BootstrapPipe() (Handle, error)
	// PipeRoutine performs one blocking request/reply exchange. A non-zero
	// status is a system error code.
	PipeRoutine(pipe Handle, msg Handle, flags uint64) (reply Handle, status int)
	// InvalidatePipe aborts calls in flight on pipe with a transport error
	// and fails later ones. It does not release the pipe.
	InvalidatePipe(pipe Handle)

	VMAllocate(task MachPort, size uint64, flags int) ([]byte, int)
	VMDeallocate(task MachPort, region []byte) int

	Strerror(code int) string
}

// ErrUnsupportedPlatform is returned by NewNativeRuntime where libxpc is not available.
var ErrUnsupportedPlatform = errors.New("xpc: native runtime requires darwin with cgo")
