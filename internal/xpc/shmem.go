package xpc

import (
	"fmt"
	"sync"
)

// VMFlagsAnywhere lets the kernel choose the address of an allocation.
const VMFlagsAnywhere = 0x1

// ShmemKey is the request key a shared-memory region is attached under.
const ShmemKey = "shmem"

// ShmemRegion is a page-aligned allocation in a task, wrapped as a shmem
// object so launchd can write a large reply into it. Only the region owns
// the memory; requests it is attached to hold a reference to the wrapping
// object, never to the allocation.
type ShmemRegion struct {
	rt     Runtime
	task   MachPort
	size   uint64
	region []byte
	obj    *Object
	once   sync.Once
}

// AllocateShmem allocates size bytes in task.
func AllocateShmem(rt Runtime, task MachPort, size uint64, flags int) (*ShmemRegion, error) {
	region, status := rt.VMAllocate(task, size, flags)
	if status != 0 {
		return nil, &IOError{Op: "vm_allocate", Code: status, Reason: rt.Strerror(status)}
	}
	h, err := rt.CreateShmem(region)
	if err != nil {
		rt.VMDeallocate(task, region)
		return nil, fmt.Errorf("failed to wrap shared memory: %w", err)
	}
	obj, err := adopt(rt, h)
	if err != nil {
		rt.VMDeallocate(task, region)
		return nil, fmt.Errorf("failed to wrap shared memory: %w", err)
	}
	return &ShmemRegion{
		rt:     rt,
		task:   task,
		size:   size,
		region: region,
		obj:    obj,
	}, nil
}

// AllocateShmemSelf allocates size bytes in the calling task.
func AllocateShmemSelf(rt Runtime, size uint64, flags int) (*ShmemRegion, error) {
	return AllocateShmem(rt, rt.TaskSelf(), size, flags)
}

// Object returns the wrapping shmem object. It stays owned by the region.
func (s *ShmemRegion) Object() *Object {
	return s.obj
}

// Size returns the allocated size in bytes.
func (s *ShmemRegion) Size() uint64 {
	return s.size
}

// Region returns the mapped memory. It must not be used after Close.
func (s *ShmemRegion) Region() []byte {
	return s.region
}

// Bytes copies the first written bytes of the region, clamped to its size.
func (s *ShmemRegion) Bytes(written uint64) []byte {
	n := written
	if n > s.size {
		n = s.size
	}
	out := make([]byte, n)
	copy(out, s.region[:n])
	return out
}

// Close deallocates the region. A failed deallocation leaves the address
// space in an unknown state and panics.
func (s *ShmemRegion) Close() {
	s.once.Do(func() {
		s.obj.Close()
		if status := s.rt.VMDeallocate(s.task, s.region); status != 0 {
			panic(fmt.Sprintf("xpc: vm_deallocate of %d bytes failed: %d: %s",
				s.size, status, s.rt.Strerror(status)))
		}
		s.region = nil
	})
}

// UnmapShmem removes a mapping returned by Object.SharedMemory.
func UnmapShmem(rt Runtime, m SharedMemory) error {
	if len(m) == 0 {
		return nil
	}
	if status := rt.UnmapShmem(m); status != 0 {
		return &IOError{Op: "munmap", Code: status, Reason: rt.Strerror(status)}
	}
	return nil
}
