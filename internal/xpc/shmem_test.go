package xpc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/eliteGoblin/focusd/svcctl/internal/xpc"
	"github.com/eliteGoblin/focusd/svcctl/internal/xpc/xpctest"
)

const pageSize = 4096

func TestShmem_RoundTrip(t *testing.T) {
	payload := "com.apple.Finder => enabled\n"
	rt := xpctest.NewRuntime(func(req xpc.Dictionary, _ uint64) (any, int) {
		decoded, unmap, err := xpctest.DecodeRequest(req)
		if err != nil {
			return nil, int(unix.EINVAL)
		}
		defer unmap()
		region := decoded[xpc.ShmemKey].(xpc.SharedMemory)
		n := copy(region, payload)
		return map[string]any{"bytes-written": uint64(n)}, 0
	})
	tr := xpc.NewTransport(rt, zap.NewNop())
	defer tr.Reset()

	shmem, err := xpc.AllocateShmemSelf(rt, pageSize, xpc.VMFlagsAnywhere)
	require.NoError(t, err)
	assert.Equal(t, uint64(pageSize), shmem.Size())
	assert.Equal(t, 1, rt.Allocations())

	reply, err := tr.Send(xpc.NewMessage().Entry(xpc.ShmemKey, shmem))
	require.NoError(t, err)
	dict, err := reply.Dictionary()
	require.NoError(t, err)
	written, err := dict.GetUInt64("bytes-written")
	require.NoError(t, err)
	dict.Close()
	reply.Close()

	assert.Equal(t, payload, string(shmem.Bytes(written)))

	shmem.Close()
	shmem.Close()
	assert.Zero(t, rt.Allocations())
	assert.Zero(t, rt.Mappings(), "handler mappings must be unmapped")
}

func TestShmem_BytesClamped(t *testing.T) {
	rt := xpctest.NewRuntime(nil)

	shmem, err := xpc.AllocateShmemSelf(rt, pageSize, xpc.VMFlagsAnywhere)
	require.NoError(t, err)
	defer shmem.Close()

	copy(shmem.Region(), "abc")
	assert.Equal(t, "abc", string(shmem.Bytes(3)))
	assert.Len(t, shmem.Bytes(pageSize*4), pageSize)
	assert.Empty(t, shmem.Bytes(0))
}

func TestShmem_AllocateFailure(t *testing.T) {
	rt := xpctest.NewRuntime(nil)
	rt.FailAllocate = int(unix.ENOMEM)

	_, err := xpc.AllocateShmemSelf(rt, pageSize, xpc.VMFlagsAnywhere)
	var ioErr *xpc.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "vm_allocate", ioErr.Op)
	assert.Equal(t, int(unix.ENOMEM), ioErr.Code)
	assert.Zero(t, rt.Live())
}

func TestShmem_DeallocateFailurePanics(t *testing.T) {
	rt := xpctest.NewRuntime(nil)

	shmem, err := xpc.AllocateShmemSelf(rt, pageSize, xpc.VMFlagsAnywhere)
	require.NoError(t, err)
	region := shmem.Region()

	rt.FailDeallocate = int(unix.EINVAL)
	assert.Panics(t, shmem.Close)

	rt.FailDeallocate = 0
	assert.Zero(t, rt.VMDeallocate(rt.TaskSelf(), region))
}

func TestShmem_ObjectOutlivesRequest(t *testing.T) {
	rt := xpctest.NewRuntime(nil)

	shmem, err := xpc.AllocateShmemSelf(rt, pageSize, xpc.VMFlagsAnywhere)
	require.NoError(t, err)
	h, err := shmem.Object().Handle()
	require.NoError(t, err)

	req, err := xpc.NewMessage().Entry(xpc.ShmemKey, shmem).Build(rt)
	require.NoError(t, err)
	assert.Equal(t, 2, rt.RefCount(h))

	req.Close()
	assert.Equal(t, 1, rt.RefCount(h))

	shmem.Close()
	assert.Zero(t, rt.Live())
	assert.Zero(t, rt.Allocations())
}
