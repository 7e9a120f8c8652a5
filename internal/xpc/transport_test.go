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

func TestTransport_Send(t *testing.T) {
	var seen map[string]any
	rt := xpctest.NewRuntime(func(req xpc.Dictionary, flags uint64) (any, int) {
		decoded, unmap, err := xpctest.DecodeRequest(req)
		if err != nil {
			return nil, int(unix.EINVAL)
		}
		unmap()
		seen = decoded
		return map[string]any{"services": map[string]any{}}, 0
	})
	tr := xpc.NewTransport(rt, zap.NewNop())
	defer tr.Reset()

	reply, err := tr.Send(xpc.NewMessage().Entry("routine", uint64(815)).Entry("subsystem", uint64(3)))
	require.NoError(t, err)
	defer reply.Close()

	assert.Equal(t, xpc.TypeDictionary, reply.Type())
	assert.Equal(t, uint64(815), seen["routine"])
	assert.Equal(t, uint64(3), seen["subsystem"])
}

func TestTransport_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler xpctest.Handler
		check   func(t *testing.T, err error)
	}{
		{
			name: "non-zero status",
			handler: func(xpc.Dictionary, uint64) (any, int) {
				return nil, int(unix.EPERM)
			},
			check: func(t *testing.T, err error) {
				var terr *xpc.TransportError
				require.ErrorAs(t, err, &terr)
				assert.Equal(t, int(unix.EPERM), terr.Code)
				assert.NotEmpty(t, terr.Reason)
			},
		},
		{
			name: "status with reply",
			handler: func(xpc.Dictionary, uint64) (any, int) {
				return map[string]any{"x": true}, 5
			},
			check: func(t *testing.T, err error) {
				code, ok := xpc.ErrorCode(err)
				assert.True(t, ok)
				assert.Equal(t, 5, code)
			},
		},
		{
			name: "empty reply",
			handler: func(xpc.Dictionary, uint64) (any, int) {
				return nil, 0
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, xpc.ErrEmptyReply)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := xpctest.NewRuntime(tt.handler)
			tr := xpc.NewTransport(rt, zap.NewNop())

			reply, err := tr.Send(xpc.NewMessage().Entry("routine", uint64(1)))
			assert.Nil(t, reply)
			tt.check(t, err)

			tr.Reset()
			assert.Zero(t, rt.Live(), "leaked: %v", rt.LiveTypes())
		})
	}
}

func TestTransport_FlagsPassedThrough(t *testing.T) {
	var got uint64
	rt := xpctest.NewRuntime(func(_ xpc.Dictionary, flags uint64) (any, int) {
		got = flags
		return map[string]any{}, 0
	})
	tr := xpc.NewTransport(rt, zap.NewNop())
	defer tr.Reset()

	reply, err := tr.SendWithFlags(xpc.NewMessage(), 0x4)
	require.NoError(t, err)
	reply.Close()
	assert.Equal(t, uint64(0x4), got)
}

func TestTransport_ResetRedials(t *testing.T) {
	rt := xpctest.NewRuntime(func(xpc.Dictionary, uint64) (any, int) {
		return map[string]any{}, 0
	})
	tr := xpc.NewTransport(rt, zap.NewNop())

	reply, err := tr.Send(xpc.NewMessage())
	require.NoError(t, err)
	reply.Close()
	assert.Equal(t, 1, rt.Live(), "only the shared pipe stays open")

	tr.Reset()
	assert.Zero(t, rt.Live())

	reply, err = tr.Send(xpc.NewMessage())
	require.NoError(t, err)
	reply.Close()
	tr.Reset()
}

func TestTransport_SendOnClosedPipe(t *testing.T) {
	rt := xpctest.NewRuntime(func(xpc.Dictionary, uint64) (any, int) {
		return map[string]any{}, 0
	})
	tr := xpc.NewTransport(rt, zap.NewNop())

	conn, err := xpc.Dial(rt)
	require.NoError(t, err)
	conn.Close()
	conn.Close()

	_, err = tr.SendOn(conn, xpc.NewMessage(), 0)
	var terr *xpc.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, int(unix.EPIPE), terr.Code)
	assert.Zero(t, rt.Live(), "leaked: %v", rt.LiveTypes())
}

func TestTransport_ResetAbortsCallInFlight(t *testing.T) {
	entered := make(chan struct{})
	proceed := make(chan struct{})
	rt := xpctest.NewRuntime(func(xpc.Dictionary, uint64) (any, int) {
		close(entered)
		<-proceed
		return map[string]any{"services": map[string]any{}}, 0
	})
	tr := xpc.NewTransport(rt, zap.NewNop())

	errc := make(chan error, 1)
	go func() {
		reply, err := tr.Send(xpc.NewMessage().Entry("routine", uint64(815)))
		reply.Close()
		errc <- err
	}()

	<-entered
	tr.Reset()
	assert.Equal(t, 3, rt.Live(), "the call in flight holds the pipe, the request and its entry")
	close(proceed)

	var terr *xpc.TransportError
	require.ErrorAs(t, <-errc, &terr)
	assert.Equal(t, int(unix.EPIPE), terr.Code)
	assert.Zero(t, rt.Live(), "leaked: %v", rt.LiveTypes())
}
