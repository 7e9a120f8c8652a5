package xpc_test

import (
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/svcctl/internal/xpc"
	"github.com/eliteGoblin/focusd/svcctl/internal/xpc/xpctest"
)

// accessors tries every typed accessor and reports the ones that succeeded.
func accessors(o *xpc.Object) map[xpc.Type]error {
	errs := map[xpc.Type]error{}
	_, errs[xpc.TypeInt64] = o.Int64()
	_, errs[xpc.TypeUInt64] = o.UInt64()
	_, errs[xpc.TypeDouble] = o.Double()
	_, errs[xpc.TypeBool] = o.Bool()
	_, errs[xpc.TypeString] = o.String()
	_, errs[xpc.TypeMachSend] = o.MachSend()
	_, errs[xpc.TypeMachRecv] = o.MachRecv()
	a, err := o.Array()
	a.Close()
	errs[xpc.TypeArray] = err
	d, err := o.Dictionary()
	d.Close()
	errs[xpc.TypeDictionary] = err
	m, err := o.SharedMemory()
	if err == nil {
		_ = xpc.UnmapShmem(o.Runtime(), m)
	}
	errs[xpc.TypeShmem] = err
	fd, err := o.Fd()
	if err == nil {
		_ = os.NewFile(uintptr(fd), "dup").Close()
	}
	errs[xpc.TypeFd] = err
	return errs
}

func TestObject_RoundTrip(t *testing.T) {
	rt := xpctest.NewRuntime(nil)

	tests := []struct {
		name  string
		value any
		typ   xpc.Type
		want  any
	}{
		{name: "int64", value: int64(-42), typ: xpc.TypeInt64, want: int64(-42)},
		{name: "int", value: 7, typ: xpc.TypeInt64, want: int64(7)},
		{name: "uint64", value: uint64(1 << 63), typ: xpc.TypeUInt64, want: uint64(1 << 63)},
		{name: "double", value: 2.5, typ: xpc.TypeDouble, want: 2.5},
		{name: "bool", value: true, typ: xpc.TypeBool, want: true},
		{name: "string", value: "com.apple.Finder", typ: xpc.TypeString, want: "com.apple.Finder"},
		{name: "empty string", value: "", typ: xpc.TypeString, want: ""},
		{name: "mach send", value: xpc.MachSendRight(0x1203), typ: xpc.TypeMachSend, want: xpc.MachSendRight(0x1203)},
		{name: "mach recv", value: xpc.MachRecvRight(0x1303), typ: xpc.TypeMachRecv, want: xpc.MachRecvRight(0x1303)},
		{name: "string slice", value: []string{"a", "b"}, typ: xpc.TypeArray, want: []any{"a", "b"}},
		{
			name:  "nested map",
			value: map[string]any{"pid": int64(1), "inner": map[string]any{"ok": false}},
			typ:   xpc.TypeDictionary,
			want:  map[string]any{"pid": int64(1), "inner": map[string]any{"ok": false}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := xpc.From(rt, tt.value)
			require.NoError(t, err)
			defer o.Close()

			assert.Equal(t, tt.typ, o.Type())
			got, err := xpc.Decode(o)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Zero(t, rt.Live(), "leaked: %v", rt.LiveTypes())
}

func TestObject_AccessorTypeMismatch(t *testing.T) {
	rt := xpctest.NewRuntime(nil)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	shmem, err := xpc.AllocateShmemSelf(rt, 4096, xpc.VMFlagsAnywhere)
	require.NoError(t, err)

	values := map[xpc.Type]any{
		xpc.TypeInt64:      int64(1),
		xpc.TypeUInt64:     uint64(1),
		xpc.TypeDouble:     1.0,
		xpc.TypeBool:       false,
		xpc.TypeString:     "x",
		xpc.TypeMachSend:   xpc.MachSendRight(1),
		xpc.TypeMachRecv:   xpc.MachRecvRight(1),
		xpc.TypeArray:      []any{int64(1)},
		xpc.TypeDictionary: map[string]any{"k": "v"},
		xpc.TypeFd:         xpc.Fd(w.Fd()),
		xpc.TypeShmem:      shmem,
	}

	for typ, value := range values {
		t.Run(typ.String(), func(t *testing.T) {
			o, err := xpc.From(rt, value)
			require.NoError(t, err)
			defer o.Close()

			for accessor, err := range accessors(o) {
				if accessor == typ {
					assert.NoError(t, err, "accessor %s", accessor)
					continue
				}
				var mismatch *xpc.TypeMismatchError
				require.ErrorAs(t, err, &mismatch, "accessor %s", accessor)
				assert.Equal(t, typ, mismatch.Found)
				assert.Equal(t, accessor, mismatch.Expected)
			}
		})
	}
	shmem.Close()
	assert.Zero(t, rt.Live(), "leaked: %v", rt.LiveTypes())
	assert.Zero(t, rt.Mappings())
	assert.Zero(t, rt.Allocations())
}

func TestObject_As(t *testing.T) {
	rt := xpctest.NewRuntime(nil)

	o := xpc.FromString(rt, "gui/501")
	defer o.Close()

	s, err := xpc.As[string](o)
	require.NoError(t, err)
	assert.Equal(t, "gui/501", s)

	_, err = xpc.As[int64](o)
	var mismatch *xpc.TypeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, xpc.TypeString, mismatch.Found)
	assert.Equal(t, xpc.TypeInt64, mismatch.Expected)
}

func TestObject_Value(t *testing.T) {
	rt := xpctest.NewRuntime(nil)

	o, err := xpc.From(rt, map[string]any{"a": int64(1)})
	require.NoError(t, err)
	defer o.Close()

	v, err := o.Value()
	require.NoError(t, err)
	dict, ok := v.(xpc.Dictionary)
	require.True(t, ok)
	defer dict.Close()
	assert.Equal(t, xpc.TypeDictionary, dict.Type())

	n, err := dict.GetInt64("a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestObject_ReleaseExactlyOnce(t *testing.T) {
	rt := xpctest.NewRuntime(nil)

	o := xpc.FromInt64(rt, 5)
	h, err := o.Handle()
	require.NoError(t, err)

	second, err := o.Retain()
	require.NoError(t, err)
	assert.Equal(t, 2, rt.RefCount(h))

	o.Close()
	o.Close()
	assert.Equal(t, 1, rt.RefCount(h), "double close must release once")

	_, err = o.Int64()
	assert.ErrorIs(t, err, xpc.ErrReleased)
	_, err = o.Handle()
	assert.ErrorIs(t, err, xpc.ErrReleased)

	v, err := second.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	second.Close()
	assert.Zero(t, rt.Live())
}

func TestObject_Copy(t *testing.T) {
	rt := xpctest.NewRuntime(nil)

	o, err := xpc.From(rt, []string{"x", "y"})
	require.NoError(t, err)

	dup, err := o.Copy()
	require.NoError(t, err)
	o.Close()

	got, err := xpc.Decode(dup)
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, got)

	dup.Close()
	assert.Zero(t, rt.Live())
}

func TestObject_Fd(t *testing.T) {
	rt := xpctest.NewRuntime(nil)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	o, err := xpc.FromFd(rt, int(w.Fd()))
	require.NoError(t, err)
	defer o.Close()

	fd, err := o.Fd()
	require.NoError(t, err)
	f := os.NewFile(uintptr(fd), "dup")
	_, err = f.Write([]byte("ok"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	buf := make([]byte, 2)
	_, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf))
}

func TestAdopt_Null(t *testing.T) {
	rt := xpctest.NewRuntime(nil)
	_, err := xpc.Adopt(rt, 0)
	assert.ErrorIs(t, err, xpc.ErrNullObject)
}

func TestFrom_Unsupported(t *testing.T) {
	rt := xpctest.NewRuntime(nil)

	_, err := xpc.From(rt, struct{}{})
	var unsupported *xpc.UnsupportedValueError
	assert.ErrorAs(t, err, &unsupported)

	_, err = xpc.From(rt, map[string]any{"ok": 1, "bad": []any{struct{}{}}})
	assert.ErrorAs(t, err, &unsupported)
	assert.Zero(t, rt.Live(), "partial builds must not leak: %v", rt.LiveTypes())
}

func TestDictionary_Get(t *testing.T) {
	rt := xpctest.NewRuntime(nil)

	o, err := xpc.From(rt, map[string]any{
		"service": map[string]any{"PID": int64(88), "LimitLoadToSessionType": "Aqua"},
		"count":   uint64(3),
	})
	require.NoError(t, err)
	defer o.Close()

	dict, err := o.Dictionary()
	require.NoError(t, err)
	defer dict.Close()

	pid, err := dict.GetInt64("service", "PID")
	require.NoError(t, err)
	assert.Equal(t, int64(88), pid)

	n, err := dict.GetInteger("count")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = dict.GetString("service", "missing")
	assert.ErrorIs(t, err, xpc.ErrNotFound)

	_, err = dict.Get("nope")
	assert.ErrorIs(t, err, xpc.ErrNotFound)

	_, err = dict.GetString("count")
	var mismatch *xpc.TypeMismatchError
	assert.ErrorAs(t, err, &mismatch)

	assert.Equal(t, []string{"count", "service"}, dict.Keys())
}

// collectingRuntime forces a collection inside every native read, while the
// object being read may no longer be referenced by its caller.
type collectingRuntime struct {
	*xpctest.Runtime
}

func (r collectingRuntime) String(h xpc.Handle) string {
	runtime.GC()
	return r.Runtime.String(h)
}

func (r collectingRuntime) Int64(h xpc.Handle) int64 {
	runtime.GC()
	return r.Runtime.Int64(h)
}

func TestObject_StaysAliveDuringRead(t *testing.T) {
	inner := xpctest.NewRuntime(nil)
	rt := collectingRuntime{Runtime: inner}

	for i := 0; i < 20; i++ {
		s, err := xpc.FromString(rt, "com.example.agent").String()
		require.NoError(t, err)
		assert.Equal(t, "com.example.agent", s)

		n, err := xpc.FromInt64(rt, int64(i)).Int64()
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}

	assert.Eventually(t, func() bool {
		runtime.GC()
		return inner.Live() == 0
	}, 2*time.Second, 10*time.Millisecond, "finalizers must release dropped owners")
}

func TestObject_MachRecvExtractedOnce(t *testing.T) {
	rt := xpctest.NewRuntime(nil)

	o := xpc.FromMachRecv(rt, 0x1303)
	defer o.Close()
	other, err := o.Retain()
	require.NoError(t, err)
	defer other.Close()

	first, err := o.MachRecv()
	require.NoError(t, err)
	second, err := o.MachRecv()
	require.NoError(t, err)
	assert.Equal(t, xpc.MachRecvRight(0x1303), first)
	assert.Equal(t, first, second, "repeated reads return the extracted right")

	moved, err := other.MachRecv()
	require.NoError(t, err)
	assert.Zero(t, moved, "the right has already left the native object")
}

func TestObject_SharedMemoryMapping(t *testing.T) {
	rt := xpctest.NewRuntime(nil)

	shmem, err := xpc.AllocateShmemSelf(rt, 4096, xpc.VMFlagsAnywhere)
	require.NoError(t, err)
	defer shmem.Close()

	m, err := shmem.Object().SharedMemory()
	require.NoError(t, err)
	assert.Equal(t, 1, rt.Mappings())
	copy(m, "dump")
	assert.Equal(t, "dump", string(shmem.Bytes(4)))

	require.NoError(t, xpc.UnmapShmem(rt, m))
	assert.Zero(t, rt.Mappings())

	var ioErr *xpc.IOError
	assert.ErrorAs(t, xpc.UnmapShmem(rt, m), &ioErr, "a mapping is removed once")
	assert.NoError(t, xpc.UnmapShmem(rt, nil))
}

// nullRuntime fails every scalar allocation.
type nullRuntime struct {
	*xpctest.Runtime
}

func (nullRuntime) CreateString(string) xpc.Handle { return 0 }

func TestFrom_AllocationFailurePanics(t *testing.T) {
	rt := nullRuntime{Runtime: xpctest.NewRuntime(nil)}

	assert.PanicsWithValue(t, "xpc: creating string object: xpc: null object", func() {
		xpc.FromString(rt, "x")
	})
	assert.Panics(t, func() {
		_, _ = xpc.From(rt, []any{"x"})
	})
}
