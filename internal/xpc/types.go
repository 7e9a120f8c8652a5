package xpc

// Type is the resolved type tag of a native object.
type Type int

const (
	TypeInvalid Type = iota
	TypeNull
	TypeInt64
	TypeUInt64
	TypeDouble
	TypeString
	TypeBool
	TypeArray
	TypeDictionary
	TypeMachSend
	TypeMachRecv
	TypeShmem
	TypeFd
	TypeError
)

var typeNames = map[Type]string{
	TypeInvalid:    "invalid",
	TypeNull:       "null",
	TypeInt64:      "int64",
	TypeUInt64:     "uint64",
	TypeDouble:     "double",
	TypeString:     "string",
	TypeBool:       "bool",
	TypeArray:      "array",
	TypeDictionary: "dictionary",
	TypeMachSend:   "mach_send",
	TypeMachRecv:   "mach_recv",
	TypeShmem:      "shmem",
	TypeFd:         "fd",
	TypeError:      "error",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Value is the closed set of decoded object kinds. Consumers switch on the
// concrete type; nothing outside this package can add a case.
type Value interface {
	Type() Type
	sealed()
}

type (
	Int64         int64
	UInt64        uint64
	Double        float64
	String        string
	Bool          bool
	Array         []*Object
	MachSendRight MachPort
	MachRecvRight MachPort
	Fd            int
	// SharedMemory is a mapping of a shmem object into this process.
	SharedMemory []byte
)

func (Int64) Type() Type         { return TypeInt64 }
func (UInt64) Type() Type        { return TypeUInt64 }
func (Double) Type() Type        { return TypeDouble }
func (String) Type() Type        { return TypeString }
func (Bool) Type() Type          { return TypeBool }
func (Array) Type() Type         { return TypeArray }
func (Dictionary) Type() Type    { return TypeDictionary }
func (MachSendRight) Type() Type { return TypeMachSend }
func (MachRecvRight) Type() Type { return TypeMachRecv }
func (Fd) Type() Type            { return TypeFd }
func (SharedMemory) Type() Type  { return TypeShmem }

func (Int64) sealed()         {}
func (UInt64) sealed()        {}
func (Double) sealed()        {}
func (String) sealed()        {}
func (Bool) sealed()          {}
func (Array) sealed()         {}
func (Dictionary) sealed()    {}
func (MachSendRight) sealed() {}
func (MachRecvRight) sealed() {}
func (Fd) sealed()            {}
func (SharedMemory) sealed()  {}

// Close releases every element of the array.
func (a Array) Close() {
	for _, o := range a {
		o.Close()
	}
}
