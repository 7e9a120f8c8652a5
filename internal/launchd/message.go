// Package launchd speaks the launchd control protocol: a closed set of
// numbered routines sent as request dictionaries over the bootstrap pipe.
package launchd

import (
	"errors"
	"fmt"

	"github.com/eliteGoblin/focusd/svcctl/internal/domain"
	"github.com/eliteGoblin/focusd/svcctl/internal/xpc"
)

// Routine identifies a daemon-side operation.
type Routine uint64

const (
	RoutineList         Routine = 815
	RoutineLoad         Routine = 800
	RoutineUnload       Routine = 801
	RoutineEnable       Routine = 808
	RoutineDisable      Routine = 809
	RoutineBlame        Routine = 707
	RoutineDumpState    Routine = 834
	RoutineDumpJetsam   Routine = 837
	RoutineProcInfo     Routine = 708
	RoutineDisabledList Routine = 828
)

// Subsystems the routines above belong to.
const (
	SubsystemProcess uint64 = 2
	SubsystemService uint64 = 3
)

// Request keys.
const (
	KeyRoutine       = "routine"
	KeySubsystem     = "subsystem"
	KeyType          = "type"
	KeyHandle        = "handle"
	KeyName          = "name"
	KeyNames         = "names"
	KeyPaths         = "paths"
	KeySession       = "session"
	KeyDomainPort    = "domain-port"
	KeyShmem         = xpc.ShmemKey
	KeyFd            = "fd"
	KeyPid           = "pid"
	KeyNoEInProgress = "no-einprogress"
	KeyByCLI         = "by-cli"
	KeyEnable        = "enable"
	KeyLegacy        = "legacy"
	KeyLegacyLoad    = "legacy-load"
)

// Reply keys.
const (
	ReplyServices     = "services"
	ReplyService      = "service"
	ReplyReason       = "reason"
	ReplyBytesWritten = "bytes-written"

	ServicePID         = "PID"
	ServiceSessionType = "LimitLoadToSessionType"
	ListPID            = "pid"
	ListStatus         = "status"
)

// ErrUnmappedDomain is returned for a target with no wire type/handle pair.
var ErrUnmappedDomain = errors.New("domain target has no wire mapping")

// RoutineMessage starts a request for routine in subsystem.
func RoutineMessage(routine Routine, subsystem uint64) xpc.Message {
	return xpc.NewMessage().
		Entry(KeyRoutine, uint64(routine)).
		Entry(KeySubsystem, subsystem)
}

// DomainMessage sets the raw type and handle fields.
func DomainMessage(typ domain.DomainType, handle uint64) xpc.Message {
	return xpc.NewMessage().
		Entry(KeyType, uint64(typ)).
		Entry(KeyHandle, handle)
}

// TargetMessage maps a target to the type and handle fields launchd expects.
func TargetMessage(target domain.DomainTarget) (xpc.Message, error) {
	typ, handle, err := TargetDomain(target)
	if err != nil {
		return xpc.Message{}, err
	}
	return DomainMessage(typ, handle), nil
}

// TargetDomain returns the wire type and handle of target. There is no
// default for kinds without a mapping.
func TargetDomain(target domain.DomainTarget) (domain.DomainType, uint64, error) {
	switch target.Kind {
	case domain.TargetSystem:
		return domain.DomainSystem, 0, nil
	case domain.TargetUser, domain.TargetGUI:
		return domain.DomainGUI, target.ID, nil
	case domain.TargetLogin:
		return domain.DomainUserLogin, target.ID, nil
	case domain.TargetPid:
		return domain.DomainPid, target.ID, nil
	default:
		return domain.DomainUnknown, 0, fmt.Errorf("%w: %q", ErrUnmappedDomain, target.Kind)
	}
}

func listMessage(dom xpc.Message, name string) xpc.Message {
	return RoutineMessage(RoutineList, SubsystemService).
		Extend(dom).
		EntryIf(name != "", KeyName, name)
}

func loadMessage(routine Routine, dom xpc.Message, req LoadRequest) xpc.Message {
	return RoutineMessage(routine, SubsystemService).
		Extend(dom).
		Entry(KeyPaths, req.Paths).
		Entry(KeyEnable, req.Force).
		Entry(KeyLegacy, true).
		Entry(KeyLegacyLoad, true).
		Entry(KeyByCLI, true).
		EntryIf(routine == RoutineUnload, KeyNoEInProgress, true).
		EntryIf(req.Session != "", KeySession, req.Session.String()).
		WithDomainPort()
}

func enableMessage(routine Routine, dom xpc.Message, labels []string) xpc.Message {
	return RoutineMessage(routine, SubsystemService).
		Extend(dom).
		Entry(KeyName, labels[0]).
		Entry(KeyNames, labels).
		WithDomainPort()
}

func blameMessage(dom xpc.Message, label string) xpc.Message {
	return RoutineMessage(RoutineBlame, SubsystemProcess).
		Extend(dom).
		Entry(KeyName, label)
}

var systemDomain = DomainMessage(domain.DomainSystem, 0)
