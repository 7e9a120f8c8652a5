// Package domain contains core entities and collaborator interfaces.
// This is the innermost layer - no protocol or platform dependencies.
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DomainType is the wire value launchd uses for a configuration scope.
type DomainType uint64

const (
	DomainSystem              DomainType = 1
	DomainUser                DomainType = 2
	DomainUserLogin           DomainType = 3
	DomainSession             DomainType = 4
	DomainPid                 DomainType = 5
	DomainRequestorUserDomain DomainType = 6
	DomainRequestorDomain     DomainType = 7
	DomainGUI                 DomainType = 8

	// DomainUnknown marks a label no domain knows about.
	DomainUnknown DomainType = 0
)

// SearchableDomains are the domain types probed when looking a label up
// without a target, in order.
var SearchableDomains = []DomainType{
	DomainSystem,
	DomainUser,
	DomainUserLogin,
	DomainSession,
	DomainPid,
	DomainRequestorUserDomain,
	DomainRequestorDomain,
}

func (t DomainType) String() string {
	switch t {
	case DomainSystem:
		return "system"
	case DomainUser:
		return "user"
	case DomainUserLogin:
		return "user-login"
	case DomainSession:
		return "session"
	case DomainPid:
		return "pid"
	case DomainRequestorUserDomain:
		return "requestor-user"
	case DomainRequestorDomain:
		return "requestor"
	case DomainGUI:
		return "gui"
	case DomainUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("domain(%d)", uint64(t))
	}
}

// TargetKind selects which configuration scope a command applies to.
type TargetKind string

const (
	TargetSystem TargetKind = "system"
	TargetUser   TargetKind = "user"
	TargetLogin  TargetKind = "login"
	TargetGUI    TargetKind = "gui"
	TargetPid    TargetKind = "pid"
)

// DomainTarget is a configuration scope plus its numeric handle: a uid for
// user and gui, an audit session id for login, a pid for pid. System has
// no handle.
type DomainTarget struct {
	Kind TargetKind
	ID   uint64
}

func SystemTarget() DomainTarget           { return DomainTarget{Kind: TargetSystem} }
func UserTarget(uid uint64) DomainTarget   { return DomainTarget{Kind: TargetUser, ID: uid} }
func GUITarget(uid uint64) DomainTarget    { return DomainTarget{Kind: TargetGUI, ID: uid} }
func LoginTarget(asid uint64) DomainTarget { return DomainTarget{Kind: TargetLogin, ID: asid} }
func PidTarget(pid uint64) DomainTarget    { return DomainTarget{Kind: TargetPid, ID: pid} }

// String renders the target the way launchctl spells it, e.g. "gui/501".
func (t DomainTarget) String() string {
	if t.Kind == TargetSystem {
		return string(TargetSystem)
	}
	return fmt.Sprintf("%s/%d", t.Kind, t.ID)
}

// ParseDomainTarget parses "system", "user/<uid>", "gui/<uid>",
// "login/<asid>" or "pid/<pid>".
func ParseDomainTarget(s string) (DomainTarget, error) {
	kind, id, hasID := strings.Cut(strings.TrimSpace(s), "/")
	switch TargetKind(kind) {
	case TargetSystem:
		if hasID {
			return DomainTarget{}, fmt.Errorf("invalid domain target %q: system takes no id", s)
		}
		return SystemTarget(), nil
	case TargetUser, TargetGUI, TargetLogin, TargetPid:
		if !hasID {
			return DomainTarget{}, fmt.Errorf("invalid domain target %q: missing id", s)
		}
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return DomainTarget{}, fmt.Errorf("invalid domain target %q: %w", s, err)
		}
		return DomainTarget{Kind: TargetKind(kind), ID: n}, nil
	default:
		return DomainTarget{}, fmt.Errorf("invalid domain target %q: unknown kind %q", s, kind)
	}
}

// SessionType is the class of user session a service is limited to.
type SessionType string

const (
	SessionAqua        SessionType = "Aqua"
	SessionStandardIO  SessionType = "StandardIO"
	SessionBackground  SessionType = "Background"
	SessionLoginWindow SessionType = "LoginWindow"
	SessionSystem      SessionType = "System"
	SessionUnknown     SessionType = "Unknown"
)

var sessionTypes = []SessionType{
	SessionAqua,
	SessionStandardIO,
	SessionBackground,
	SessionLoginWindow,
	SessionSystem,
}

func (s SessionType) String() string {
	return string(s)
}

// ParseSessionType accepts the daemon's spelling case-insensitively.
// Anything unrecognized is SessionUnknown.
func ParseSessionType(s string) SessionType {
	for _, st := range sessionTypes {
		if strings.EqualFold(s, string(st)) {
			return st
		}
	}
	return SessionUnknown
}

// SessionTypeFromCode maps the integer form some routines reply with.
func SessionTypeFromCode(code int64) SessionType {
	if code < 0 || code >= int64(len(sessionTypes)) {
		return SessionUnknown
	}
	return sessionTypes[code]
}

// DescriptorKind distinguishes agents from daemons.
type DescriptorKind string

const (
	KindAgent  DescriptorKind = "agent"
	KindDaemon DescriptorKind = "daemon"
)

// DescriptorLocation is where a descriptor lives on disk.
type DescriptorLocation string

const (
	LocationUser   DescriptorLocation = "user"   // ~/Library
	LocationGlobal DescriptorLocation = "global" // /Library
	LocationSystem DescriptorLocation = "system" // /System/Library
)

// Descriptor is a service's property list on disk.
type Descriptor struct {
	Label    string
	Path     string
	Kind     DescriptorKind
	Location DescriptorLocation
	ReadOnly bool
}

// Service is one row of a domain listing.
type Service struct {
	Label string `yaml:"label"`
	PID   int64  `yaml:"pid"`
	// Status is the last exit status, or the signal that terminated it.
	Status int64 `yaml:"status"`
}

// Running reports whether the service has a live process.
func (s Service) Running() bool {
	return s.PID != 0
}

// FoundService is the result of searching every domain for a label.
type FoundService struct {
	Label       string
	Domain      DomainType
	PID         int64
	SessionType SessionType
}

// EntryStatus is the last known status of a label.
type EntryStatus struct {
	Label       string
	Domain      DomainType
	SessionType SessionType
	PID         int64
	Descriptor  *Descriptor
	CreatedAt   time.Time
}

// Loaded reports whether any domain knows the label.
func (e EntryStatus) Loaded() bool {
	return e.Domain != DomainUnknown
}

// JournalEntry records one mutating command.
type JournalEntry struct {
	ID        string    `yaml:"id"`
	Operation string    `yaml:"operation"`
	Label     string    `yaml:"label"`
	Target    string    `yaml:"target"`
	Error     string    `yaml:"error,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
}

// Succeeded reports whether the command completed without error.
func (j JournalEntry) Succeeded() bool {
	return j.Error == ""
}
