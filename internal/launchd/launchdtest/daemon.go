// Package launchdtest is a fake launchd answering the routine vocabulary of
// package launchd on an xpctest runtime.
package launchdtest

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/eliteGoblin/focusd/svcctl/internal/domain"
	"github.com/eliteGoblin/focusd/svcctl/internal/launchd"
	"github.com/eliteGoblin/focusd/svcctl/internal/xpc"
	"github.com/eliteGoblin/focusd/svcctl/internal/xpc/xpctest"
)

// Error codes the fake replies with.
const (
	ErrServiceNotFound = 113
	ErrUnsupported     = 125
	ErrAlreadyLoaded   = int(unix.EEXIST)
	ErrNoSuchProcess   = int(unix.ESRCH)
)

// Service is one job known to the fake.
type Service struct {
	Label   string
	PID     int64
	Status  int64
	Session domain.SessionType
	Reason  string
}

// Key is a raw domain type and handle pair.
type Key struct {
	Type   domain.DomainType
	Handle uint64
}

// Call is one request the fake received. A shared-memory entry is
// recorded as the region size.
type Call struct {
	Routine launchd.Routine
	Request map[string]any
}

// Daemon holds the fake's job table.
type Daemon struct {
	mu       sync.Mutex
	domains  map[Key]map[string]*Service
	disabled map[Key]map[string]bool
	plists   map[string]Service
	calls    []Call
	nextPID  int64

	// DumpText is written for the state dump routine.
	DumpText string
	// JetsamText is written for the jetsam routine.
	JetsamText string
	// Status makes a routine fail at the transport level with this status.
	Status map[launchd.Routine]int
	// SessionAsCode replies with integer session types instead of strings.
	SessionAsCode bool
	// OmitBytesWritten drops the byte count from shared-memory replies.
	OmitBytesWritten bool
}

// NewDaemon creates a fake with an empty system domain.
func NewDaemon() *Daemon {
	d := &Daemon{
		domains:  make(map[Key]map[string]*Service),
		disabled: make(map[Key]map[string]bool),
		plists:   make(map[string]Service),
		Status:   make(map[launchd.Routine]int),
		nextPID:  1000,
	}
	d.domains[Key{Type: domain.DomainSystem}] = make(map[string]*Service)
	return d
}

// Runtime returns an xpctest runtime whose pipe is answered by d.
func (d *Daemon) Runtime() *xpctest.Runtime {
	return xpctest.NewRuntime(d.Handle)
}

// AddDomain makes an empty domain known.
func (d *Daemon) AddDomain(key Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.domains[key]; !ok {
		d.domains[key] = make(map[string]*Service)
	}
}

// AddService loads svc into the domain at key, creating it if needed.
func (d *Daemon) AddService(key Key, svc Service) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.domains[key]; !ok {
		d.domains[key] = make(map[string]*Service)
	}
	s := svc
	d.domains[key][svc.Label] = &s
}

// AddPlist registers the job a load of path creates.
func (d *Daemon) AddPlist(path string, svc Service) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.plists[path] = svc
}

// SetDisabled records a disabled override.
func (d *Daemon) SetDisabled(key Key, label string, disabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setDisabledLocked(key, label, disabled)
}

func (d *Daemon) setDisabledLocked(key Key, label string, disabled bool) {
	if _, ok := d.disabled[key]; !ok {
		d.disabled[key] = make(map[string]bool)
	}
	d.disabled[key][label] = disabled
}

// Disabled reports the override of label in key.
func (d *Daemon) Disabled(key Key, label string) (disabled, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	disabled, ok = d.disabled[key][label]
	return disabled, ok
}

// Loaded reports whether label is loaded in key.
func (d *Daemon) Loaded(key Key, label string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.domains[key][label]
	return ok
}

// Calls returns every request received so far.
func (d *Daemon) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// CallCount returns how many times routine was called.
func (d *Daemon) CallCount(routine launchd.Routine) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.Routine == routine {
			n++
		}
	}
	return n
}

// ResetCalls forgets recorded calls.
func (d *Daemon) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

// Handle answers one pipe routine.
func (d *Daemon) Handle(raw xpc.Dictionary, _ uint64) (any, int) {
	req, unmap, err := xpctest.DecodeRequest(raw)
	if err != nil {
		return nil, int(unix.EINVAL)
	}
	defer unmap()
	routine := launchd.Routine(toUint(req[launchd.KeyRoutine]))

	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, Call{Routine: routine, Request: recorded(req)})

	if status := d.Status[routine]; status != 0 {
		return nil, status
	}

	switch routine {
	case launchd.RoutineList:
		return d.list(req), 0
	case launchd.RoutineLoad:
		return d.load(req), 0
	case launchd.RoutineUnload:
		return d.unload(req), 0
	case launchd.RoutineEnable, launchd.RoutineDisable:
		return d.enable(req, routine == launchd.RoutineDisable), 0
	case launchd.RoutineBlame:
		return d.blame(req), 0
	case launchd.RoutineDumpState:
		return d.writeShmem(req, d.DumpText), 0
	case launchd.RoutineDumpJetsam:
		return d.writeShmem(req, d.JetsamText), 0
	case launchd.RoutineProcInfo:
		return d.procInfo(req), 0
	case launchd.RoutineDisabledList:
		return d.disabledList(req), 0
	default:
		return errorReply(int(unix.ENOTSUP)), 0
	}
}

// recorded copies req for the call log, replacing the shared region with
// its size since the region is unmapped once the call returns.
func recorded(req map[string]any) map[string]any {
	out := make(map[string]any, len(req))
	for k, v := range req {
		if region, ok := v.(xpc.SharedMemory); ok {
			v = uint64(len(region))
		}
		out[k] = v
	}
	return out
}

func errorReply(code int) map[string]any {
	return map[string]any{"error": int64(code)}
}

func keyOf(req map[string]any) Key {
	return Key{
		Type:   domain.DomainType(toUint(req[launchd.KeyType])),
		Handle: toUint(req[launchd.KeyHandle]),
	}
}

func toUint(v any) uint64 {
	switch x := v.(type) {
	case uint64:
		return x
	case int64:
		return uint64(x)
	default:
		return 0
	}
}

func toStrings(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (d *Daemon) list(req map[string]any) map[string]any {
	services, ok := d.domains[keyOf(req)]
	if !ok {
		return errorReply(ErrUnsupported)
	}

	if name, ok := req[launchd.KeyName].(string); ok {
		svc, ok := services[name]
		if !ok {
			return errorReply(ErrServiceNotFound)
		}
		entry := map[string]any{}
		if svc.PID != 0 {
			entry[launchd.ServicePID] = svc.PID
		}
		if svc.Session != "" {
			if d.SessionAsCode {
				entry[launchd.ServiceSessionType] = sessionCode(svc.Session)
			} else {
				entry[launchd.ServiceSessionType] = svc.Session.String()
			}
		}
		return map[string]any{launchd.ReplyService: entry}
	}

	out := make(map[string]any, len(services))
	for label, svc := range services {
		out[label] = map[string]any{
			launchd.ListPID:    svc.PID,
			launchd.ListStatus: svc.Status,
		}
	}
	return map[string]any{launchd.ReplyServices: out}
}

func sessionCode(st domain.SessionType) int64 {
	for i := int64(0); i < 5; i++ {
		if domain.SessionTypeFromCode(i) == st {
			return i
		}
	}
	return -1
}

func (d *Daemon) load(req map[string]any) map[string]any {
	key := keyOf(req)
	errs := map[string]any{}
	for _, path := range toStrings(req[launchd.KeyPaths]) {
		plist, ok := d.plists[path]
		if !ok {
			errs[path] = int64(unix.ENOENT)
			continue
		}
		if d.disabled[key][plist.Label] {
			if req[launchd.KeyEnable] != true {
				errs[path] = int64(119)
				continue
			}
			d.setDisabledLocked(key, plist.Label, false)
		}
		if _, loaded := d.domains[key][plist.Label]; loaded {
			errs[path] = int64(ErrAlreadyLoaded)
			continue
		}
		if _, ok := d.domains[key]; !ok {
			d.domains[key] = make(map[string]*Service)
		}
		svc := plist
		if svc.PID == 0 {
			d.nextPID++
			svc.PID = d.nextPID
		}
		if s, ok := req[launchd.KeySession].(string); ok {
			svc.Session = domain.ParseSessionType(s)
		}
		d.domains[key][svc.Label] = &svc
	}
	return map[string]any{"errors": errs}
}

func (d *Daemon) unload(req map[string]any) map[string]any {
	key := keyOf(req)
	errs := map[string]any{}
	for _, path := range toStrings(req[launchd.KeyPaths]) {
		plist, ok := d.plists[path]
		if !ok {
			errs[path] = int64(unix.ENOENT)
			continue
		}
		if _, loaded := d.domains[key][plist.Label]; !loaded {
			errs[path] = int64(ErrServiceNotFound)
			continue
		}
		delete(d.domains[key], plist.Label)
	}
	return map[string]any{"errors": errs}
}

func (d *Daemon) enable(req map[string]any, disable bool) map[string]any {
	key := keyOf(req)
	names := toStrings(req[launchd.KeyNames])
	if name, ok := req[launchd.KeyName].(string); ok && len(names) == 0 {
		names = []string{name}
	}
	for _, name := range names {
		d.setDisabledLocked(key, name, disable)
	}
	return map[string]any{}
}

func (d *Daemon) blame(req map[string]any) map[string]any {
	name, _ := req[launchd.KeyName].(string)
	svc, ok := d.domains[keyOf(req)][name]
	if !ok {
		return errorReply(ErrServiceNotFound)
	}
	reason := svc.Reason
	if reason == "" {
		reason = "ipc (mach)"
	}
	return map[string]any{launchd.ReplyReason: reason}
}

func (d *Daemon) writeShmem(req map[string]any, text string) map[string]any {
	region, ok := req[launchd.KeyShmem].(xpc.SharedMemory)
	if !ok {
		return errorReply(int(unix.EINVAL))
	}
	n := copy(region, text)
	if d.OmitBytesWritten {
		return map[string]any{}
	}
	return map[string]any{launchd.ReplyBytesWritten: uint64(n)}
}

func (d *Daemon) procInfo(req map[string]any) map[string]any {
	pid := int64(toUint(req[launchd.KeyPid]))
	for key, services := range d.domains {
		for _, svc := range services {
			if svc.PID == pid {
				text := fmt.Sprintf("program path = %s\ndomain = %s\nlabel = %s\npid = %d\n",
					"/usr/libexec/"+svc.Label, key.Type, svc.Label, pid)
				return d.writeShmem(req, text)
			}
		}
	}
	return errorReply(ErrNoSuchProcess)
}

func (d *Daemon) disabledList(req map[string]any) map[string]any {
	overrides := d.disabled[keyOf(req)]
	labels := make([]string, 0, len(overrides))
	for label := range overrides {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var b strings.Builder
	b.WriteString("disabled services = {\n")
	for _, label := range labels {
		state := "enabled"
		if overrides[label] {
			state = "disabled"
		}
		fmt.Fprintf(&b, "\t%q => %s\n", label, state)
	}
	b.WriteString("}\n")
	return d.writeShmem(req, b.String())
}
