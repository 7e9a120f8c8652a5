package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/svcctl/internal/domain"
	"github.com/eliteGoblin/focusd/svcctl/internal/infra"
	"github.com/eliteGoblin/focusd/svcctl/internal/launchd/launchdtest"
	"github.com/eliteGoblin/focusd/svcctl/internal/xpc"
)

var (
	systemKey = launchdtest.Key{Type: domain.DomainSystem}
	gui501Key = launchdtest.Key{Type: domain.DomainGUI, Handle: 501}
)

const agentPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>%s</string>
</dict>
</plist>`

// fakeProcs answers process queries from a fixed pid table.
type fakeProcs map[int]string

func (f fakeProcs) IsRunning(pid int) bool {
	_, ok := f[pid]
	return ok
}

func (f fakeProcs) Name(pid int) (string, error) {
	if name, ok := f[pid]; ok {
		return name, nil
	}
	return "", os.ErrNotExist
}

// harness runs the CLI against a fake launchd with temp plist and data dirs.
type harness struct {
	d       *launchdtest.Daemon
	dirs    []infra.PlistDir
	dataDir string
	cfgPath string
	procs   fakeProcs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	agents := filepath.Join(root, "LaunchAgents")
	require.NoError(t, os.MkdirAll(agents, 0755))
	return &harness{
		d:       launchdtest.NewDaemon(),
		dirs:    []infra.PlistDir{{Path: agents, Kind: domain.KindAgent, Location: domain.LocationUser}},
		dataDir: filepath.Join(root, "data"),
		cfgPath: filepath.Join(root, "config.toml"),
		procs:   fakeProcs{},
	}
}

// installPlist writes a plist for label and registers what loading it does.
func (h *harness) installPlist(t *testing.T, label string) string {
	t.Helper()
	path := filepath.Join(h.dirs[0].Path, label+".plist")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(agentPlist, label)), 0644))
	h.d.AddPlist(path, launchdtest.Service{Label: label})
	return path
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	e := &env{
		runtime:   func() (xpc.Runtime, error) { return h.d.Runtime(), nil },
		out:       &out,
		plistDirs: func(string) []infra.PlistDir { return h.dirs },
		logger:    zap.NewNop(),
		procs:     h.procs,
	}
	root := newRootCmd(e)
	root.SetArgs(append([]string{"--config", h.cfgPath, "--data-dir", h.dataDir}, args...))
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestList(t *testing.T) {
	h := newHarness(t)
	h.d.AddService(gui501Key, launchdtest.Service{Label: "com.example.idle", Status: 256})
	h.d.AddService(gui501Key, launchdtest.Service{Label: "com.example.busy", PID: 42})

	out, err := h.run(t, "--target", "gui/501", "list")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "PID")
	assert.Contains(t, lines[1], "42")
	assert.Contains(t, lines[1], "com.example.busy")
	assert.Contains(t, lines[2], "256")
	assert.Contains(t, lines[2], "com.example.idle")
}

func TestList_YAML(t *testing.T) {
	h := newHarness(t)
	h.d.AddService(systemKey, launchdtest.Service{Label: "com.apple.sshd", PID: 7})

	out, err := h.run(t, "--target", "system", "-o", "yaml", "list")
	require.NoError(t, err)

	var services []domain.Service
	require.NoError(t, yaml.Unmarshal([]byte(out), &services))
	assert.Equal(t, []domain.Service{{Label: "com.apple.sshd", PID: 7}}, services)
}

func TestList_UnknownDomain(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "--target", "gui/777", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list gui/777")
}

func TestFindAndStatus(t *testing.T) {
	h := newHarness(t)
	h.d.AddService(systemKey, launchdtest.Service{Label: "com.apple.sshd", PID: 99, Session: domain.SessionSystem})
	h.procs[99] = "sshd"

	out, err := h.run(t, "find", "com.apple.sshd")
	require.NoError(t, err)
	assert.Contains(t, out, "com.apple.sshd")
	assert.Contains(t, out, "pid:     99")

	out, err = h.run(t, "-o", "yaml", "status", "com.apple.sshd")
	require.NoError(t, err)
	var v statusView
	require.NoError(t, yaml.Unmarshal([]byte(out), &v))
	assert.True(t, v.Loaded)
	assert.Equal(t, int64(99), v.PID)
	assert.Equal(t, string(domain.SessionSystem), v.Session)
	assert.Equal(t, "sshd", v.Process)
	assert.False(t, v.StalePID)

	out, err = h.run(t, "status", "com.example.nowhere")
	require.NoError(t, err)
	assert.Contains(t, out, "not loaded")

	_, err = h.run(t, "find", "com.example.nowhere")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStatus_StalePID(t *testing.T) {
	h := newHarness(t)
	h.d.AddService(systemKey, launchdtest.Service{Label: "com.example.gone", PID: 4242})

	out, err := h.run(t, "status", "com.example.gone")
	require.NoError(t, err)
	assert.Contains(t, out, "stale pid")
	assert.Contains(t, out, "pid:     4242\n")

	out, err = h.run(t, "-o", "yaml", "status", "com.example.gone")
	require.NoError(t, err)
	var v statusView
	require.NoError(t, yaml.Unmarshal([]byte(out), &v))
	assert.True(t, v.StalePID)
	assert.Empty(t, v.Process)
}

func TestLoadUnloadByLabel_Journaled(t *testing.T) {
	h := newHarness(t)
	h.installPlist(t, "com.example.agent")

	_, err := h.run(t, "--target", "gui/501", "load", "com.example.agent")
	require.NoError(t, err)
	assert.True(t, h.d.Loaded(gui501Key, "com.example.agent"))

	_, err = h.run(t, "--target", "gui/501", "load", "com.example.agent")
	require.Error(t, err, "second load reports the already-loaded error")

	_, err = h.run(t, "--target", "gui/501", "unload", "com.example.agent")
	require.NoError(t, err)
	assert.False(t, h.d.Loaded(gui501Key, "com.example.agent"))

	out, err := h.run(t, "-o", "yaml", "history")
	require.NoError(t, err)
	var entries []domain.JournalEntry
	require.NoError(t, yaml.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, "unload", entries[0].Operation)
	assert.True(t, entries[0].Succeeded())
	assert.False(t, entries[1].Succeeded())
	assert.Equal(t, "com.example.agent", entries[2].Label)
	assert.Equal(t, "gui/501", entries[2].Target)
}

func TestLoadByPath(t *testing.T) {
	h := newHarness(t)
	path := h.installPlist(t, "com.example.bypath")

	out, err := h.run(t, "--target", "gui/501", "load", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)
	assert.True(t, h.d.Loaded(gui501Key, "com.example.bypath"))
}

func TestLoad_Errors(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "--target", "gui/501", "load", "com.example.missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	h.installPlist(t, "com.example.agent")
	_, err = h.run(t, "--target", "gui/501", "load", "--session", "Moon", "com.example.agent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown session type")
}

func TestEnableDisable(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "--target", "system", "disable", "com.example.a", "com.example.b")
	require.NoError(t, err)
	_, err = h.run(t, "--target", "system", "enable", "com.example.b")
	require.NoError(t, err)

	out, err := h.run(t, "--target", "system", "-o", "yaml", "disabled")
	require.NoError(t, err)
	var overrides map[string]bool
	require.NoError(t, yaml.Unmarshal([]byte(out), &overrides))
	assert.Equal(t, map[string]bool{"com.example.a": true, "com.example.b": false}, overrides)

	out, err = h.run(t, "--target", "system", "disabled")
	require.NoError(t, err)
	assert.Contains(t, out, "disabled")
	assert.Contains(t, out, "com.example.a")
}

func TestBlame(t *testing.T) {
	h := newHarness(t)
	h.d.AddService(systemKey, launchdtest.Service{Label: "com.apple.sshd", Reason: "inetd"})

	out, err := h.run(t, "--target", "system", "blame", "com.apple.sshd")
	require.NoError(t, err)
	assert.Equal(t, "inetd\n", out)
}

func TestDumps(t *testing.T) {
	h := newHarness(t)
	h.d.DumpText = "com.apple.xpc.launchd.domain.system = {\n}\n"
	h.d.JetsamText = "jetsam = {}\n"
	h.d.AddService(systemKey, launchdtest.Service{Label: "com.apple.sshd", PID: 55})

	out, err := h.run(t, "dumpstate")
	require.NoError(t, err)
	assert.Equal(t, h.d.DumpText, out)

	out, err = h.run(t, "dumpjpcategory")
	require.NoError(t, err)
	assert.Equal(t, h.d.JetsamText, out)

	out, err = h.run(t, "procinfo", "55")
	require.NoError(t, err)
	assert.Contains(t, out, "label = com.apple.sshd")

	_, err = h.run(t, "procinfo", "abc")
	assert.Error(t, err)
}

func TestWatch_StopsAfterDuration(t *testing.T) {
	h := newHarness(t)
	h.d.AddService(systemKey, launchdtest.Service{Label: "com.apple.sshd", PID: 10})

	out, err := h.run(t, "--target", "system", "watch", "--duration", "200ms")
	require.NoError(t, err)
	assert.Contains(t, out, "system 1 services")
	assert.Contains(t, out, "+ com.apple.sshd")
}

func TestOutputFormatValidated(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "-o", "json", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestVersion(t *testing.T) {
	h := newHarness(t)
	out, err := h.run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "svcctl "+Version)

	out, err = h.run(t, "-o", "yaml", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "version: "+Version)
}

func TestDiffRunning(t *testing.T) {
	tests := []struct {
		name        string
		prev, next  map[string]int64
		wantStarted []string
		wantStopped []string
	}{
		{"first snapshot", nil, map[string]int64{"b": 2, "a": 1}, []string{"a", "b"}, nil},
		{"unchanged", map[string]int64{"a": 1}, map[string]int64{"a": 1}, nil, nil},
		{"restarted", map[string]int64{"a": 1}, map[string]int64{"a": 9}, []string{"a"}, nil},
		{"stopped", map[string]int64{"a": 1, "b": 2}, map[string]int64{"b": 2}, nil, []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			started, stopped := diffRunning(tt.prev, tt.next)
			assert.Equal(t, tt.wantStarted, started)
			assert.Equal(t, tt.wantStopped, stopped)
		})
	}
}

func TestLooksLikePath(t *testing.T) {
	assert.True(t, looksLikePath("/Library/LaunchDaemons/x.plist"))
	assert.True(t, looksLikePath("x.plist"))
	assert.True(t, looksLikePath("./dir/x"))
	assert.False(t, looksLikePath("com.example.agent"))
}

func TestHistory_PruneAndRotateKey(t *testing.T) {
	h := newHarness(t)
	h.installPlist(t, "com.example.agent")

	_, err := h.run(t, "--target", "gui/501", "load", "com.example.agent")
	require.NoError(t, err)
	_, err = h.run(t, "--target", "gui/501", "disable", "com.example.agent")
	require.NoError(t, err)

	keyPath := filepath.Join(h.dataDir, "journal.key")
	before, err := os.ReadFile(keyPath)
	require.NoError(t, err)

	out, err := h.run(t, "history", "--rotate-key")
	require.NoError(t, err)
	assert.Contains(t, out, "Journal key rotated")
	assert.Contains(t, out, "com.example.agent")

	after, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	out, err = h.run(t, "-o", "yaml", "history")
	require.NoError(t, err, "the journal opens with the rotated key")
	var entries []domain.JournalEntry
	require.NoError(t, yaml.Unmarshal([]byte(out), &entries))
	assert.Len(t, entries, 2)

	out, err = h.run(t, "history", "--prune", "1ns")
	require.NoError(t, err)
	assert.Contains(t, out, "Pruned 2 entries")

	out, err = h.run(t, "-o", "yaml", "history")
	require.NoError(t, err)
	entries = nil
	require.NoError(t, yaml.Unmarshal([]byte(out), &entries))
	assert.Empty(t, entries)

	_, err = h.run(t, "history", "--prune", "-1h")
	assert.Error(t, err)
}
