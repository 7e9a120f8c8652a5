//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/svcctl/internal/domain"
	"github.com/eliteGoblin/focusd/svcctl/internal/infra"
	"github.com/eliteGoblin/focusd/svcctl/internal/launchd"
	"github.com/eliteGoblin/focusd/svcctl/internal/launchd/launchdtest"
	"github.com/eliteGoblin/focusd/svcctl/internal/usecase"
	"github.com/eliteGoblin/focusd/svcctl/internal/xpc"
	"github.com/eliteGoblin/focusd/svcctl/internal/xpc/xpctest"
)

const daemonPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>%s</string>
	<key>ProgramArguments</key>
	<array>
		<string>/usr/bin/true</string>
	</array>
</dict>
</plist>`

var systemKey = launchdtest.Key{Type: domain.DomainSystem}

var _ = Describe("Service lifecycle", func() {
	var (
		ctx       context.Context
		tmpDir    string
		plistDir  string
		fake      *launchdtest.Daemon
		rt        *xpctest.Runtime
		transport *xpc.Transport
		client    *launchd.Client
		index     *infra.PlistIndex
		cache     *usecase.StatusCache
		journal   *infra.Journal
		manager   *usecase.ServiceManager
		now       time.Time
	)

	installPlist := func(label string) string {
		path := filepath.Join(plistDir, label+".plist")
		Expect(os.WriteFile(path, []byte(fmt.Sprintf(daemonPlist, label)), 0644)).To(Succeed())
		fake.AddPlist(path, launchdtest.Service{Label: label})
		index.Invalidate()
		return path
	}

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		tmpDir, err = os.MkdirTemp("", "svcctl-integration-*")
		Expect(err).NotTo(HaveOccurred())

		plistDir = filepath.Join(tmpDir, "LaunchDaemons")
		Expect(os.MkdirAll(plistDir, 0755)).To(Succeed())

		fake = launchdtest.NewDaemon()
		rt = fake.Runtime()
		logger := zap.NewNop()
		transport = xpc.NewTransport(rt, logger)
		client = launchd.NewClient(transport, logger, launchd.Config{DumpShmemSize: 256 * 1024, ShmemSize: 64 * 1024})

		index = infra.NewPlistIndex([]infra.PlistDir{
			{Path: plistDir, Kind: domain.KindDaemon, Location: domain.LocationGlobal},
		}, logger)

		now = time.Unix(1700000000, 0)
		cache = usecase.NewStatusCache(client, index, usecase.DefaultStatusCacheConfig(), logger)
		cache.SetClock(func() time.Time { return now })

		key, err := infra.NewJournalKey(infra.DetectExecMode(), filepath.Join(tmpDir, "data")).Ensure()
		Expect(err).NotTo(HaveOccurred())
		journal, err = infra.NewJournal(filepath.Join(tmpDir, "data"), key)
		Expect(err).NotTo(HaveOccurred())

		manager = usecase.NewServiceManager(client, cache, index, journal, logger)
	})

	AfterEach(func() {
		journal.Close()
		transport.Reset()
		os.RemoveAll(tmpDir)
	})

	Describe("loading by label", func() {
		Context("when the plist is installed", func() {
			It("should bootstrap the job and report it running", func() {
				path := installPlist("com.example.worker")

				before, err := manager.Status(ctx, "com.example.worker")
				Expect(err).NotTo(HaveOccurred())
				Expect(before.Loaded()).To(BeFalse())
				Expect(before.Descriptor).NotTo(BeNil())
				Expect(before.Descriptor.Path).To(Equal(path))

				cmd := usecase.LoadCommand{Target: domain.SystemTarget(), Label: "com.example.worker"}
				Expect(manager.Load(ctx, cmd)).To(Succeed())
				Expect(fake.Loaded(systemKey, "com.example.worker")).To(BeTrue())

				after, err := manager.Status(ctx, "com.example.worker")
				Expect(err).NotTo(HaveOccurred())
				Expect(after.Loaded()).To(BeTrue())
				Expect(after.Domain).To(Equal(domain.DomainSystem))
				Expect(after.PID).NotTo(BeZero())
			})
		})

		Context("when the label is disabled", func() {
			It("should fail unless forced", func() {
				installPlist("com.example.off")
				Expect(client.Disable(ctx, domain.SystemTarget(), []string{"com.example.off"})).To(Succeed())

				cmd := usecase.LoadCommand{Target: domain.SystemTarget(), Label: "com.example.off"}
				err := manager.Load(ctx, cmd)
				Expect(err).To(HaveOccurred())
				code, ok := xpc.ErrorCode(err)
				Expect(ok).To(BeTrue())
				Expect(code).To(Equal(119))

				cmd.Force = true
				Expect(manager.Load(ctx, cmd)).To(Succeed())

				disabled, err := client.DisabledLabels(ctx, domain.SystemTarget())
				Expect(err).NotTo(HaveOccurred())
				Expect(disabled).To(HaveKeyWithValue("com.example.off", false))
			})
		})
	})

	Describe("status caching", func() {
		It("should serve cached status until the TTL passes", func() {
			fake.AddService(systemKey, launchdtest.Service{Label: "com.example.cached", PID: 10})

			first, err := cache.Get(ctx, "com.example.cached")
			Expect(err).NotTo(HaveOccurred())
			Expect(first.PID).To(Equal(int64(10)))

			fake.AddService(systemKey, launchdtest.Service{Label: "com.example.cached", PID: 20})
			calls := fake.CallCount(launchd.RoutineList)

			again, err := cache.Get(ctx, "com.example.cached")
			Expect(err).NotTo(HaveOccurred())
			Expect(again.PID).To(Equal(int64(10)))
			Expect(fake.CallCount(launchd.RoutineList)).To(Equal(calls))

			now = now.Add(16 * time.Second)
			fresh, err := cache.Get(ctx, "com.example.cached")
			Expect(err).NotTo(HaveOccurred())
			Expect(fresh.PID).To(Equal(int64(20)))
		})

		It("should drop the entry when a command touches the label", func() {
			installPlist("com.example.bounce")
			fake.AddService(systemKey, launchdtest.Service{Label: "com.example.bounce", PID: 5})

			status, err := manager.Status(ctx, "com.example.bounce")
			Expect(err).NotTo(HaveOccurred())
			Expect(status.Loaded()).To(BeTrue())

			cmd := usecase.LoadCommand{Target: domain.SystemTarget(), Label: "com.example.bounce"}
			Expect(manager.Unload(ctx, cmd)).To(Succeed())

			status, err = manager.Status(ctx, "com.example.bounce")
			Expect(err).NotTo(HaveOccurred())
			Expect(status.Loaded()).To(BeFalse())
		})
	})

	Describe("command journal", func() {
		It("should record successes and failures newest first", func() {
			installPlist("com.example.journaled")
			cmd := usecase.LoadCommand{Target: domain.SystemTarget(), Label: "com.example.journaled"}

			Expect(manager.Load(ctx, cmd)).To(Succeed())
			Expect(manager.Load(ctx, cmd)).NotTo(Succeed())

			entries, err := journal.Recent(10)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].Succeeded()).To(BeFalse())
			Expect(entries[1].Succeeded()).To(BeTrue())
			Expect(entries[1].Operation).To(Equal(usecase.OpLoad))
			Expect(entries[1].Target).To(Equal("system"))
		})
	})

	Describe("shared memory dumps", func() {
		It("should return the written text and release every region", func() {
			fake.DumpText = "com.apple.xpc.launchd.domain.system = {\n}\n"
			fake.AddService(systemKey, launchdtest.Service{Label: "com.example.proc", PID: 321})

			state, err := client.DumpState(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(state)).To(Equal(fake.DumpText))

			info, err := client.ProcInfo(ctx, 321)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(info)).To(ContainSubstring("label = com.example.proc"))

			Expect(rt.Allocations()).To(BeZero())
			Expect(rt.Mappings()).To(BeZero())
		})
	})

	Describe("object lifetimes", func() {
		It("should leave no live objects after the pipe is reset", func() {
			installPlist("com.example.leak")
			cmd := usecase.LoadCommand{Target: domain.SystemTarget(), Label: "com.example.leak"}
			Expect(manager.Load(ctx, cmd)).To(Succeed())
			_, err := manager.Status(ctx, "com.example.leak")
			Expect(err).NotTo(HaveOccurred())
			_, err = manager.Blame(ctx, domain.SystemTarget(), "com.example.leak")
			Expect(err).NotTo(HaveOccurred())

			transport.Reset()
			Expect(rt.Live()).To(BeZero(), "leaked: %v", rt.LiveTypes())
		})
	})
})
