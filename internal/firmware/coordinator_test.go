package firmware

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/wolk/internal/filestore"
	"github.com/temoto/wolk/log2"
	"github.com/temoto/wolk/transport"
)

const testTimeout = 5 * time.Second

type mapStore struct {
	sync.Mutex
	files map[string]*filestore.File
	err   error
}

func (s *mapStore) GetFile(name string) (*filestore.File, error) {
	s.Lock()
	defer s.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if f, ok := s.files[name]; ok {
		return f, nil
	}
	return nil, errors.NotFoundf("file=%s", name)
}

type recordInstaller struct {
	version  string
	installs chan string
	aborts   chan struct{}
	versions int32
	block    chan struct{} // OnInstallCommand waits on it when not nil
}

func newRecordInstaller(version string) *recordInstaller {
	return &recordInstaller{
		version:  version,
		installs: make(chan string, 8),
		aborts:   make(chan struct{}, 8),
	}
}

func (i *recordInstaller) OnInstallCommand(c *Coordinator, fileName string) {
	i.installs <- fileName
	if i.block != nil {
		<-i.block
	}
}
func (i *recordInstaller) OnAbortCommand(c *Coordinator) { i.aborts <- struct{}{} }
func (i *recordInstaller) OnFirmwareVersion(c *Coordinator) {
	atomic.AddInt32(&i.versions, 1)
	_ = c.PublishFirmwareVersion(i.version)
}

type tenv struct {
	c         *Coordinator
	inst      *recordInstaller
	store     *mapStore
	tr        *transport.Mock
	topicStat string
	topicVer  string
}

func (env *tenv) expectReport(t testing.TB, report string) {
	m := env.tr.Expect(t, env.topicStat)
	assert.Equal(t, report, string(m.Payload))
	m = env.tr.Expect(t, env.topicVer)
	assert.Equal(t, env.inst.version, string(m.Payload))
}

func TestCoordinator(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		check func(testing.TB, *tenv)
	}{
		{"install-missing-file", func(t testing.TB, env *tenv) {
			env.c.OnInstallCommand("missing.bin")
			env.expectReport(t, `{"error":"FILE_NOT_PRESENT"}`)
			assert.Len(t, env.inst.installs, 0)
			assert.Equal(t, StateIdle, env.c.State())
		}},
		{"install-invalid-name", func(t testing.TB, env *tenv) {
			env.store.err = errors.NotValidf("file name")
			env.c.OnInstallCommand("../fw.bin")
			env.expectReport(t, `{"error":"FILE_NOT_PRESENT"}`)
			assert.Len(t, env.inst.installs, 0)
		}},
		{"install-store-error", func(t testing.TB, env *tenv) {
			env.store.err = fmt.Errorf("disk on fire")
			env.c.OnInstallCommand("fw.bin")
			env.expectReport(t, `{"error":"FILE_SYSTEM_ERROR"}`)
			assert.Len(t, env.inst.installs, 0)
		}},
		{"install", func(t testing.TB, env *tenv) {
			env.c.OnInstallCommand("fw.bin")
			env.expectReport(t, `{"status":"INSTALLATION"}`)
			assert.Equal(t, "fw.bin", <-env.inst.installs)
			assert.Equal(t, StateInstalling, env.c.State())

			require.NoError(t, env.c.PublishStatus(StatusCompleted))
			env.expectReport(t, `{"status":"COMPLETED"}`)
			assert.Equal(t, StateIdle, env.c.State())
		}},
		{"install-while-installing", func(t testing.TB, env *tenv) {
			env.c.OnInstallCommand("fw.bin")
			env.expectReport(t, `{"status":"INSTALLATION"}`)
			assert.Equal(t, "fw.bin", <-env.inst.installs)

			env.c.OnInstallCommand("fw.bin")
			env.expectReport(t, `{"error":"UNSPECIFIED_ERROR"}`)
			env.c.OnInstallCommand("missing.bin")
			env.expectReport(t, `{"error":"FILE_NOT_PRESENT"}`)
			assert.Len(t, env.inst.installs, 0)
			assert.Equal(t, StateInstalling, env.c.State())
		}},
		{"finish", func(t testing.TB, env *tenv) {
			ok, err := env.c.FinishInstallation(StatusCompleted, "")
			require.NoError(t, err)
			assert.False(t, ok, "outcome without installation")

			env.c.OnInstallCommand("fw.bin")
			env.expectReport(t, `{"status":"INSTALLATION"}`)
			ok, err = env.c.FinishInstallation("", ErrorInstallationFailed)
			require.NoError(t, err)
			assert.True(t, ok)
			env.expectReport(t, `{"error":"INSTALLATION_FAILED"}`)
			assert.Equal(t, StateIdle, env.c.State())
		}},
		{"finish-after-abort", func(t testing.TB, env *tenv) {
			env.c.OnInstallCommand("fw.bin")
			env.expectReport(t, `{"status":"INSTALLATION"}`)
			env.c.OnAbortCommand()
			env.expectReport(t, `{"status":"ABORTED"}`)

			ok, err := env.c.FinishInstallation(StatusCompleted, "")
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, StateIdle, env.c.State())
		}},
		{"abort-idle", func(t testing.TB, env *tenv) {
			env.c.OnAbortCommand()
			env.expectReport(t, `{"status":"ABORTED"}`)
			assert.Len(t, env.inst.aborts, 1)
			assert.Equal(t, StateIdle, env.c.State())
		}},
		{"publish-error", func(t testing.TB, env *tenv) {
			require.NoError(t, env.c.PublishError(ErrorInstallationFailed))
			env.expectReport(t, `{"error":"INSTALLATION_FAILED"}`)
			require.NoError(t, env.c.PublishFirmwareVersion("9.9"))
			assert.Equal(t, "9.9", string(env.tr.Expect(t, env.topicVer).Payload))
		}},
		{"publish-failure-returned", func(t testing.TB, env *tenv) {
			broken := fmt.Errorf("broker gone")
			env.tr.SetPublishError(broken)
			err := env.c.PublishStatus(StatusInstallation)
			assert.Equal(t, broken, errors.Cause(err))
			// version query happens regardless
			assert.Equal(t, int32(1), atomic.LoadInt32(&env.inst.versions))
			assert.Equal(t, broken, errors.Cause(env.c.PublishFirmwareVersion("1")))
		}},
		{"message-install", func(t testing.TB, env *tenv) {
			require.True(t, env.tr.Deliver(transport.TopicIn(TopicInstall, "dev1"), []byte(`{"fileName":"fw.bin"}`)))
			env.expectReport(t, `{"status":"INSTALLATION"}`)
			assert.Equal(t, "fw.bin", <-env.inst.installs)
		}},
		{"message-install-invalid", func(t testing.TB, env *tenv) {
			require.True(t, env.tr.Deliver(transport.TopicIn(TopicInstall, "dev1"), []byte(`{"file`)))
			env.expectReport(t, `{"error":"UNSPECIFIED_ERROR"}`)
			require.True(t, env.tr.Deliver(transport.TopicIn(TopicInstall, "dev1"), []byte(`{}`)))
			env.expectReport(t, `{"error":"UNSPECIFIED_ERROR"}`)
			assert.Len(t, env.inst.installs, 0)
		}},
		{"message-abort-while-install-busy", func(t testing.TB, env *tenv) {
			env.inst.block = make(chan struct{})
			defer close(env.inst.block)
			require.True(t, env.tr.Deliver(transport.TopicIn(TopicInstall, "dev1"), []byte(`{"fileName":"fw.bin"}`)))
			env.expectReport(t, `{"status":"INSTALLATION"}`)
			select {
			case <-env.inst.installs:
			case <-time.After(testTimeout):
				t.Fatal("installer not called")
			}
			// installer is still busy, abort must not wait for it
			require.True(t, env.tr.Deliver(transport.TopicIn(TopicAbort, "dev1"), nil))
			env.expectReport(t, `{"status":"ABORTED"}`)
			select {
			case <-env.inst.aborts:
			case <-time.After(testTimeout):
				t.Fatal("installer abort not called")
			}
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			tr := transport.NewMock(t, "dev1", 8)
			env := &tenv{
				inst:      newRecordInstaller("1.0.0"),
				store:     &mapStore{files: map[string]*filestore.File{"fw.bin": {Name: "fw.bin", Size: 3}}},
				tr:        tr,
				topicStat: "d2p/firmware_update_status/d/dev1",
				topicVer:  "d2p/firmware_version_update/d/dev1",
			}
			var err error
			env.c, err = NewCoordinator(Options{Transport: tr, Store: env.store, Installer: env.inst, Log: log2.NewTest(t, log2.LDebug)})
			require.NoError(t, err)
			require.NoError(t, env.c.Subscribe())
			assert.True(t, tr.Subscribed("p2d/firmware_update_install/d/dev1"))
			assert.True(t, tr.Subscribed("p2d/firmware_update_abort/d/dev1"))
			c.check(t, env)
			if env.inst.block != nil {
				return // deferred close unblocks, Close below would wait forever
			}
			env.c.Close()
			tr.ExpectNone(t, 20*time.Millisecond)
		})
	}
}

func TestCoordinatorInvalid(t *testing.T) {
	t.Parallel()

	tr := transport.NewMock(t, "dev1", 1)
	store := &mapStore{}
	inst := newRecordInstaller("")
	cases := []Options{
		{Store: store, Installer: inst},
		{Transport: tr, Installer: inst},
		{Transport: tr, Store: store},
	}
	for _, opt := range cases {
		_, err := NewCoordinator(opt)
		assert.True(t, errors.IsNotValid(err), "err=%v", err)
	}
}
