package native_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"gopkg.in/yaml.v3"

	zerr "github.com/regprune/regprune/errors"
	"github.com/regprune/regprune/pkg/api/config"
	zlog "github.com/regprune/regprune/pkg/log"
	"github.com/regprune/regprune/pkg/native"
	tcommon "github.com/regprune/regprune/pkg/test/common"
	"github.com/regprune/regprune/pkg/test/mocks"
)

type registryConfig struct {
	Storage struct {
		Delete struct {
			Enabled bool `yaml:"enabled"`
		} `yaml:"delete"`
		Filesystem struct {
			RootDirectory string `yaml:"rootdirectory"`
		} `yaml:"filesystem"`
	} `yaml:"storage"`
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
}

// TestMain lets the test binary act as the registry daemon when re-executed by the supervisor.
func TestMain(m *testing.M) {
	if os.Getenv(mocks.FakeDaemonEnv) == "1" {
		os.Exit(mocks.RunFakeDaemon(os.Args[1:]))
	}

	os.Exit(m.Run())
}

func newSupervisor(t *testing.T, mode string, timeout time.Duration) (*native.Supervisor, config.NativeConfig,
	*tcommon.ThreadSafeLogBuffer,
) {
	t.Helper()

	t.Setenv(mocks.FakeDaemonEnv, "1")
	t.Setenv(mocks.FakeDaemonModeEnv, mode)

	dir := t.TempDir()
	nativeConfig := config.NativeConfig{
		Enabled:      true,
		Binary:       os.Args[0],
		Data:         filepath.Join(dir, "data"),
		Address:      "127.0.0.1:" + tcommon.GetFreePort(),
		Config:       filepath.Join(dir, "registry-config.yaml"),
		StartTimeout: timeout,
	}

	So(os.MkdirAll(nativeConfig.Data, 0o755), ShouldBeNil)

	buffer := tcommon.NewThreadSafeLogBuffer()

	return native.NewSupervisor(nativeConfig, zlog.NewLoggerWithWriter("debug", buffer)), nativeConfig, buffer
}

func TestSupervisor(t *testing.T) {
	ctx := context.Background()

	Convey("Start and stop the registry", t, func() {
		supervisor, nativeConfig, buffer := newSupervisor(t, "", 30*time.Second)
		So(supervisor.State(), ShouldEqual, native.Stopped)

		err := supervisor.Start(ctx)
		So(err, ShouldBeNil)
		So(supervisor.State(), ShouldEqual, native.Running)
		So(supervisor.State().String(), ShouldEqual, "running")

		content, err := os.ReadFile(supervisor.ConfigPath())
		So(err, ShouldBeNil)

		var cfg registryConfig
		So(yaml.Unmarshal(content, &cfg), ShouldBeNil)
		So(cfg.HTTP.Addr, ShouldEqual, nativeConfig.Address)
		So(cfg.Storage.Filesystem.RootDirectory, ShouldEqual, nativeConfig.Data)
		So(cfg.Storage.Delete.Enabled, ShouldBeTrue)

		err = supervisor.Start(ctx)
		So(errors.Is(err, zerr.ErrDaemonAlreadyRunning), ShouldBeTrue)

		err = supervisor.GarbageCollect(ctx)
		So(errors.Is(err, zerr.ErrDaemonAlreadyRunning), ShouldBeTrue)

		So(supervisor.Stop(), ShouldBeNil)
		So(supervisor.State(), ShouldEqual, native.Stopped)

		err = supervisor.Stop()
		So(errors.Is(err, zerr.ErrDaemonNotRunning), ShouldBeTrue)

		So(tcommon.WaitForLogMessages(buffer, "shutting down", 1, 5*time.Second), ShouldBeTrue)

		logs := buffer.String()
		So(logs, ShouldContainSubstring, `"module":"registry"`)
		So(logs, ShouldContainSubstring, `"stream":"stderr"`)
		So(logs, ShouldContainSubstring, `"stream":"stdout"`)
		So(logs, ShouldContainSubstring, "listening on "+nativeConfig.Address)
		So(logs, ShouldContainSubstring, "registry is ready")

		So(supervisor.Cleanup(), ShouldBeNil)

		_, err = os.Stat(supervisor.ConfigPath())
		So(errors.Is(err, os.ErrNotExist), ShouldBeTrue)
		So(supervisor.Cleanup(), ShouldBeNil)

		Convey("The supervisor can be started again", func() {
			So(supervisor.Start(ctx), ShouldBeNil)
			So(supervisor.Stop(), ShouldBeNil)
		})
	})

	Convey("The daemon exits before being ready", t, func() {
		supervisor, _, buffer := newSupervisor(t, "crash", 30*time.Second)

		err := supervisor.Start(ctx)
		So(errors.Is(err, zerr.ErrDaemonExited), ShouldBeTrue)
		So(supervisor.State(), ShouldEqual, native.Stopped)
		So(buffer.String(), ShouldContainSubstring, "storage driver unavailable")
	})

	Convey("The daemon never logs readiness", t, func() {
		supervisor, _, _ := newSupervisor(t, "silent", 500*time.Millisecond)

		err := supervisor.Start(ctx)
		So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
		So(supervisor.State(), ShouldEqual, native.Stopped)

		Convey("Without timeout the caller context bounds the wait", func() {
			supervisor, _, _ := newSupervisor(t, "silent", 0)

			cancelled, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
			defer cancel()

			err := supervisor.Start(cancelled)
			So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
			So(supervisor.State(), ShouldEqual, native.Stopped)
		})
	})

	Convey("Oversized output lines do not block the daemon", t, func() {
		supervisor, nativeConfig, buffer := newSupervisor(t, "flood", 30*time.Second)

		So(supervisor.Start(ctx), ShouldBeNil)
		So(supervisor.Stop(), ShouldBeNil)

		logs := buffer.String()
		So(logs, ShouldContainSubstring, "listening on "+nativeConfig.Address)
		So(logs, ShouldContainSubstring, "stopped reading registry output")
	})

	Convey("Missing binary", t, func() {
		supervisor := native.NewSupervisor(config.NativeConfig{
			Binary:  filepath.Join(t.TempDir(), "missing"),
			Data:    t.TempDir(),
			Address: "127.0.0.1:5000",
			Config:  filepath.Join(t.TempDir(), "registry-config.yaml"),
		}, zlog.NewNopLogger())

		So(supervisor.Start(ctx), ShouldNotBeNil)
		So(supervisor.State(), ShouldEqual, native.Stopped)
		So(supervisor.GarbageCollect(ctx), ShouldNotBeNil)
	})
}

func TestGarbageCollect(t *testing.T) {
	ctx := context.Background()

	Convey("Garbage collection succeeds", t, func() {
		supervisor, nativeConfig, buffer := newSupervisor(t, "", 0)

		So(supervisor.GarbageCollect(ctx), ShouldBeNil)

		_, err := os.Stat(supervisor.ConfigPath())
		So(errors.Is(err, os.ErrNotExist), ShouldBeTrue)

		So(supervisor.GarbageCollect(ctx), ShouldBeNil)

		runs, err := os.ReadFile(filepath.Join(nativeConfig.Data, mocks.GarbageCollectLog))
		So(err, ShouldBeNil)
		So(strings.Count(string(runs), "collected"), ShouldEqual, 2)
		So(buffer.String(), ShouldContainSubstring, "marking blobs in "+nativeConfig.Data)
	})

	Convey("Garbage collection fails", t, func() {
		supervisor, _, buffer := newSupervisor(t, "gc-fail", 0)

		err := supervisor.GarbageCollect(ctx)
		So(errors.Is(err, zerr.ErrGarbageCollect), ShouldBeTrue)
		So(buffer.String(), ShouldContainSubstring, "failed to sweep blobs")

		_, err = os.Stat(supervisor.ConfigPath())
		So(errors.Is(err, os.ErrNotExist), ShouldBeTrue)
	})

	Convey("Garbage collection is cancelled", t, func() {
		supervisor, _, _ := newSupervisor(t, "gc-hang", 0)

		cancelled, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()

		err := supervisor.GarbageCollect(cancelled)
		So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
		So(errors.Is(err, zerr.ErrGarbageCollect), ShouldBeFalse)
	})
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	Convey("Run scopes the daemon to the callback", t, func() {
		supervisor, _, _ := newSupervisor(t, "", 30*time.Second)

		called := false

		err := supervisor.Run(ctx, func(context.Context) error {
			called = true
			So(supervisor.State(), ShouldEqual, native.Running)

			return nil
		})
		So(err, ShouldBeNil)
		So(called, ShouldBeTrue)
		So(supervisor.State(), ShouldEqual, native.Stopped)

		_, err = os.Stat(supervisor.ConfigPath())
		So(errors.Is(err, os.ErrNotExist), ShouldBeTrue)
	})

	Convey("Callback errors are returned after stopping", t, func() {
		supervisor, _, _ := newSupervisor(t, "", 30*time.Second)
		failure := errors.New("callback failed")

		err := supervisor.Run(ctx, func(context.Context) error {
			return failure
		})
		So(errors.Is(err, failure), ShouldBeTrue)
		So(supervisor.State(), ShouldEqual, native.Stopped)
	})

	Convey("The callback is skipped when the daemon does not start", t, func() {
		supervisor, _, _ := newSupervisor(t, "crash", 30*time.Second)

		err := supervisor.Run(ctx, func(context.Context) error {
			panic("must not be called")
		})
		So(errors.Is(err, zerr.ErrDaemonExited), ShouldBeTrue)

		_, err = os.Stat(supervisor.ConfigPath())
		So(errors.Is(err, os.ErrNotExist), ShouldBeTrue)
	})
}

func TestRenderConfig(t *testing.T) {
	Convey("Render the runtime configuration", t, func() {
		content, err := native.RenderConfig("/srv/registry", "0.0.0.0:5000")
		So(err, ShouldBeNil)

		var cfg registryConfig
		So(yaml.Unmarshal(content, &cfg), ShouldBeNil)
		So(cfg.Storage.Filesystem.RootDirectory, ShouldEqual, "/srv/registry")
		So(cfg.HTTP.Addr, ShouldEqual, "0.0.0.0:5000")
		So(cfg.Storage.Delete.Enabled, ShouldBeTrue)

		err = native.WriteConfig(filepath.Join(t.TempDir(), "nested", "config.yaml"), "/srv", "127.0.0.1:1")
		So(err, ShouldBeNil)
	})
}
