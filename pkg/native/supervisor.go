package native

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	zerr "github.com/regprune/regprune/errors"
	"github.com/regprune/regprune/pkg/api/config"
	"github.com/regprune/regprune/pkg/api/constants"
	zlog "github.com/regprune/regprune/pkg/log"
)

const maxLineLength = 1024 * 1024

type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type logLine struct {
	stream string
	text   string
}

// process is a launched registry command whose output is being forwarded to the log.
type process struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Supervisor runs the registry daemon found at the configured binary.
type Supervisor struct {
	binary     string
	data       string
	address    string
	configPath string
	timeout    time.Duration
	log        zlog.Logger
	daemonLog  zlog.Logger

	lock   sync.Mutex
	state  State
	daemon *process
}

func NewSupervisor(cfg config.NativeConfig, log zlog.Logger) *Supervisor {
	return &Supervisor{
		binary:     cfg.Binary,
		data:       cfg.Data,
		address:    cfg.Address,
		configPath: cfg.Config,
		timeout:    cfg.StartTimeout,
		log:        log,
		daemonLog:  log.Module("registry"),
		state:      Stopped,
	}
}

func (s *Supervisor) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.state
}

func (s *Supervisor) setState(state State) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.state = state
}

// ConfigPath is where the runtime configuration of the daemon is written.
func (s *Supervisor) ConfigPath() string {
	return s.configPath
}

// Start launches the daemon and returns once it logged that it is listening.
// The daemon is terminated when ctx is done or the start timeout expires first, a zero timeout waits forever.
func (s *Supervisor) Start(ctx context.Context) error {
	s.lock.Lock()
	if s.state != Stopped {
		s.lock.Unlock()

		return fmt.Errorf("%w: %s", zerr.ErrDaemonAlreadyRunning, s.state)
	}

	s.state = Starting
	s.lock.Unlock()

	if err := WriteConfig(s.configPath, s.data, s.address); err != nil {
		s.setState(Stopped)

		return err
	}

	s.log.Info().Str("module", "native").Str("binary", s.binary).Str("address", s.address).
		Str("data", s.data).Msg("starting registry")

	if s.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	ready := make(chan struct{})
	marker := constants.ReadyMarker + s.address

	cmd := exec.Command(s.binary, "serve", s.configPath) //nolint:gosec

	daemon, err := s.launch(cmd, marker, ready)
	if err != nil {
		s.setState(Stopped)

		return err
	}

	select {
	case <-ready:
		s.lock.Lock()
		s.daemon = daemon
		s.state = Running
		s.lock.Unlock()

		s.log.Info().Str("module", "native").Int("pid", daemon.cmd.Process.Pid).Msg("registry is ready")

		return nil
	case <-daemon.done:
		s.setState(Stopped)

		return fmt.Errorf("%w: %s serve: %w", zerr.ErrDaemonExited, s.binary, daemon.err)
	case <-ctx.Done():
		s.log.Error().Err(ctx.Err()).Str("module", "native").Msg("registry did not become ready, terminating")

		_ = daemon.cmd.Process.Signal(syscall.SIGTERM)
		<-daemon.done

		s.setState(Stopped)

		return fmt.Errorf("registry did not log %q: %w", marker, ctx.Err())
	}
}

// Stop asks the daemon to terminate and waits until it exits.
func (s *Supervisor) Stop() error {
	s.lock.Lock()
	if s.state != Running {
		s.lock.Unlock()

		return fmt.Errorf("%w: %s", zerr.ErrDaemonNotRunning, s.state)
	}

	s.state = Stopping
	daemon := s.daemon
	s.lock.Unlock()

	s.log.Info().Str("module", "native").Msg("stopping registry")

	if err := daemon.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Error().Err(err).Str("module", "native").Msg("failed to signal registry")
	}

	<-daemon.done

	if daemon.err != nil {
		s.log.Debug().Err(daemon.err).Str("module", "native").Msg("registry exited")
	}

	s.lock.Lock()
	s.daemon = nil
	s.state = Stopped
	s.lock.Unlock()

	return nil
}

// GarbageCollect runs the registry garbage collector over the data directory, removing untagged manifests.
// It must not run while the daemon is serving. The runtime configuration is removed on return.
func (s *Supervisor) GarbageCollect(ctx context.Context) (err error) {
	if state := s.State(); state != Stopped {
		return fmt.Errorf("%w: registry is %s", zerr.ErrDaemonAlreadyRunning, state)
	}

	defer func() {
		err = errors.Join(err, s.Cleanup())
	}()

	if err := WriteConfig(s.configPath, s.data, s.address); err != nil {
		return err
	}

	s.log.Info().Str("module", "native").Msg("running garbage collector")

	cmd := exec.CommandContext(ctx, s.binary, "garbage-collect", s.configPath, "--delete-untagged=true") //nolint:gosec
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	collector, err := s.launch(cmd, "", nil)
	if err != nil {
		return err
	}

	<-collector.done

	if collector.err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return fmt.Errorf("%w: %w", zerr.ErrGarbageCollect, collector.err)
	}

	return nil
}

// Cleanup removes the runtime configuration.
func (s *Supervisor) Cleanup() error {
	if err := os.Remove(s.configPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

// Run starts the daemon, calls fn and always stops the daemon and removes its configuration afterwards.
func (s *Supervisor) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := s.Start(ctx); err != nil {
		return errors.Join(err, s.Cleanup())
	}

	defer func() {
		err = errors.Join(err, s.Stop(), s.Cleanup())
	}()

	return fn(ctx)
}

// launch starts cmd with both output streams forwarded to the log.
// When marker is set, ready is closed the first time an output line contains it.
func (s *Supervisor) launch(cmd *exec.Cmd, marker string, ready chan struct{}) (*process, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	proc := &process{cmd: cmd, done: make(chan struct{})}
	lines := make(chan logLine)
	drained := make(chan struct{})

	var readers errgroup.Group

	readers.Go(func() error { return forward(stdout, "stdout", lines) })
	readers.Go(func() error { return forward(stderr, "stderr", lines) })

	go func() {
		defer close(drained)

		s.coordinate(lines, marker, ready)
	}()

	go func() {
		if err := readers.Wait(); err != nil {
			s.log.Debug().Err(err).Str("module", "native").Msg("stopped reading registry output")
		}

		close(lines)
		<-drained

		proc.err = cmd.Wait()
		close(proc.done)
	}()

	return proc, nil
}

// coordinate logs every line and closes ready once on the first line containing marker.
func (s *Supervisor) coordinate(lines <-chan logLine, marker string, ready chan struct{}) {
	for line := range lines {
		s.daemonLog.Debug().Str("stream", line.stream).Msg(line.text)

		if ready != nil && marker != "" && strings.Contains(line.text, marker) {
			close(ready)

			ready = nil
		}
	}
}

// forward sends every line of reader to lines. After a read error the rest of the stream is
// discarded so the process never blocks on a full pipe.
func forward(reader io.Reader, stream string, lines chan<- logLine) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), maxLineLength)

	for scanner.Scan() {
		lines <- logLine{stream: stream, text: strings.TrimSpace(scanner.Text())}
	}

	err := scanner.Err()
	if err != nil {
		_, _ = io.Copy(io.Discard, reader)
	}

	return err
}
