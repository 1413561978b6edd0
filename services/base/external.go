package base

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/R3E-Network/service_kernel/platform/os"
)

// EventProcessStats is triggered by an ExternalService with a stats interval.
const EventProcessStats = "process.stats"

// ProcessConfig describes the child process of an ExternalService.
type ProcessConfig struct {
	Command string
	Args    []string
	Env     []string // appended to the kernel's environment
	Dir     string

	// MaxRestarts bounds how many times the process is restarted after it
	// exits. Once exhausted the service requests its own destruction.
	MaxRestarts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// StatsInterval publishes ProcessStats as EventProcessStats. Zero
	// disables publishing.
	StatsInterval time.Duration
}

func (c *ProcessConfig) setDefaults() {
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// ProcessStats reports the state of the child process.
type ProcessStats struct {
	PID        int32   `json:"pid"`
	Running    bool    `json:"running"`
	Restarts   int     `json:"restarts"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	NumThreads int32   `json:"num_threads"`
}

// ExternalService is a service whose business logic lives in a child process.
// The process is started while the service loads, restarted with exponential
// backoff when it exits, and killed when the service stops.
type ExternalService struct {
	*BaseService

	cfg  ProcessConfig
	user LifecycleHooks

	mu       sync.Mutex
	cmd      *exec.Cmd
	running  bool
	restarts int
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewExternalService creates an out-of-process service.
func NewExternalService(serviceOS os.ServiceOS, name string, runLevel int, cfg ProcessConfig) *ExternalService {
	cfg.setDefaults()
	e := &ExternalService{
		BaseService: NewBaseService(serviceOS, name, runLevel, os.OutOfProcess),
		cfg:         cfg,
	}
	e.BaseService.SetHooks(LifecycleHooks{
		OnStart:           e.onStart,
		OnPrepareShutdown: e.onPrepareShutdown,
		OnStop:            e.onStop,
	})
	return e
}

// SetHooks sets hooks that run alongside process management. OnStart runs
// after the process started; OnStop runs after it was killed.
func (e *ExternalService) SetHooks(hooks LifecycleHooks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.user = hooks
}

func (e *ExternalService) userHooks() LifecycleHooks {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.user
}

func (e *ExternalService) onStart(ctx context.Context) error {
	if e.cfg.Command == "" {
		return errors.New("external service requires a command")
	}

	supCtx, cancel := context.WithCancel(context.Background())
	cmd, err := e.startProcess(supCtx)
	if err != nil {
		cancel()
		return err
	}

	e.mu.Lock()
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	go e.supervise(supCtx, cmd, done)

	if e.cfg.StatsInterval > 0 {
		if err := e.RegisterEvent(EventProcessStats); err != nil {
			e.stopProcess(ctx)
			return fmt.Errorf("register %s: %w", EventProcessStats, err)
		}
		if _, err := e.Periodically(e.cfg.StatsInterval, e.publishStats); err != nil {
			e.stopProcess(ctx)
			return fmt.Errorf("schedule stats: %w", err)
		}
	}

	if hook := e.userHooks().OnStart; hook != nil {
		if err := hook(ctx); err != nil {
			e.stopProcess(ctx)
			return err
		}
	}
	return nil
}

func (e *ExternalService) onPrepareShutdown(ctx context.Context) error {
	if hook := e.userHooks().OnPrepareShutdown; hook != nil {
		return hook(ctx)
	}
	return nil
}

func (e *ExternalService) onStop(ctx context.Context) error {
	e.stopProcess(ctx)
	if hook := e.userHooks().OnStop; hook != nil {
		return hook(ctx)
	}
	return nil
}

func (e *ExternalService) startProcess(ctx context.Context) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, e.cfg.Command, e.cfg.Args...)
	cmd.Dir = e.cfg.Dir
	if len(e.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.cfg.Env...)
	}
	cmd.WaitDelay = 5 * time.Second
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.cfg.Command, err)
	}

	e.mu.Lock()
	e.cmd = cmd
	e.running = true
	e.mu.Unlock()

	e.logger.Info("process started", "pid", cmd.Process.Pid, "command", e.cfg.Command)
	return cmd, nil
}

func (e *ExternalService) supervise(ctx context.Context, cmd *exec.Cmd, done chan struct{}) {
	defer close(done)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.cfg.InitialBackoff
	expo.MaxInterval = e.cfg.MaxBackoff
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(e.cfg.MaxRestarts)), ctx)

	for {
		err := cmd.Wait()
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		e.logger.Warn("process exited", "error", err)

		for {
			wait := policy.NextBackOff()
			if wait == backoff.Stop {
				if ctx.Err() == nil {
					e.RequestDestroy(fmt.Sprintf("process exited %d times", e.Restarts()+1))
				}
				return
			}

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			next, startErr := e.startProcess(ctx)
			if startErr == nil {
				e.mu.Lock()
				e.restarts++
				e.mu.Unlock()
				cmd = next
				break
			}
			e.logger.Warn("process restart failed", "error", startErr)
		}
	}
}

func (e *ExternalService) stopProcess(ctx context.Context) {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("process did not exit before deadline", "error", ctx.Err())
	}
}

// Restarts returns how many times the process was restarted.
func (e *ExternalService) Restarts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restarts
}

// PID returns the current process id, or 0 when no process runs.
func (e *ExternalService) PID() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.cmd == nil || e.cmd.Process == nil {
		return 0
	}
	return int32(e.cmd.Process.Pid)
}

// ProcessStats samples the child process.
func (e *ExternalService) ProcessStats() (ProcessStats, error) {
	st := ProcessStats{Restarts: e.Restarts()}
	pid := e.PID()
	if pid == 0 {
		return st, nil
	}
	st.PID = pid
	st.Running = true

	proc, err := process.NewProcess(pid)
	if err != nil {
		return st, fmt.Errorf("inspect process %d: %w", pid, err)
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
	}
	if threads, err := proc.NumThreads(); err == nil {
		st.NumThreads = threads
	}
	return st, nil
}

func (e *ExternalService) publishStats(ctx context.Context) error {
	st, err := e.ProcessStats()
	if err != nil {
		return err
	}
	return e.TriggerEvent(ctx, EventProcessStats, st)
}

var _ os.ServiceInstance = (*ExternalService)(nil)
