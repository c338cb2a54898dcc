package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackd/stackd/pkg/config"
)

// RestartListener is notified on every supervisor decision. Used to feed
// metrics; may be nil.
type RestartListener interface {
	// ServiceRestarted is called after a successful relaunch.
	ServiceRestarted(stack, service string)

	// ServiceExited is called when a service exits and stays down.
	ServiceExited(stack, service string, code int)
}

// Supervisor watches running containers and applies each service's restart
// policy on process exit. Policy "always" relaunches unconditionally,
// "on-failure" only after a non-zero exit, "no" records the exit and stops
// watching.
type Supervisor struct {
	runtime      ContainerRuntime
	stateManager StateManager
	publisher    EventPublisher
	listener     RestartListener

	// restartDelay is the pause before a relaunch. Exits are unconditional
	// restarts per the policy, but an immediate tight loop would hammer the
	// runtime; the delay grows with consecutive fast exits and resets after
	// a stable run.
	restartDelay time.Duration

	// stableAfter is how long a process must live for the delay to reset.
	stableAfter time.Duration

	mu       sync.Mutex
	watching map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// NewSupervisor creates a new supervisor.
func NewSupervisor(rt ContainerRuntime, stateMgr StateManager, publisher EventPublisher) *Supervisor {
	return &Supervisor{
		runtime:      rt,
		stateManager: stateMgr,
		publisher:    publisher,
		restartDelay: 500 * time.Millisecond,
		stableAfter:  10 * time.Second,
		watching:     make(map[string]context.CancelFunc),
	}
}

// SetListener registers a restart listener.
func (s *Supervisor) SetListener(l RestartListener) {
	s.listener = l
}

// Watch begins supervising a service's container. It returns immediately;
// the watch loop runs until the context is cancelled, the service is
// unwatched, or its restart policy lets it stay down.
func (s *Supervisor) Watch(ctx context.Context, topo *config.Topology, service string, containerID string) error {
	svc, ok := topo.ServiceByName(service)
	if !ok {
		return NewPermanentError("cannot supervise undeclared service", nil).
			WithCode(ErrCodeNotFound).
			WithService(service)
	}

	watchCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if old, exists := s.watching[service]; exists {
		old()
	}
	s.watching[service] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervise(watchCtx, topo, svc, containerID)
	}()

	return nil
}

// Unwatch stops supervising a service without touching its container.
func (s *Supervisor) Unwatch(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.watching[service]; ok {
		cancel()
		delete(s.watching, service)
	}
}

// Close stops all watches and waits for their loops to drain.
func (s *Supervisor) Close() {
	s.mu.Lock()
	for service, cancel := range s.watching {
		cancel()
		delete(s.watching, service)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// supervise is the per-service watch loop.
func (s *Supervisor) supervise(ctx context.Context, topo *config.Topology, svc *config.Service, containerID string) {
	delay := s.restartDelay
	restarts := 0

	for {
		startedAt := time.Now()
		exit := s.runtime.Wait(ctx, containerID)
		if ctx.Err() != nil {
			return
		}

		if exit.Err != nil {
			s.event(ctx, svc.Name, EventTypeWarning,
				fmt.Sprintf("wait on %s failed: %v", svc.Name, exit.Err), "warning")
			return
		}

		s.event(ctx, svc.Name, EventTypeServiceExited,
			fmt.Sprintf("%s exited with code %d", svc.Name, exit.Code), "warning")

		if !shouldRestart(svc.Restart, exit.Code) {
			s.recordExit(ctx, topo.Name, svc.Name, containerID, exit.Code, restarts)
			if s.listener != nil {
				s.listener.ServiceExited(topo.Name, svc.Name, exit.Code)
			}
			return
		}

		if time.Since(startedAt) >= s.stableAfter {
			delay = s.restartDelay
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if delay < 30*time.Second {
			delay *= 2
		}

		if err := s.runtime.Start(ctx, containerID); err != nil {
			s.event(ctx, svc.Name, EventTypeServiceFailed,
				fmt.Sprintf("relaunch of %s failed: %v", svc.Name, err), "error")
			s.recordExit(ctx, topo.Name, svc.Name, containerID, exit.Code, restarts)
			return
		}

		restarts++
		s.recordRestart(ctx, topo.Name, svc.Name, containerID, restarts)
		s.event(ctx, svc.Name, EventTypeServiceRestarted,
			fmt.Sprintf("%s restarted (restart #%d)", svc.Name, restarts), "info")
		if s.listener != nil {
			s.listener.ServiceRestarted(topo.Name, svc.Name)
		}
	}
}

// shouldRestart applies the declared restart policy to an exit code.
func shouldRestart(policy config.RestartPolicy, exitCode int) bool {
	switch policy {
	case config.RestartAlways:
		return true
	case config.RestartOnFailure:
		return exitCode != 0
	default:
		return false
	}
}

// recordRestart persists a relaunch into the service's recorded state.
func (s *Supervisor) recordRestart(ctx context.Context, stack, service, containerID string, restarts int) {
	state := &ServiceState{
		Service:     service,
		Stack:       stack,
		ContainerID: containerID,
		Status:      ServiceStatusRestarting,
		Restarts:    restarts,
		UpdatedAt:   time.Now(),
	}
	if prev, err := s.stateManager.GetServiceState(ctx, stack, service); err == nil && prev != nil {
		state.ConfigHash = prev.ConfigHash
	}
	_ = s.stateManager.SaveServiceState(ctx, state)
}

// recordExit persists a terminal exit into the service's recorded state.
func (s *Supervisor) recordExit(ctx context.Context, stack, service, containerID string, code, restarts int) {
	state := &ServiceState{
		Service:     service,
		Stack:       stack,
		ContainerID: containerID,
		Status:      ServiceStatusExited,
		Restarts:    restarts,
		ExitCode:    &code,
		UpdatedAt:   time.Now(),
	}
	if prev, err := s.stateManager.GetServiceState(ctx, stack, service); err == nil && prev != nil {
		state.ConfigHash = prev.ConfigHash
	}
	_ = s.stateManager.SaveServiceState(ctx, state)
}

func (s *Supervisor) event(ctx context.Context, service string, eventType EventType, message, level string) {
	if s.publisher == nil {
		return
	}
	_ = s.publisher.Publish(ctx, &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Service:   service,
		Message:   message,
		Level:     level,
	})
}
