package reconcile

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/caravelhq/caravel/models"
)

// Supervise watches every tracked container and reports exits that leave a
// container stopped. Restarting is the runtime's job: containers are created
// with their declared policy mapped onto the engine's native restart policy,
// so always and on-failure exits are restarted in place without this process
// being involved. What the runtime will not restart (never policy, or an
// on-failure container exiting cleanly) is emitted on the events channel.
// Runs until the context ends.
func (e *Engine) Supervise(ctx context.Context, events chan<- ExitEvent) {
	e.mu.Lock()
	names := make([]string, 0, len(e.containers))
	for name := range e.containers {
		names = append(names, name)
	}
	e.mu.Unlock()

	for _, name := range names {
		go e.watch(ctx, name, events)
	}
	<-ctx.Done()
}

func (e *Engine) watch(ctx context.Context, service string, events chan<- ExitEvent) {
	for {
		svc, id, ok := e.tracked(service)
		if !ok {
			return
		}

		exitCode, err := e.rt.WaitContainer(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// The container may have been replaced under us by a newer
			// reconcile pass; re-arm on the current handle.
			if _, newID, still := e.tracked(service); still && newID != id {
				continue
			}
			e.log.Error("container wait failed", "service", service, "error", err)
			return
		}

		switch svc.RestartPolicy {
		case models.RestartAlways:
			e.log.Info("container exited, runtime restarts it",
				"service", service, "exit_code", exitCode, "policy", svc.RestartPolicy)
		case models.RestartOnFailure:
			if exitCode == 0 {
				e.log.Info("container exited cleanly, leaving stopped",
					"service", service, "exit_code", exitCode)
				emit(events, ExitEvent{Service: service, ExitCode: exitCode})
				return
			}
			e.log.Info("container exited, runtime restarts it",
				"service", service, "exit_code", exitCode, "policy", svc.RestartPolicy)
		default: // never
			e.log.Warn("container exited, restart policy never",
				"service", service, "exit_code", exitCode)
			emit(events, ExitEvent{Service: service, ExitCode: exitCode})
			return
		}

		// Give the runtime a moment to bring the container back before
		// waiting again, otherwise the wait returns immediately while it
		// is still stopped.
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func emit(events chan<- ExitEvent, ev ExitEvent) {
	if events == nil {
		return
	}
	select {
	case events <- ev:
	default:
	}
}

// probe waits for the service's readiness port to accept TCP connections.
// Optional strengthening of the start-only ordering contract: it only runs
// for services that declare a readiness block, and only when the probed port
// is published to the host.
func (e *Engine) probe(ctx context.Context, svc models.Service) error {
	hostPort := 0
	for _, p := range svc.Ports {
		if p.ContainerPort == svc.Readiness.TCPPort {
			hostPort = p.HostPort
			break
		}
	}
	if hostPort == 0 {
		e.log.Warn("readiness port not published to host, skipping probe",
			"service", svc.Name, "tcp_port", svc.Readiness.TCPPort)
		return nil
	}

	timeout := time.Duration(svc.Readiness.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("127.0.0.1:%d", hostPort)

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("service %q not ready on %s after %s", svc.Name, addr, timeout)
}
