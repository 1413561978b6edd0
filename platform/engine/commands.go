package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	kos "github.com/R3E-Network/service_kernel/platform/os"
)

// serviceCommands holds one service's handlers and counts invocations that
// have not returned yet.
type serviceCommands struct {
	handlers map[string]kos.CommandHandler
	inflight sync.WaitGroup
}

// commandTable maps service -> command -> handler. Removed services move to
// retired until their in-flight invocations have returned.
type commandTable struct {
	mu       sync.RWMutex
	services map[string]*serviceCommands
	retired  map[string][]*serviceCommands
}

func newCommandTable() *commandTable {
	return &commandTable{
		services: make(map[string]*serviceCommands),
		retired:  make(map[string][]*serviceCommands),
	}
}

func (t *commandTable) register(service, command string, h kos.CommandHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sc, ok := t.services[service]
	if !ok {
		sc = &serviceCommands{handlers: make(map[string]kos.CommandHandler)}
		t.services[service] = sc
	}
	if _, dup := sc.handlers[command]; dup {
		return kos.NewOSError(kos.ErrCodeInvalidArgument, fmt.Sprintf("command %q already registered on %s", command, service))
	}
	sc.handlers[command] = h
	return nil
}

// acquire looks up a handler and counts the invocation as in flight. done
// must be called once the handler has returned.
func (t *commandTable) acquire(service, command string) (h kos.CommandHandler, done func(), ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sc, found := t.services[service]
	if !found {
		return nil, nil, false
	}
	h, ok = sc.handlers[command]
	if !ok {
		return nil, nil, false
	}
	sc.inflight.Add(1)
	return h, sc.inflight.Done, true
}

func (t *commandTable) names(service string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sc, ok := t.services[service]
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(sc.handlers))
	for name := range sc.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// removeService drops the handlers of service. Invocations already running
// are waited for by wait.
func (t *commandTable) removeService(service string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sc, ok := t.services[service]; ok {
		delete(t.services, service)
		t.retired[service] = append(t.retired[service], sc)
	}
}

// wait blocks until every invocation of a removed service has returned.
func (t *commandTable) wait(ctx context.Context, service string) error {
	t.mu.RLock()
	pending := append([]*serviceCommands(nil), t.retired[service]...)
	t.mu.RUnlock()
	if len(pending) == 0 {
		return nil
	}

	done := make(chan struct{})
	go func() {
		for _, sc := range pending {
			sc.inflight.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for commands of %s: %w", service, ctx.Err())
	}

	t.mu.Lock()
	rest := t.retired[service][:0:0]
	for _, sc := range t.retired[service] {
		if !containsCommands(pending, sc) {
			rest = append(rest, sc)
		}
	}
	if len(rest) == 0 {
		delete(t.retired, service)
	} else {
		t.retired[service] = rest
	}
	t.mu.Unlock()
	return nil
}

func containsCommands(list []*serviceCommands, sc *serviceCommands) bool {
	for _, s := range list {
		if s == sc {
			return true
		}
	}
	return false
}
