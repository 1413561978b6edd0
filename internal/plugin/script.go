package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	kos "github.com/R3E-Network/service_kernel/platform/os"
	"github.com/R3E-Network/service_kernel/services/base"
)

// ScriptScheme prefixes module paths served by the ScriptLoader.
const ScriptScheme = "js:"

// ScriptLoader loads services written in JavaScript. The file must define a
// global NewService(kernel) function; it may return an object with onStart,
// onPrepareShutdown and onStop callbacks.
type ScriptLoader struct{}

// Load implements Loader.
func (ScriptLoader) Load(path string) (*Module, error) {
	file := strings.TrimPrefix(path, ScriptScheme)
	src, err := os.ReadFile(file)
	if err != nil {
		return nil, &kos.ModuleOpenError{Path: path, Err: err}
	}
	prog, err := goja.Compile(file, string(src), false)
	if err != nil {
		return nil, &kos.ModuleOpenError{Path: path, Err: err}
	}

	check := goja.New()
	if _, err := check.RunProgram(prog); err != nil {
		return nil, &kos.ModuleOpenError{Path: path, Err: err}
	}
	if _, ok := goja.AssertFunction(check.Get(FactorySymbol)); !ok {
		return nil, &kos.SymbolResolutionError{Path: path, Symbol: FactorySymbol, Err: errors.New("not a function")}
	}

	return NewModule(path, scriptFactory(prog), nil), nil
}

func scriptFactory(prog *goja.Program) Factory {
	return func(svc kos.ServiceOS, name string, runLevel int) (kos.ServiceInstance, error) {
		s := &scriptService{
			InternalService: base.NewInternalService(svc, name, runLevel),
			vm:              goja.New(),
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if _, err := s.vm.RunProgram(prog); err != nil {
			return nil, fmt.Errorf("run script: %w", err)
		}
		ctor, ok := goja.AssertFunction(s.vm.Get(FactorySymbol))
		if !ok {
			return nil, errors.New("NewService is not a function")
		}
		hooks, err := ctor(goja.Undefined(), s.binding())
		if err != nil {
			return nil, fmt.Errorf("NewService: %w", err)
		}
		s.bindHooks(hooks)
		return s, nil
	}
}

// scriptService runs one goja runtime. The runtime is not goroutine safe, so
// every entry into JavaScript holds mu.
type scriptService struct {
	*base.InternalService

	mu sync.Mutex
	vm *goja.Runtime
}

func (s *scriptService) bindHooks(v goja.Value) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return
	}
	obj := v.ToObject(s.vm)
	hook := func(key string) func(context.Context) error {
		fn, ok := goja.AssertFunction(obj.Get(key))
		if !ok {
			return nil
		}
		return func(ctx context.Context) error {
			_, err := s.call(ctx, fn)
			return err
		}
	}
	s.SetHooks(base.LifecycleHooks{
		OnStart:           hook("onStart"),
		OnPrepareShutdown: hook("onPrepareShutdown"),
		OnStop:            hook("onStop"),
	})
}

// call enters the runtime. A cancelled ctx interrupts the running script.
func (s *scriptService) call(ctx context.Context, fn goja.Callable, args ...any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		select {
		case <-ctx.Done():
			s.vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	values := make([]goja.Value, len(args))
	for i, a := range args {
		values[i] = s.vm.ToValue(a)
	}
	result, err := fn(goja.Undefined(), values...)

	close(done)
	<-finished
	s.vm.ClearInterrupt()

	if err != nil {
		return nil, err
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	return result.Export(), nil
}

// throw raises err as a JavaScript exception. Must run on the runtime's
// goroutine, i.e. inside a binding.
func (s *scriptService) throw(err error) {
	panic(s.vm.NewGoError(err))
}

func (s *scriptService) callable(v goja.Value) goja.Callable {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		s.throw(errors.New("argument is not a function"))
	}
	return fn
}

func taskRef(t kos.Task) map[string]any {
	return map[string]any{"id": t.ID(), "type": t.Type().String()}
}

// decodePayload turns p into plain values for the runtime. An empty payload
// is null.
func decodePayload(p kos.Payload) (any, error) {
	if len(p) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(p, &v); err != nil {
		return nil, kos.NewOSError(kos.ErrCodeTypeError, fmt.Sprintf("decode payload: %v", err))
	}
	return v, nil
}

func eventValue(ev kos.Event) (map[string]any, error) {
	payload, err := decodePayload(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("event %s/%s: %w", ev.Publisher, ev.Name, err)
	}
	return map[string]any{
		"id":        ev.ID,
		"publisher": ev.Publisher,
		"name":      ev.Name,
		"payload":   payload,
		"timestamp": ev.Timestamp.UnixMilli(),
	}, nil
}

// binding builds the kernel object handed to NewService.
func (s *scriptService) binding() *goja.Object {
	k := s.vm.NewObject()
	svc := s.OS()

	must := func(err error) {
		if err != nil {
			s.throw(err)
		}
	}
	handler := func(fn goja.Callable) kos.Handler {
		return func(ctx context.Context) error {
			_, err := s.call(ctx, fn)
			return err
		}
	}
	millis := func(v goja.Value) time.Duration {
		return time.Duration(v.ToInteger()) * time.Millisecond
	}

	_ = k.Set("name", s.Name())
	_ = k.Set("runLevel", s.RunLevel())

	_ = k.Set("registerEvent", func(call goja.FunctionCall) goja.Value {
		must(s.RegisterEvent(call.Argument(0).String()))
		return goja.Undefined()
	})
	_ = k.Set("onEvent", func(call goja.FunctionCall) goja.Value {
		fn := s.callable(call.Argument(2))
		must(s.OnEvent(call.Argument(0).String(), call.Argument(1).String(), func(ctx context.Context, ev kos.Event) error {
			v, err := eventValue(ev)
			if err != nil {
				return err
			}
			_, err = s.call(ctx, fn, v)
			return err
		}))
		return goja.Undefined()
	})
	_ = k.Set("trigger", func(call goja.FunctionCall) goja.Value {
		must(s.TriggerEvent(svc.Context(), call.Argument(0).String(), call.Argument(1).Export()))
		return goja.Undefined()
	})
	_ = k.Set("asynchronously", func(call goja.FunctionCall) goja.Value {
		t, err := s.Asynchronously(handler(s.callable(call.Argument(0))))
		must(err)
		return s.vm.ToValue(taskRef(t))
	})
	_ = k.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		t, err := s.SetTimeout(millis(call.Argument(1)), handler(s.callable(call.Argument(0))))
		must(err)
		return s.vm.ToValue(taskRef(t))
	})
	_ = k.Set("periodically", func(call goja.FunctionCall) goja.Value {
		fn := handler(s.callable(call.Argument(0)))
		var t kos.Task
		var err error
		if call.Argument(2).ToBoolean() {
			t, err = s.PeriodicallyNow(millis(call.Argument(1)), fn)
		} else {
			t, err = s.Periodically(millis(call.Argument(1)), fn)
		}
		must(err)
		return s.vm.ToValue(taskRef(t))
	})
	_ = k.Set("cron", func(call goja.FunctionCall) goja.Value {
		t, err := s.Cron(call.Argument(0).String(), handler(s.callable(call.Argument(1))))
		must(err)
		return s.vm.ToValue(taskRef(t))
	})
	_ = k.Set("addCommand", func(call goja.FunctionCall) goja.Value {
		fn := s.callable(call.Argument(1))
		must(s.AddCommand(call.Argument(0).String(), func(ctx context.Context, req kos.Payload) (kos.Payload, error) {
			in, err := decodePayload(req)
			if err != nil {
				return nil, fmt.Errorf("command %s: %w", call.Argument(0).String(), err)
			}
			out, err := s.call(ctx, fn, in)
			if err != nil {
				return nil, err
			}
			return kos.NewPayload(out)
		}))
		return goja.Undefined()
	})
	_ = k.Set("config", func(call goja.FunctionCall) goja.Value {
		v, err := svc.Config().Get(svc.Context(), call.Argument(0).String())
		must(err)
		return s.vm.ToValue(v)
	})
	_ = k.Set("requestDestroy", func(call goja.FunctionCall) goja.Value {
		s.RequestDestroy(call.Argument(0).String())
		return goja.Undefined()
	})
	_ = k.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		s.Logger().Info(strings.Join(parts, " "), "source", "script")
		return goja.Undefined()
	})
	return k
}
