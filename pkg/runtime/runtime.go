// Package runtime is the host-facing surface of the core: it resolves
// command configurations and process manager definitions by name and
// exposes the three inbound operations a reactive backend calls:
// execute a command, publish an event, deliver an event to a process
// manager. Everything behind it is wired at construction and immutable
// afterward; a misregistered command or PM fails New, never a live call.
package runtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dcbrun/domainrt/pkg/dcb"
	"github.com/dcbrun/domainrt/pkg/eventbus"
	"github.com/dcbrun/domainrt/pkg/orchestrator"
	"github.com/dcbrun/domainrt/pkg/processmanager"
	"github.com/dcbrun/domainrt/pkg/upcaster"
)

// CommandExecutor is what the runtime dispatches resolved commands to:
// the plain orchestrator, or the durable executor wrapping it.
type CommandExecutor interface {
	Execute(ctx context.Context, cfg orchestrator.Config, args any) (orchestrator.Result, error)
}

// ValidateArgsFunc checks a command's raw arguments against its
// declared schema before the orchestrator runs; unknown or malformed
// fields are rejected here rather than inside a decider.
type ValidateArgsFunc func(args any) error

// CommandDefinition binds one registered command name to its full
// orchestrator wiring plus an optional argument validator.
type CommandDefinition struct {
	Config       orchestrator.Config
	ValidateArgs ValidateArgsFunc
}

// Options is everything New wires. Executor is required; the rest may
// be nil when the host doesn't use that surface.
type Options struct {
	Executor        CommandExecutor
	Bus             *eventbus.Bus
	PMExecutor      *processmanager.Executor
	Upcasters       *upcaster.Registry
	Commands        []CommandDefinition
	ProcessManagers []processmanager.Definition
}

// Runtime is the constructed facade. Immutable after New.
type Runtime struct {
	executor  CommandExecutor
	bus       *eventbus.Bus
	pmExec    *processmanager.Executor
	upcasters *upcaster.Registry
	commands  map[string]CommandDefinition
	pms       map[string]processmanager.Definition
	// Logger receives structured fields for every inbound call;
	// defaults to a no-op logger. Set to obslog.L() for production use.
	Logger *zap.Logger
}

// New validates opts and builds the runtime. Command types and PM
// names must be unique and fully wired.
func New(opts Options) (*Runtime, error) {
	if opts.Executor == nil {
		return nil, fmt.Errorf("runtime: executor is required")
	}

	commands := make(map[string]CommandDefinition, len(opts.Commands))
	for _, def := range opts.Commands {
		name := def.Config.CommandType
		if name == "" {
			return nil, fmt.Errorf("runtime: command definition has empty commandType")
		}
		if _, dup := commands[name]; dup {
			return nil, fmt.Errorf("runtime: duplicate command %q", name)
		}
		if def.Config.Handler == nil {
			return nil, fmt.Errorf("runtime: command %q has no handler", name)
		}
		commands[name] = def
	}

	pms := make(map[string]processmanager.Definition, len(opts.ProcessManagers))
	for _, def := range opts.ProcessManagers {
		if def.PMName == "" {
			return nil, fmt.Errorf("runtime: PM definition has empty pmName")
		}
		if _, dup := pms[def.PMName]; dup {
			return nil, fmt.Errorf("runtime: duplicate PM %q", def.PMName)
		}
		if def.Handle == nil {
			return nil, fmt.Errorf("runtime: PM %q has no handler", def.PMName)
		}
		if len(def.EventSubscriptions) == 0 {
			return nil, fmt.Errorf("runtime: PM %q has no event subscriptions", def.PMName)
		}
		pms[def.PMName] = def
	}
	if len(pms) > 0 && opts.PMExecutor == nil {
		return nil, fmt.Errorf("runtime: process managers registered but no PM executor wired")
	}

	return &Runtime{
		executor:  opts.Executor,
		bus:       opts.Bus,
		pmExec:    opts.PMExecutor,
		upcasters: opts.Upcasters,
		commands:  commands,
		pms:       pms,
		Logger:    zap.NewNop(),
	}, nil
}

func (r *Runtime) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// ExecuteCommand resolves configName and runs it end-to-end. An unknown
// name or a validation failure is an error to the caller, not a
// rejected Result: neither reached a decider.
func (r *Runtime) ExecuteCommand(ctx context.Context, configName string, args any) (orchestrator.Result, error) {
	def, ok := r.commands[configName]
	if !ok {
		return orchestrator.Result{}, fmt.Errorf("runtime: unknown command %q", configName)
	}
	if def.ValidateArgs != nil {
		if err := def.ValidateArgs(args); err != nil {
			r.logger().Warn("command args invalid", zap.String("commandType", configName), zap.Error(err))
			return orchestrator.Result{}, fmt.Errorf("runtime: invalid args for %q: %w", configName, err)
		}
	}
	return r.executor.Execute(ctx, def.Config, args)
}

// Publish hands event to the bus for asynchronous subscribers. Events
// older than their type's current schema are upcast first, so every
// subscriber sees the current shape.
func (r *Runtime) Publish(ctx context.Context, event dcb.Event) (eventbus.PublishResult, error) {
	if r.bus == nil {
		return eventbus.PublishResult{}, fmt.Errorf("runtime: no event bus wired")
	}
	current, err := r.upcast(event)
	if err != nil {
		return eventbus.PublishResult{}, err
	}
	return r.bus.Publish(ctx, current)
}

// ProcessPMEvent delivers event to the named process manager, upcasting
// it first so PM handlers never see a stale schema.
func (r *Runtime) ProcessPMEvent(ctx context.Context, pmName string, event dcb.Event) (processmanager.Result, error) {
	def, ok := r.pms[pmName]
	if !ok {
		return processmanager.Result{}, fmt.Errorf("runtime: unknown process manager %q", pmName)
	}
	current, err := r.upcast(event)
	if err != nil {
		return processmanager.Result{}, err
	}
	return r.pmExec.ProcessEvent(ctx, def, current)
}

func (r *Runtime) upcast(event dcb.Event) (dcb.Event, error) {
	if r.upcasters == nil {
		return event, nil
	}
	current, err := r.upcasters.Upcast(event)
	if err != nil {
		return dcb.Event{}, fmt.Errorf("runtime: upcast event %s: %w", event.EventID, err)
	}
	return current, nil
}
