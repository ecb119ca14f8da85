package machine

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/amp-labs/flowstate/runner"
	"github.com/amp-labs/flowstate/store"
)

// Config is the declarative form of a machine definition. Actions and
// conditions are referenced by name and resolved against a Registry when the
// machine is instantiated.
type Config struct {
	Name         string        `json:"name"         yaml:"name"`
	InitialState string        `json:"initialState" yaml:"initialState"`
	States       []StateConfig `json:"states"       yaml:"states"`
}

// StateConfig declares one state.
type StateConfig struct {
	Name        string             `json:"name"                  yaml:"name"`
	Strategy    string             `json:"strategy,omitempty"    yaml:"strategy,omitempty"`
	Entry       []string           `json:"entry,omitempty"       yaml:"entry,omitempty"`
	Exit        []string           `json:"exit,omitempty"        yaml:"exit,omitempty"`
	Transitions []TransitionConfig `json:"transitions,omitempty" yaml:"transitions,omitempty"`
}

// TransitionConfig declares one outgoing edge. An empty When always matches.
type TransitionConfig struct {
	To   string `json:"to"             yaml:"to"`
	When string `json:"when,omitempty" yaml:"when,omitempty"`
}

// LoadConfig loads and validates a machine configuration from a file path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Intentional path-based loading
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes loads and validates a machine configuration from YAML
// bytes.
func LoadConfigFromBytes(data []byte) (*Config, error) {
	var config Config

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadConfigFromFS loads a configuration from a filesystem, typically an
// embed.FS.
func LoadConfigFromFS(fsys fs.FS, path string) (*Config, error) {
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config from FS: %w", err)
	}

	return LoadConfigFromBytes(data)
}

// Validate checks the configuration's structural invariants. Action and
// condition names are checked later, against the registry handed to
// FromConfig.
func (c *Config) Validate() error {
	if c.Name == "" {
		return ErrNameRequired
	}

	if c.InitialState == "" {
		return ErrInitialStateRequired
	}

	if len(c.States) == 0 {
		return ErrNoStates
	}

	if !c.stateExists(c.InitialState) {
		return fmt.Errorf("%w: initial state %q", ErrStateNotFound, c.InitialState)
	}

	stateNames := make(map[string]bool)

	for _, state := range c.States {
		if state.Name == "" {
			return ErrStateNameRequired
		}

		if stateNames[state.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateState, state.Name)
		}

		stateNames[state.Name] = true

		if _, err := ParseStrategy(state.Strategy); err != nil {
			return fmt.Errorf("state %s: %w", state.Name, err)
		}

		for i, transition := range state.Transitions {
			if transition.To == "" {
				return fmt.Errorf("state %s, transition %d: %w", state.Name, i, ErrTargetRequired)
			}

			if !c.stateExists(transition.To) {
				return fmt.Errorf("state %s, transition %d: %w: %s",
					state.Name, i, ErrStateNotFound, transition.To)
			}
		}
	}

	return nil
}

func (c *Config) stateExists(name string) bool {
	for _, state := range c.States {
		if state.Name == name {
			return true
		}
	}

	return false
}

// Registry maps the action and condition names a Config refers to onto their
// implementations.
type Registry[T any] struct {
	actions    map[string]runner.Action[T]
	conditions map[string]Condition[T]
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{
		actions:    make(map[string]runner.Action[T]),
		conditions: make(map[string]Condition[T]),
	}
}

// RegisterAction makes an action available to configs under the given name.
// Later registrations replace earlier ones.
func (r *Registry[T]) RegisterAction(name string, action runner.Action[T]) *Registry[T] {
	r.actions[name] = action

	return r
}

// RegisterActionFunc registers a function action under the given name.
func (r *Registry[T]) RegisterActionFunc(
	name string,
	fn func(ctx context.Context, lctx runner.Context[T]) error,
) *Registry[T] {
	return r.RegisterAction(name, runner.ActionFunc(name, fn))
}

// RegisterCondition makes a condition available to configs under the given
// name.
func (r *Registry[T]) RegisterCondition(name string, cond Condition[T]) *Registry[T] {
	r.conditions[name] = cond

	return r
}

func (r *Registry[T]) action(name string) (runner.Action[T], error) { //nolint:ireturn
	action, ok := r.actions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}

	return action, nil
}

func (r *Registry[T]) condition(name string) (Condition[T], error) {
	cond, ok := r.conditions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCondition, name)
	}

	return cond, nil
}

// FromConfig instantiates a machine from a validated configuration,
// resolving named actions and conditions through the registry. All
// resolution failures surface here, never at runtime.
func FromConfig[T any](
	cfg *Config,
	st store.Store[T],
	engine *runner.Engine[T],
	registry *Registry[T],
	logger *slog.Logger,
) (*Machine[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	builder := NewBuilder[T](cfg.Name, st).InitialState(cfg.InitialState)
	if logger != nil {
		builder.Logger(logger)
	}

	for _, sc := range cfg.States {
		sb := builder.State(sc.Name)

		strategy, err := ParseStrategy(sc.Strategy)
		if err != nil {
			return nil, WrapStateError(cfg.Name, sc.Name, err)
		}

		sb.Strategy(strategy)

		for _, name := range sc.Entry {
			action, err := registry.action(name)
			if err != nil {
				return nil, WrapStateError(cfg.Name, sc.Name, err)
			}

			sb.OnEntry(action)
		}

		for _, name := range sc.Exit {
			action, err := registry.action(name)
			if err != nil {
				return nil, WrapStateError(cfg.Name, sc.Name, err)
			}

			sb.OnExit(action)
		}

		for _, tc := range sc.Transitions {
			var cond Condition[T]

			if tc.When != "" {
				cond, err = registry.condition(tc.When)
				if err != nil {
					return nil, WrapTransitionError(cfg.Name, sc.Name, tc.To, err)
				}
			}

			sb.To(tc.To, cond)
		}
	}

	return builder.Build(engine)
}
