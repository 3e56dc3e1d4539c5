// Package fsm is a small finite state machine used to track the bus
// connection lifecycle.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"cloud-eventbus/internal/log"
)

// State represents a state identifier.
type State string

// Trigger represents a transition cause.
type Trigger string

// ErrNoTransition is returned when the current state has no transition for a trigger.
var ErrNoTransition = errors.New("fsm: no transition")

// Transition defines a state change caused by a trigger.
type Transition struct {
	From   State
	On     Trigger
	To     State
	Action func(ctx context.Context) error
}

// StateActions groups callbacks for a state lifecycle.
type StateActions struct {
	OnEnter func(ctx context.Context) error
	OnExit  func(ctx context.Context) error
	OnStay  func(ctx context.Context) error
}

// FSM is a simple finite state machine. Callbacks run with the machine
// locked and must not fire triggers themselves.
type FSM struct {
	id           string
	current      State
	initial      State
	transitions  map[State]map[Trigger]Transition
	stateActions map[State]StateActions
	mu           sync.RWMutex
	logger       zerolog.Logger
}

// New creates a machine in the initial state.
func New(id string, initial State) *FSM {
	return &FSM{
		id:           id,
		current:      initial,
		initial:      initial,
		transitions:  make(map[State]map[Trigger]Transition),
		stateActions: make(map[State]StateActions),
		logger:       log.WithComponent("fsm").With().Str("fsm", id).Logger(),
	}
}

// AddTransition registers a transition.
func (f *FSM) AddTransition(t Transition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.transitions[t.From]; !ok {
		f.transitions[t.From] = make(map[Trigger]Transition)
	}
	f.transitions[t.From][t.On] = t
}

// AddStateActions sets callbacks for a state.
func (f *FSM) AddStateActions(s State, actions StateActions) {
	f.mu.Lock()
	f.stateActions[s] = actions
	f.mu.Unlock()
}

// ValidateTransitions checks that every state with actions is reachable from
// the initial state.
func (f *FSM) ValidateTransitions() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for from, ts := range f.transitions {
		for _, t := range ts {
			if from == "" || t.To == "" || t.On == "" {
				return fmt.Errorf("fsm %s: invalid transition %+v", f.id, t)
			}
		}
	}
	reachable := map[State]bool{f.initial: true}
	queue := []State{f.initial}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, t := range f.transitions[s] {
			if !reachable[t.To] {
				reachable[t.To] = true
				queue = append(queue, t.To)
			}
		}
	}
	for s := range f.stateActions {
		if !reachable[s] {
			return fmt.Errorf("fsm %s: state %s unreachable", f.id, s)
		}
	}
	return nil
}

// Fire moves the machine according to a trigger.
func (f *FSM) Fire(ctx context.Context, on Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	from := f.current
	trans, ok := f.transitions[from][on]
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrNoTransition, from, on)
	}
	if trans.To == from {
		if trans.Action != nil {
			if err := trans.Action(ctx); err != nil {
				return err
			}
		}
		if act := f.stateActions[from]; act.OnStay != nil {
			_ = act.OnStay(ctx)
		}
		return nil
	}
	if act := f.stateActions[from]; act.OnExit != nil {
		_ = act.OnExit(ctx)
	}
	if trans.Action != nil {
		if err := trans.Action(ctx); err != nil {
			return err
		}
	}
	f.current = trans.To
	f.logger.Debug().
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(trans.To)).
		Str("trigger", string(on)).
		Msg("state transition")
	if act := f.stateActions[trans.To]; act.OnEnter != nil {
		_ = act.OnEnter(ctx)
	}
	return nil
}

// State returns the current state.
func (f *FSM) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}
