// Package statemachine implements the node provision state machine.
package statemachine

import (
	"context"
	"errors"
	"fmt"

	"github.com/eleven-am/conductor/internal/domain"
	"github.com/looplab/fsm"
)

type transition struct {
	event string
	src   []domain.ProvisionState
	dst   domain.ProvisionState
}

var transitions = []transition{
	{domain.EventManage, []domain.ProvisionState{domain.StateEnroll, domain.StateCleanFail, domain.StateAdoptFail, domain.StateCleaning}, domain.StateManageable},
	{domain.EventClean, []domain.ProvisionState{domain.StateManageable}, domain.StateCleaning},
	{domain.EventProvide, []domain.ProvisionState{domain.StateManageable}, domain.StateCleaning},
	{domain.EventWait, []domain.ProvisionState{domain.StateCleaning}, domain.StateCleanWait},
	{domain.EventResume, []domain.ProvisionState{domain.StateCleanWait}, domain.StateCleaning},
	{domain.EventDone, []domain.ProvisionState{domain.StateCleaning}, domain.StateAvailable},
	{domain.EventFail, []domain.ProvisionState{domain.StateCleaning, domain.StateCleanWait}, domain.StateCleanFail},
	{domain.EventAbort, []domain.ProvisionState{domain.StateCleanWait}, domain.StateCleanFail},

	{domain.EventDeploy, []domain.ProvisionState{domain.StateAvailable, domain.StateDeployFail, domain.StateActive}, domain.StateDeploying},
	{domain.EventWait, []domain.ProvisionState{domain.StateDeploying}, domain.StateDeployWait},
	{domain.EventResume, []domain.ProvisionState{domain.StateDeployWait}, domain.StateDeploying},
	{domain.EventDone, []domain.ProvisionState{domain.StateDeploying}, domain.StateActive},
	{domain.EventFail, []domain.ProvisionState{domain.StateDeploying, domain.StateDeployWait}, domain.StateDeployFail},

	{domain.EventRescue, []domain.ProvisionState{domain.StateActive, domain.StateRescue, domain.StateRescueFail}, domain.StateRescuing},
	{domain.EventWait, []domain.ProvisionState{domain.StateRescuing}, domain.StateRescueWait},
	{domain.EventResume, []domain.ProvisionState{domain.StateRescueWait}, domain.StateRescuing},
	{domain.EventDone, []domain.ProvisionState{domain.StateRescuing}, domain.StateRescue},
	{domain.EventFail, []domain.ProvisionState{domain.StateRescuing, domain.StateRescueWait}, domain.StateRescueFail},
	{domain.EventAbort, []domain.ProvisionState{domain.StateRescueWait}, domain.StateRescueFail},
	{domain.EventUnrescue, []domain.ProvisionState{domain.StateRescue, domain.StateRescueFail, domain.StateUnrescueFail}, domain.StateUnrescuing},
	{domain.EventDone, []domain.ProvisionState{domain.StateUnrescuing}, domain.StateActive},
	{domain.EventFail, []domain.ProvisionState{domain.StateUnrescuing}, domain.StateUnrescueFail},

	{domain.EventAdopt, []domain.ProvisionState{domain.StateManageable, domain.StateAdoptFail}, domain.StateAdopting},
	{domain.EventDone, []domain.ProvisionState{domain.StateAdopting}, domain.StateActive},
	{domain.EventFail, []domain.ProvisionState{domain.StateAdopting}, domain.StateAdoptFail},
}

// defaultTargets is the state a node heads for while in a transient state.
var defaultTargets = map[domain.ProvisionState]domain.ProvisionState{
	domain.StateCleaning:   domain.StateAvailable,
	domain.StateCleanWait:  domain.StateAvailable,
	domain.StateDeploying:  domain.StateActive,
	domain.StateDeployWait: domain.StateActive,
	domain.StateRescuing:   domain.StateRescue,
	domain.StateRescueWait: domain.StateRescue,
	domain.StateUnrescuing: domain.StateActive,
	domain.StateAdopting:   domain.StateActive,
}

var stableStates = map[domain.ProvisionState]bool{
	domain.StateEnroll:       true,
	domain.StateManageable:   true,
	domain.StateAvailable:    true,
	domain.StateActive:       true,
	domain.StateCleanFail:    true,
	domain.StateDeployFail:   true,
	domain.StateRescue:       true,
	domain.StateRescueFail:   true,
	domain.StateAdoptFail:    true,
	domain.StateUnrescueFail: true,
}

// IsStable reports whether a node can rest in state without a conductor
// driving it.
func IsStable(state domain.ProvisionState) bool {
	return stableStates[state]
}

var events = buildEvents()

func buildEvents() fsm.Events {
	out := make(fsm.Events, 0, len(transitions))
	for _, t := range transitions {
		src := make([]string, len(t.src))
		for i, s := range t.src {
			src[i] = string(s)
		}
		out = append(out, fsm.EventDesc{Name: t.event, Src: src, Dst: string(t.dst)})
	}
	return out
}

// Result is the provision state pair after an event.
type Result struct {
	State  domain.ProvisionState
	Target domain.ProvisionState
}

// Process applies event to a node in state current heading for target
// currentTarget. A non-empty requested target replaces the computed one and
// must be a stable state.
func Process(ctx context.Context, current, currentTarget domain.ProvisionState, event string, requested domain.ProvisionState) (Result, error) {
	if requested != domain.ProvisionNoState && !IsStable(requested) {
		return Result{}, domain.NewInvalidParameterError("target state %q is not a stable state", requested)
	}
	if current == domain.ProvisionNoState {
		current = domain.StateEnroll
	}

	machine := fsm.NewFSM(string(current), events, fsm.Callbacks{})
	if err := machine.Event(ctx, event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			return Result{}, &domain.InvalidStateError{Event: event, State: current, Err: err}
		}
	}

	next := domain.ProvisionState(machine.Current())
	target := currentTarget
	if target == next {
		target = domain.ProvisionNoState
	}
	if def, ok := defaultTargets[next]; ok && (target == domain.ProvisionNoState || IsStable(current)) {
		target = def
	}
	if requested != domain.ProvisionNoState {
		target = requested
	}
	if IsStable(next) && requested == domain.ProvisionNoState {
		target = domain.ProvisionNoState
	}
	return Result{State: next, Target: target}, nil
}

// Apply runs Process against node and updates it in place.
func Apply(ctx context.Context, node *domain.Node, event string, requested domain.ProvisionState) error {
	if node == nil {
		return fmt.Errorf("%w: nil node", domain.ErrInvalidParameter)
	}
	result, err := Process(ctx, node.ProvisionState, node.TargetProvisionState, event, requested)
	if err != nil {
		return err
	}
	node.ProvisionState = result.State
	node.TargetProvisionState = result.Target
	return nil
}
