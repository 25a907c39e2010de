package application

import "github.com/ericfisherdev/acctswitch/internal/domain/model"

type transitionKey struct {
	from  model.Phase
	event model.SessionEvent
}

// transitions is the session state machine. Force logout is accepted from
// every phase and handled in Transition.
var transitions = map[transitionKey]model.Phase{
	{model.PhaseIdle, model.EventBeginDelegation}:         model.PhaseTransitioning,
	{model.PhaseDelegated, model.EventBeginDelegation}:    model.PhaseTransitioning,
	{model.PhaseWarningShown, model.EventBeginDelegation}: model.PhaseTransitioning,

	{model.PhaseDelegated, model.EventContinueWorking}:    model.PhaseTransitioning,
	{model.PhaseWarningShown, model.EventContinueWorking}: model.PhaseTransitioning,

	{model.PhaseDelegated, model.EventEndDelegation}:    model.PhaseTransitioning,
	{model.PhaseWarningShown, model.EventEndDelegation}: model.PhaseTransitioning,
	{model.PhaseExpired, model.EventEndDelegation}:      model.PhaseTransitioning,

	{model.PhaseTransitioning, model.EventIssued}:         model.PhaseDelegated,
	{model.PhaseTransitioning, model.EventBeginFailed}:    model.PhaseIdle,
	{model.PhaseTransitioning, model.EventRotationFailed}: model.PhaseWarningShown,
	{model.PhaseTransitioning, model.EventEnded}:          model.PhaseIdle,
	{model.PhaseTransitioning, model.EventExpired}:        model.PhaseExpired,

	{model.PhaseDelegated, model.EventWarn}:    model.PhaseWarningShown,
	{model.PhaseWarningShown, model.EventWarn}: model.PhaseWarningShown,

	{model.PhaseDelegated, model.EventExpired}:    model.PhaseExpired,
	{model.PhaseWarningShown, model.EventExpired}: model.PhaseExpired,

	{model.PhaseIdle, model.EventRestored}: model.PhaseDelegated,
}

// Transition returns the phase reached from "from" on event, and false when
// the event is not accepted in that phase.
func Transition(from model.Phase, event model.SessionEvent) (model.Phase, bool) {
	if event == model.EventForceLogout {
		return model.PhaseIdle, true
	}
	to, ok := transitions[transitionKey{from, event}]
	return to, ok
}
