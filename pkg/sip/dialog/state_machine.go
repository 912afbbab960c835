package dialog

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
)

// State состояние диалога
type State string

const (
	StateUnconfirmed State = "unconfirmed"
	StateEarly       State = "early"
	StateConfirmed   State = "confirmed"
	StateTerminated  State = "terminated"
	StateErrored     State = "errored"
)

func (s State) String() string { return string(s) }

// IsTerminal проверяет поглощающие состояния
func (s State) IsTerminal() bool {
	return s == StateTerminated || s == StateErrored
}

// События FSM диалога
const (
	eventEarly     = "early"
	eventConfirm   = "confirm"
	eventTerminate = "terminate"
	eventFail      = "fail"
)

// stateMachine обертка над looplab/fsm.
// Синхронизация на стороне Dialog.
type stateMachine struct {
	fsm *fsm.FSM
}

func newStateMachine(onChange func(from, to State)) *stateMachine {
	live := []string{string(StateUnconfirmed), string(StateEarly), string(StateConfirmed)}

	return &stateMachine{
		fsm: fsm.NewFSM(
			string(StateUnconfirmed),
			fsm.Events{
				{Name: eventEarly, Src: []string{string(StateUnconfirmed)}, Dst: string(StateEarly)},
				{Name: eventConfirm, Src: []string{string(StateUnconfirmed), string(StateEarly)}, Dst: string(StateConfirmed)},
				{Name: eventTerminate, Src: live, Dst: string(StateTerminated)},
				{Name: eventFail, Src: live, Dst: string(StateErrored)},
			},
			fsm.Callbacks{
				"enter_state": func(_ context.Context, e *fsm.Event) {
					if onChange != nil {
						onChange(State(e.Src), State(e.Dst))
					}
				},
			},
		),
	}
}

func (m *stateMachine) State() State {
	return State(m.fsm.Current())
}

// fire применяет событие; недопустимое событие возвращает ErrInvalidState
func (m *stateMachine) fire(event string) error {
	if err := m.fsm.Event(context.Background(), event); err != nil {
		return errors.Wrapf(ErrInvalidState, "%s in %s: %v", event, m.State(), err)
	}
	return nil
}
