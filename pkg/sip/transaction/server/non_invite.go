package server

import (
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
)

var _ transaction.ServerTransaction = (*NonInviteTransaction)(nil)

// NonInviteTransaction представляет non-INVITE server transaction (NIST).
// Trying -> Proceeding -> Completed -> Terminated.
type NonInviteTransaction struct {
	*baseTransaction

	initial *sip.Response
}

// NewNonInviteTransaction создает новую non-INVITE server transaction.
// Ответ, если передан, отправляется в Start.
func NewNonInviteTransaction(key transaction.Key, req *sip.Request, res *sip.Response, env transaction.Env) (*NonInviteTransaction, error) {
	if req != nil && (req.Method == sip.INVITE || req.Method == sip.ACK) {
		return nil, fmt.Errorf("%w: %s is not a non-INVITE method", transaction.ErrInvalidRequest, req.Method)
	}

	base, err := newBaseTransaction(key, req, transaction.StateTrying, env)
	if err != nil {
		return nil, err
	}
	return &NonInviteTransaction{baseTransaction: base, initial: res}, nil
}

// Start отправляет ответ, переданный при создании
func (t *NonInviteTransaction) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminatedLocked() {
		return transaction.ErrTerminated
	}
	if t.initial == nil {
		return nil
	}
	return t.respondLocked(t.initial)
}

// Respond отправляет ответ TU
func (t *NonInviteTransaction) Respond(res *sip.Response) error {
	if res == nil {
		return fmt.Errorf("%w: nil response", transaction.ErrInvalidRequest)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminatedLocked() {
		return transaction.NewError(t.key, "respond", t.state, transaction.ErrTerminated)
	}
	return t.respondLocked(res)
}

func (t *NonInviteTransaction) respondLocked(res *sip.Response) error {
	live := t.state == transaction.StateTrying || t.state == transaction.StateProceeding

	switch {
	case live && transaction.IsProvisional(res):
		t.response = res
		if err := t.sendLocked(res); err != nil {
			return err
		}
		if t.state == transaction.StateTrying {
			return t.transitionLocked(transaction.StateProceeding, t.now(), res)
		}
		return nil

	case live && transaction.IsFinal(res):
		t.response = res
		if err := t.sendLocked(res); err != nil {
			return err
		}
		return t.transitionLocked(transaction.StateCompleted, t.now(), res)

	default:
		return t.rejectLocked(res)
	}
}

// HandleMessage обрабатывает повтор запроса
func (t *NonInviteTransaction) HandleMessage(msg sip.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminatedLocked() {
		return
	}

	req, ok := asRequest(msg)
	if !ok || req.Method != t.request.Method {
		t.unexpectedLocked(msg)
		return
	}

	switch t.state {
	case transaction.StateTrying:
		// Ответа еще нет, повтор поглощается
	case transaction.StateProceeding, transaction.StateCompleted:
		t.resendLocked()
	}
}

// Tick применяет таймер J
func (t *NonInviteTransaction) Tick(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == transaction.StateCompleted && transaction.HasTimedOut(t.enteredAt, now, t.timers.TimerJ) {
		t.terminateLocked(transaction.OutcomeExpected, nil)
	}
}
