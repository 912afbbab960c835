package server

import (
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
)

var _ transaction.ServerTransaction = (*InviteTransaction)(nil)

// InviteTransaction представляет INVITE server transaction (IST).
// Proceeding -> Completed/Accepted -> Confirmed -> Terminated.
type InviteTransaction struct {
	*baseTransaction

	initial *sip.Response
	ack     *sip.Request
}

// NewInviteTransaction создает новую INVITE server transaction.
// Если TU не передал ответ, удерживается автоматический 100 Trying.
func NewInviteTransaction(key transaction.Key, req *sip.Request, res *sip.Response, env transaction.Env) (*InviteTransaction, error) {
	if req != nil && req.Method != sip.INVITE {
		return nil, fmt.Errorf("%w: %s is not INVITE", transaction.ErrInvalidRequest, req.Method)
	}

	base, err := newBaseTransaction(key, req, transaction.StateProceeding, env)
	if err != nil {
		return nil, err
	}

	base.response = transaction.NewTrying(req)
	return &InviteTransaction{baseTransaction: base, initial: res}, nil
}

// Start отправляет начальный ответ
func (t *InviteTransaction) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminatedLocked() {
		return transaction.ErrTerminated
	}

	if t.initial != nil && !transaction.IsProvisional(t.initial) {
		return t.respondLocked(t.initial)
	}
	if t.initial != nil {
		t.response = t.initial
	}
	if err := t.sendLocked(t.response); err != nil {
		return transaction.NewError(t.key, "start", t.state, err)
	}
	return nil
}

// Ack возвращает ACK, подтвердивший не-2xx ответ
func (t *InviteTransaction) Ack() *sip.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ack
}

// Respond отправляет ответ TU
func (t *InviteTransaction) Respond(res *sip.Response) error {
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

func (t *InviteTransaction) respondLocked(res *sip.Response) error {
	now := t.now()

	switch {
	case t.state == transaction.StateProceeding && transaction.IsProvisional(res):
		t.response = res
		return t.sendLocked(res)

	case t.state == transaction.StateProceeding && transaction.IsSuccess(res):
		t.response = res
		if err := t.sendLocked(res); err != nil {
			return err
		}
		return t.transitionLocked(transaction.StateAccepted, now, res)

	case t.state == transaction.StateProceeding && transaction.IsFailure(res):
		t.response = res
		if err := t.sendLocked(res); err != nil {
			return err
		}
		if err := t.transitionLocked(transaction.StateCompleted, now, res); err != nil {
			return err
		}
		t.rt = transaction.NewRetransmission(now)
		return nil

	case t.state == transaction.StateAccepted && transaction.IsSuccess(res):
		// Повторяется первый 2xx, новый ответ не удерживается
		t.resendLocked()
		return nil

	default:
		return t.rejectLocked(res)
	}
}

// HandleMessage обрабатывает повтор INVITE или ACK
func (t *InviteTransaction) HandleMessage(msg sip.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminatedLocked() {
		return
	}

	req, ok := asRequest(msg)
	if !ok {
		t.unexpectedLocked(msg)
		return
	}

	switch {
	case req.Method == sip.INVITE &&
		(t.state == transaction.StateProceeding || t.state == transaction.StateCompleted || t.state == transaction.StateAccepted):
		t.resendLocked()

	case req.Method == sip.ACK && t.state == transaction.StateCompleted:
		t.ack = req
		_ = t.transitionLocked(transaction.StateConfirmed, t.now(), req)

	case req.Method == sip.ACK && t.state == transaction.StateAccepted:
		if err := t.handlers.Deliver(t.key, req); err != nil {
			t.failLocked("deliver", req, err)
		}

	case req.Method == sip.ACK && t.state == transaction.StateConfirmed:
		// ACK ретрансмиссия поглощается

	default:
		t.unexpectedLocked(req)
	}
}

// Tick применяет таймеры G, H, I и L
func (t *InviteTransaction) Tick(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case transaction.StateCompleted:
		if transaction.HasTimedOut(t.enteredAt, now, t.timers.TimerH) {
			t.terminateLocked(transaction.OutcomeTimedOut, transaction.NewError(t.key, "timer H", t.state, transaction.ErrTimeout))
			return
		}
		if t.rt.Due(now, t.timers.T1, t.timers.T2) {
			if t.sendLocked(t.response) != nil {
				return
			}
			t.rt = t.rt.Next(now)
		}

	case transaction.StateAccepted:
		if transaction.HasTimedOut(t.enteredAt, now, t.timers.TimerL) {
			t.terminateLocked(transaction.OutcomeTimedOut, nil)
		}

	case transaction.StateConfirmed:
		if transaction.HasTimedOut(t.enteredAt, now, t.timers.TimerI) {
			t.terminateLocked(transaction.OutcomeExpected, nil)
		}
	}
}
