package client

import (
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
)

var _ transaction.ClientTransaction = (*InviteTransaction)(nil)

// InviteTransaction представляет INVITE client transaction (ICT).
// Calling -> Proceeding -> Completed/Accepted -> Terminated.
//
// ACK на не-2xx ответ формирует сама транзакция. ACK на 2xx
// отправляет диалог, транзакция его никогда не строит.
type InviteTransaction struct {
	*baseTransaction

	// ACK для не-2xx, повторяется на ретрансмиссии финального ответа
	ack *sip.Request
}

// NewInviteTransaction создает новую INVITE client transaction.
// Запрос отправляется в Start.
func NewInviteTransaction(key transaction.Key, req *sip.Request, env transaction.Env) (*InviteTransaction, error) {
	if req != nil && req.Method != sip.INVITE {
		return nil, fmt.Errorf("%w: %s is not INVITE", transaction.ErrInvalidRequest, req.Method)
	}

	base, err := newBaseTransaction(key, req, transaction.StateCalling, env)
	if err != nil {
		return nil, err
	}
	return &InviteTransaction{baseTransaction: base}, nil
}

// Start отправляет INVITE
func (t *InviteTransaction) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startLocked()
}

// Ack возвращает ACK, построенный для не-2xx ответа
func (t *InviteTransaction) Ack() *sip.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ack
}

// HandleMessage обрабатывает входящий ответ
func (t *InviteTransaction) HandleMessage(msg sip.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminatedLocked() {
		return
	}

	res, ok := asResponse(msg)
	if !ok {
		t.unexpectedLocked(msg)
		return
	}

	now := t.now()
	live := t.state == transaction.StateCalling || t.state == transaction.StateProceeding

	switch {
	case live && transaction.IsProvisional(res):
		t.response = res
		if t.deliverLocked(res) != nil {
			return
		}
		if t.state == transaction.StateCalling {
			t.transitionLocked(transaction.StateProceeding, now, res)
		}

	case live && transaction.IsSuccess(res):
		t.response = res
		if t.deliverLocked(res) != nil {
			return
		}
		t.transitionLocked(transaction.StateAccepted, now, res)

	case live && transaction.IsFailure(res):
		t.response = res
		if t.deliverLocked(res) != nil {
			return
		}
		ack, err := transaction.BuildAckForFailure(t.request, res)
		if err != nil {
			t.failLocked("build ack", res, err)
			return
		}
		t.ack = ack
		if t.sendLocked(ack) != nil {
			return
		}
		t.transitionLocked(transaction.StateCompleted, now, res)

	case t.state == transaction.StateAccepted && transaction.IsSuccess(res):
		// Несколько 2xx от разветвляющего прокси
		t.response = res
		_ = t.deliverLocked(res)

	case t.state == transaction.StateCompleted && transaction.IsFailure(res):
		t.logger.WithField("message", transaction.Describe(res)).Debug("failure retransmission, resending ACK")
		_ = t.sendLocked(t.ack)

	default:
		t.unexpectedLocked(res)
	}
}

// Tick применяет таймеры A, B, C, D и M
func (t *InviteTransaction) Tick(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case transaction.StateCalling:
		if transaction.HasTimedOut(t.createdAt, now, t.timers.TimerB) {
			t.terminateLocked(transaction.OutcomeTimedOut, transaction.NewError(t.key, "timer B", t.state, transaction.ErrTimeout))
			return
		}
		t.retransmitLocked(now)

	case transaction.StateProceeding:
		if t.timers.TimerC > 0 && transaction.HasTimedOut(t.enteredAt, now, t.timers.TimerC) {
			t.terminateLocked(transaction.OutcomeTimedOut, transaction.NewError(t.key, "timer C", t.state, transaction.ErrTimeout))
		}

	case transaction.StateCompleted:
		if transaction.HasTimedOut(t.enteredAt, now, t.timers.TimerD) {
			t.terminateLocked(transaction.OutcomeExpected, nil)
		}

	case transaction.StateAccepted:
		if transaction.HasTimedOut(t.enteredAt, now, t.timers.TimerM) {
			t.terminateLocked(transaction.OutcomeExpected, nil)
		}
	}
}
