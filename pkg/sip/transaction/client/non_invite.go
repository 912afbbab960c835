package client

import (
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
)

var _ transaction.ClientTransaction = (*NonInviteTransaction)(nil)

// NonInviteTransaction представляет non-INVITE client transaction (NICT).
// Trying -> Proceeding -> Completed -> Terminated.
type NonInviteTransaction struct {
	*baseTransaction
}

// NewNonInviteTransaction создает новую non-INVITE client transaction.
// Запрос отправляется в Start.
func NewNonInviteTransaction(key transaction.Key, req *sip.Request, env transaction.Env) (*NonInviteTransaction, error) {
	if req != nil && (req.Method == sip.INVITE || req.Method == sip.ACK) {
		return nil, fmt.Errorf("%w: %s is not a non-INVITE method", transaction.ErrInvalidRequest, req.Method)
	}

	base, err := newBaseTransaction(key, req, transaction.StateTrying, env)
	if err != nil {
		return nil, err
	}
	return &NonInviteTransaction{baseTransaction: base}, nil
}

// Start отправляет запрос
func (t *NonInviteTransaction) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startLocked()
}

// HandleMessage обрабатывает входящий ответ
func (t *NonInviteTransaction) HandleMessage(msg sip.Message) {
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
	switch {
	case t.state == transaction.StateTrying && transaction.IsProvisional(res):
		t.response = res
		if t.deliverLocked(res) != nil {
			return
		}
		t.transitionLocked(transaction.StateProceeding, now, res)

	case t.state == transaction.StateProceeding && transaction.IsProvisional(res):
		t.response = res
		_ = t.deliverLocked(res)

	case (t.state == transaction.StateTrying || t.state == transaction.StateProceeding) && transaction.IsFinal(res):
		t.response = res
		if t.deliverLocked(res) != nil {
			return
		}
		t.transitionLocked(transaction.StateCompleted, now, res)

	case t.state == transaction.StateCompleted && transaction.IsFinal(res):
		// Повтор финального ответа поглощается
		t.logger.WithField("message", transaction.Describe(res)).Debug("final response retransmission absorbed")

	default:
		t.unexpectedLocked(res)
	}
}

// Tick применяет таймеры E, F и K
func (t *NonInviteTransaction) Tick(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case transaction.StateTrying, transaction.StateProceeding:
		if transaction.HasTimedOut(t.createdAt, now, t.timers.TimerF) {
			t.terminateLocked(transaction.OutcomeTimedOut, transaction.NewError(t.key, "timer F", t.state, transaction.ErrTimeout))
			return
		}
		t.retransmitLocked(now)

	case transaction.StateCompleted:
		if transaction.HasTimedOut(t.enteredAt, now, t.timers.TimerK) {
			t.terminateLocked(transaction.OutcomeExpected, nil)
		}
	}
}
