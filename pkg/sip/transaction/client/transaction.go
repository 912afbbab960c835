package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
)

// baseTransaction общая часть клиентских транзакций.
// Все поля после mu защищены им.
type baseTransaction struct {
	key      transaction.Key
	request  *sip.Request
	handlers transaction.Handlers
	timers   transaction.Timers
	clock    func() time.Time
	logger   logrus.FieldLogger

	mu        sync.Mutex
	state     transaction.State
	outcome   transaction.Outcome
	err       error
	createdAt time.Time
	enteredAt time.Time
	rt        transaction.Retransmission
	response  *sip.Response
}

func newBaseTransaction(key transaction.Key, req *sip.Request, initial transaction.State, env transaction.Env) (*baseTransaction, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", transaction.ErrInvalidRequest)
	}
	if env.Handlers == nil {
		return nil, fmt.Errorf("%w: nil handlers", transaction.ErrInvalidRequest)
	}

	logger := env.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	now := env.Now()
	return &baseTransaction{
		key:      key,
		request:  req,
		handlers: env.Handlers,
		timers:   env.Timers,
		clock:    env.Clock,
		logger: logger.WithFields(logrus.Fields{
			"branch": key.Branch,
			"method": key.Method,
			"side":   "client",
		}),
		state:     initial,
		createdAt: now,
		enteredAt: now,
		rt:        transaction.NewRetransmission(now),
	}, nil
}

// Key возвращает ключ транзакции
func (t *baseTransaction) Key() transaction.Key { return t.key }

// IsClient возвращает true для клиентской транзакции
func (t *baseTransaction) IsClient() bool { return true }

// Request возвращает исходный запрос
func (t *baseTransaction) Request() *sip.Request { return t.request }

// CreatedAt возвращает время создания
func (t *baseTransaction) CreatedAt() time.Time { return t.createdAt }

// State возвращает текущее состояние транзакции
func (t *baseTransaction) State() transaction.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Outcome возвращает результат завершения
func (t *baseTransaction) Outcome() transaction.Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Err возвращает причину Errored или таймаута
func (t *baseTransaction) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Retransmissions возвращает число повторных отправок запроса
func (t *baseTransaction) Retransmissions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rt.Count
}

// Response возвращает последний полученный ответ
func (t *baseTransaction) Response() *sip.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.response
}

// HandleTransportError переводит транзакцию в Terminated(Errored)
func (t *baseTransaction) HandleTransportError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminatedLocked() {
		return
	}
	t.failLocked("transport", nil, fmt.Errorf("%w: %v", transaction.ErrTransportFailure, err))
}

func (t *baseTransaction) now() time.Time {
	if t.clock == nil {
		return time.Now()
	}
	return t.clock()
}

func (t *baseTransaction) terminatedLocked() bool {
	return t.state == transaction.StateTerminated
}

// setStateLocked переводит FSM вперед по графу
func (t *baseTransaction) setStateLocked(next transaction.State, now time.Time) error {
	if next.Rank() <= t.state.Rank() {
		return fmt.Errorf("%w: %s -> %s", transaction.ErrInvalidState, t.state, next)
	}

	t.logger.WithField("state", next).Debugf("transition %s -> %s", t.state, next)
	t.state = next
	t.enteredAt = now
	return nil
}

// transitionLocked как setStateLocked, но нарушение графа переводит в Errored
func (t *baseTransaction) transitionLocked(next transaction.State, now time.Time, msg sip.Message) {
	if err := t.setStateLocked(next, now); err != nil {
		t.failLocked("transition", msg, err)
	}
}

func (t *baseTransaction) terminateLocked(outcome transaction.Outcome, reason error) {
	prev := t.state
	t.state = transaction.StateTerminated
	t.outcome = outcome
	t.err = reason
	t.logger.WithFields(logrus.Fields{
		"state":   transaction.StateTerminated,
		"outcome": outcome,
	}).Debugf("transition %s -> %s", prev, transaction.StateTerminated)
}

// failLocked фиксирует недопустимый переход или сбой отправки
func (t *baseTransaction) failLocked(op string, msg sip.Message, reason error) {
	entry := t.logger.WithFields(logrus.Fields{
		"state": t.state,
		"op":    op,
	})
	if msg != nil {
		entry = entry.WithField("message", transaction.Describe(msg))
	}
	entry.WithError(reason).Warn("transaction errored")

	t.terminateLocked(transaction.OutcomeErrored, transaction.NewError(t.key, op, t.state, reason))
}

// unexpectedLocked обрабатывает комбинацию состояние/сообщение вне графа
func (t *baseTransaction) unexpectedLocked(msg sip.Message) {
	t.failLocked("handle message", msg, transaction.ErrUnexpectedMessage)
}

// sendLocked отправляет сообщение; ошибка отправки фатальна
func (t *baseTransaction) sendLocked(msg sip.Message) error {
	if err := t.handlers.Send(msg); err != nil {
		err = fmt.Errorf("%w: %v", transaction.ErrTransportFailure, err)
		t.failLocked("send", msg, err)
		return err
	}
	return nil
}

// deliverLocked передает ответ TU; ошибка доставки фатальна
func (t *baseTransaction) deliverLocked(res *sip.Response) error {
	if err := t.handlers.Deliver(t.key, res); err != nil {
		t.failLocked("deliver", res, err)
		return err
	}
	return nil
}

// retransmitLocked повторяет запрос, если подошел срок
func (t *baseTransaction) retransmitLocked(now time.Time) {
	if !t.rt.Due(now, t.timers.T1, 0) {
		return
	}
	if err := t.sendLocked(t.request); err != nil {
		return
	}
	t.rt = t.rt.Next(now)
	t.logger.WithField("count", t.rt.Count).Debug("request retransmitted")
}

// startLocked выполняет первую отправку запроса
func (t *baseTransaction) startLocked() error {
	if t.terminatedLocked() {
		return transaction.ErrTerminated
	}
	if err := t.sendLocked(t.request); err != nil {
		return transaction.NewError(t.key, "start", t.state, err)
	}
	t.rt = transaction.NewRetransmission(t.now())
	return nil
}

// asResponse отсекает запросы, пришедшие в клиентскую транзакцию
func asResponse(msg sip.Message) (*sip.Response, bool) {
	res, ok := msg.(*sip.Response)
	return res, ok && res != nil
}
