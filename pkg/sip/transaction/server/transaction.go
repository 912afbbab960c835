package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
)

// baseTransaction общая часть серверных транзакций.
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
			"side":   "server",
		}),
		state:     initial,
		createdAt: now,
		enteredAt: now,
		rt:        transaction.NewRetransmission(now),
	}, nil
}

// Key возвращает ключ транзакции
func (t *baseTransaction) Key() transaction.Key { return t.key }

// IsClient возвращает false для серверной транзакции
func (t *baseTransaction) IsClient() bool { return false }

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

// Retransmissions возвращает число повторных отправок ответа по таймеру
func (t *baseTransaction) Retransmissions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rt.Count
}

// Response возвращает текущий удерживаемый ответ
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

func (t *baseTransaction) transitionLocked(next transaction.State, now time.Time, msg sip.Message) error {
	if next.Rank() <= t.state.Rank() {
		err := fmt.Errorf("%w: %s -> %s", transaction.ErrInvalidState, t.state, next)
		t.failLocked("transition", msg, err)
		return err
	}

	t.logger.WithField("state", next).Debugf("transition %s -> %s", t.state, next)
	t.state = next
	t.enteredAt = now
	return nil
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

func (t *baseTransaction) unexpectedLocked(msg sip.Message) {
	t.failLocked("handle message", msg, transaction.ErrUnexpectedMessage)
}

// sendLocked отправляет ответ; ошибка отправки фатальна
func (t *baseTransaction) sendLocked(msg sip.Message) error {
	if err := t.handlers.Send(msg); err != nil {
		err = fmt.Errorf("%w: %v", transaction.ErrTransportFailure, err)
		t.failLocked("send", msg, err)
		return err
	}
	return nil
}

// resendLocked повторяет удерживаемый ответ
func (t *baseTransaction) resendLocked() {
	if t.response == nil {
		return
	}
	t.logger.WithField("message", transaction.Describe(t.response)).Debug("resending held response")
	_ = t.sendLocked(t.response)
}

// rejectLocked переводит в Errored и возвращает ошибку вызывающему Respond
func (t *baseTransaction) rejectLocked(res *sip.Response) error {
	state := t.state
	t.unexpectedLocked(res)
	return transaction.NewError(t.key, "respond", state, transaction.ErrInvalidState)
}

// asRequest отсекает ответы, пришедшие в серверную транзакцию
func asRequest(msg sip.Message) (*sip.Request, bool) {
	req, ok := msg.(*sip.Request)
	return req, ok && req != nil
}
