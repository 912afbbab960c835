package dialog

import (
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
)

// Option настраивает Manager
type Option func(*Manager)

// WithMetrics задает метрики
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// Manager хранит диалоги по ID.Prefix() и принимает доставки
// от слоя транзакций.
type Manager struct {
	env     Env
	logger  logrus.FieldLogger
	metrics *Metrics
	sets    *forkMap
}

var _ transaction.TransactionUser = (*Manager)(nil)

// NewManager создает менеджер диалогов
func NewManager(env Env, opts ...Option) (*Manager, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		env:  env,
		sets: newForkMap(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	if env.Logger == nil {
		m.env.Logger = logrus.StandardLogger()
	}
	m.logger = m.env.Logger.WithField("component", "dialog")

	onState := env.OnState
	m.env.OnState = func(d *Dialog, from, to State) {
		m.metrics.dialogTransition(from, to)
		if onState != nil {
			onState(d, from, to)
		}
	}
	return m, nil
}

// NewUAC регистрирует диалог для исходящего INVITE и отправляет его
func (m *Manager) NewUAC(invite *sip.Request) (*Dialog, error) {
	d, err := newUAC(invite, m.env)
	if err != nil {
		return nil, err
	}
	if err := m.add(d); err != nil {
		return nil, err
	}
	if err := d.start(); err != nil {
		return d, err
	}
	return d, nil
}

// NewUAS регистрирует диалог для входящего INVITE
func (m *Manager) NewUAS(invite *sip.Request) (*Dialog, error) {
	d, err := NewUAS(invite, m.env)
	if err != nil {
		return nil, err
	}
	if err := m.add(d); err != nil {
		return nil, err
	}
	return d, nil
}

func (m *Manager) add(d *Dialog) error {
	set := NewForkSet(d)
	set.onFork = m.metrics.dialogCreated

	if !m.sets.insert(set) {
		return errors.Wrapf(ErrInvalidRequest, "dialog %s already exists", set.Prefix())
	}
	m.metrics.dialogCreated(d)
	m.logger.WithFields(logrus.Fields{
		"dialog": d.ID().String(),
		"role":   d.Role(),
	}).Debug("dialog created")
	return nil
}

// ForkSet возвращает набор по префиксу
func (m *Manager) ForkSet(prefix ID) (*ForkSet, bool) {
	return m.sets.get(prefix.Prefix())
}

// Get возвращает диалог с точно совпадающим ID
func (m *Manager) Get(id ID) (*Dialog, bool) {
	set, ok := m.ForkSet(id)
	if !ok {
		return nil, false
	}
	return set.Find(id)
}

// Dialogs возвращает все диалоги
func (m *Manager) Dialogs() []*Dialog {
	var out []*Dialog
	for _, set := range m.sets.snapshot() {
		out = append(out, set.Dialogs()...)
	}
	return out
}

// ByInviteKey ищет диалог по ключу транзакции исходного INVITE
func (m *Manager) ByInviteKey(key transaction.Key) (*Dialog, bool) {
	for _, d := range m.Dialogs() {
		if d.InviteKey() == key {
			return d, true
		}
	}
	return nil, false
}

// Len число наборов диалогов
func (m *Manager) Len() int {
	return m.sets.len()
}

// Deliver принимает сообщения от транзакций. Ответы на INVITE идут
// в набор диалогов, ACK на 2xx в диалог. Ошибки уровня диалога
// логируются: они не должны ронять транзакцию.
func (m *Manager) Deliver(key transaction.Key, msg sip.Message) error {
	entry := m.logger.WithFields(logrus.Fields{
		"branch":  key.Branch,
		"method":  key.Method,
		"message": transaction.Describe(msg),
	})

	var err error
	switch v := msg.(type) {
	case *sip.Response:
		if key.Method != string(sip.INVITE) {
			entry.Debug("in-dialog response")
			return nil
		}
		_, err = m.HandleResponse(v)
	case *sip.Request:
		err = m.HandleRequest(v)
	default:
		err = errors.Errorf("unsupported message %T", msg)
	}

	if err != nil {
		entry.WithError(err).Info("delivery not applied to dialog")
	}
	return nil
}

// HandleResponse передает ответ на INVITE набору диалогов
func (m *Manager) HandleResponse(res *sip.Response) (*Dialog, error) {
	id, err := IDFromMessage(res)
	if err != nil {
		return nil, err
	}
	set, ok := m.ForkSet(id)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "response for %s", id)
	}
	return set.HandleResponse(res)
}

// HandleRequest передает входящий запрос внутри диалога
func (m *Manager) HandleRequest(req *sip.Request) error {
	id, err := IDFromMessage(req)
	if err != nil {
		return err
	}
	if id.LocalTag == "" {
		return errors.Wrapf(ErrNotFound, "%s without To tag", req.Method)
	}

	set, ok := m.ForkSet(id)
	if !ok {
		return errors.Wrapf(ErrNotFound, "%s for %s", req.Method, id)
	}
	d := set.Route(id)
	if d == nil {
		return errors.Wrapf(ErrNotFound, "%s for %s", req.Method, id)
	}
	return d.HandleRequest(req)
}

// HandleTransportError переводит диалог id в Errored
func (m *Manager) HandleTransportError(id ID, cause error) error {
	d, ok := m.Get(id)
	if !ok {
		set, found := m.ForkSet(id)
		if !found {
			return errors.Wrapf(ErrNotFound, "transport error for %s", id)
		}
		d = set.Route(id)
	}
	d.HandleTransportError(cause)
	return nil
}

// Prune удаляет наборы, в которых все диалоги завершены
func (m *Manager) Prune() int {
	return m.sets.deleteIf((*ForkSet).Done)
}
