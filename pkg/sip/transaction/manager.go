package transaction

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"
)

// Config параметры менеджера транзакций
type Config struct {
	Timers Timers

	// SweepInterval период обхода живых транзакций
	SweepInterval time.Duration

	// Retention сколько завершенная транзакция остается в таблице.
	// 0 - не удалять никогда.
	Retention time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Timers:        DefaultTimers(),
		SweepInterval: 100 * time.Millisecond,
		Retention:     time.Minute,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if err := c.Timers.Validate(); err != nil {
		return err
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.Retention < 0 {
		return fmt.Errorf("retention must not be negative, got %s", c.Retention)
	}
	return nil
}

// Option настраивает Manager
type Option func(*Manager)

// WithLogger задает логгер
func WithLogger(logger logrus.FieldLogger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics задает метрики
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock подменяет источник времени
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// Stats снимок заполненности таблицы
type Stats struct {
	LiveClients  int
	LiveServers  int
	TotalClients int
	TotalServers int
}

// Manager владеет таблицей транзакций: создание, диспетчеризация
// входящих сообщений и периодический обход по таймерам.
type Manager struct {
	cfg      Config
	table    *Table
	handlers Handlers
	creator  Creator
	logger   logrus.FieldLogger
	metrics  *Metrics
	clock    func() time.Time
}

// NewManager создает новый менеджер транзакций
func NewManager(cfg Config, h Handlers, creator Creator, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transaction config: %w", err)
	}
	if h == nil {
		return nil, fmt.Errorf("handlers are required")
	}
	if creator == nil {
		return nil, fmt.Errorf("transaction creator not set")
	}

	m := &Manager{
		cfg:      cfg,
		table:    NewTable(),
		handlers: h,
		creator:  creator,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logrus.StandardLogger()
	}
	m.logger = m.logger.WithField("component", "transaction")
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	return m, nil
}

func (m *Manager) env() Env {
	return Env{
		Handlers: m.handlers,
		Timers:   m.cfg.Timers,
		Logger:   m.logger,
		Clock:    m.clock,
	}
}

// Timers возвращает действующие таймеры
func (m *Manager) Timers() Timers {
	return m.cfg.Timers
}

// CreateClient создает и запускает клиентскую транзакцию для запроса
func (m *Manager) CreateClient(req *sip.Request) (ClientTransaction, error) {
	key, err := KeyFromMessage(req)
	if err != nil {
		return nil, fmt.Errorf("failed to generate transaction key: %w", err)
	}
	if _, ok := m.table.Client(key); ok {
		return nil, fmt.Errorf("client %s: %w", key, ErrTransactionExists)
	}

	tx, err := m.creator.NewClient(key, req, m.env())
	if err != nil {
		return nil, err
	}
	if err := m.table.AddClient(tx); err != nil {
		return nil, fmt.Errorf("client %s: %w", key, err)
	}
	m.metrics.txCreated(tx)

	if err := tx.Start(); err != nil {
		m.settle(tx)
		return tx, err
	}
	return tx, nil
}

// CreateServer создает серверную транзакцию для входящего запроса.
// res может быть nil: для INVITE удерживается 100 Trying.
func (m *Manager) CreateServer(req *sip.Request, res *sip.Response) (ServerTransaction, error) {
	key, err := KeyFromMessage(req)
	if err != nil {
		return nil, fmt.Errorf("failed to generate transaction key: %w", err)
	}
	if req.Method == sip.ACK {
		return nil, fmt.Errorf("%w: ACK does not start a server transaction", ErrInvalidRequest)
	}
	if _, ok := m.table.Server(key); ok {
		return nil, fmt.Errorf("server %s: %w", key, ErrTransactionExists)
	}

	tx, err := m.creator.NewServer(key, req, res, m.env())
	if err != nil {
		return nil, err
	}
	if err := m.table.AddServer(tx); err != nil {
		return nil, fmt.Errorf("server %s: %w", key, err)
	}
	m.metrics.txCreated(tx)

	if err := tx.Start(); err != nil {
		m.settle(tx)
		return tx, err
	}
	return tx, nil
}

// Dispatch передает входящее сообщение транзакции: ответы ищутся
// среди клиентских, запросы среди серверных. ErrNotFound означает,
// что сообщение принадлежит вышестоящему слою.
func (m *Manager) Dispatch(msg sip.Message) error {
	key, err := KeyFromMessage(msg)
	if err != nil {
		return err
	}

	tx, kind := m.lookup(key, msg)
	if tx == nil {
		m.metrics.txNotFound(kind)
		return fmt.Errorf("%s %s: %w", kind, key, ErrNotFound)
	}
	// Завершенная клиентская транзакция ответов не принимает:
	// поздний 2xx на INVITE принадлежит диалогу.
	if tx.IsClient() && tx.State() == StateTerminated {
		return fmt.Errorf("%s %s: %w: %w", kind, key, ErrTerminated, ErrNotFound)
	}

	tx.HandleMessage(msg)
	m.settle(tx)
	return nil
}

// DispatchTransportError сообщает транзакции об ошибке отправки msg.
// Исходящий запрос принадлежит клиентской транзакции, ответ - серверной.
func (m *Manager) DispatchTransportError(msg sip.Message, cause error) error {
	key, err := KeyFromMessage(msg)
	if err != nil {
		return err
	}

	var tx Transaction
	switch msg.(type) {
	case *sip.Request:
		if c, ok := m.table.Client(key); ok {
			tx = c
		}
	case *sip.Response:
		if s, ok := m.table.Server(key); ok {
			tx = s
		}
	}
	if tx == nil {
		return fmt.Errorf("transport error for %s: %w", key, ErrNotFound)
	}

	tx.HandleTransportError(cause)
	m.settle(tx)
	return nil
}

// Respond передает ответ TU серверной транзакции
func (m *Manager) Respond(key Key, res *sip.Response) error {
	tx, ok := m.table.Server(key)
	if !ok {
		return fmt.Errorf("server %s: %w", key, ErrNotFound)
	}

	err := tx.Respond(res)
	m.settle(tx)
	return err
}

// Exists проверяет наличие транзакции с ключом в любой из таблиц
func (m *Manager) Exists(key Key) bool {
	if _, ok := m.table.Client(key); ok {
		return true
	}
	_, ok := m.table.Server(key)
	return ok
}

// Client возвращает клиентскую транзакцию по ключу
func (m *Manager) Client(key Key) (ClientTransaction, bool) {
	return m.table.Client(key)
}

// Server возвращает серверную транзакцию по ключу
func (m *Manager) Server(key Key) (ServerTransaction, bool) {
	return m.table.Server(key)
}

// Tick применяет переход без сообщения ко всем живым транзакциям
func (m *Manager) Tick(now time.Time) {
	for _, tx := range m.table.Live() {
		before := tx.Retransmissions()
		tx.Tick(now)
		m.metrics.txRetransmitted(tx, tx.Retransmissions()-before)
		m.settleAt(tx, now)
	}

	if pruned := m.table.Prune(now, m.cfg.Retention); pruned > 0 {
		m.logger.WithField("count", pruned).Debug("pruned terminated transactions")
	}
}

// Run вызывает Tick с периодом SweepInterval до отмены ctx
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Tick(m.clock())
		}
	}
}

// Stats возвращает заполненность таблицы
func (m *Manager) Stats() Stats {
	var s Stats
	s.LiveClients, s.TotalClients = m.table.Counts(true)
	s.LiveServers, s.TotalServers = m.table.Counts(false)
	return s
}

func (m *Manager) lookup(key Key, msg sip.Message) (Transaction, string) {
	switch msg.(type) {
	case *sip.Response:
		if tx, ok := m.table.Client(key); ok {
			return tx, "response"
		}
		return nil, "response"
	default:
		if tx, ok := m.table.Server(key); ok {
			return tx, "request"
		}
		return nil, "request"
	}
}

func (m *Manager) settle(tx Transaction) {
	m.settleAt(tx, m.clock())
}

// settleAt выводит завершенную транзакцию из обхода
func (m *Manager) settleAt(tx Transaction, now time.Time) {
	if tx.State() != StateTerminated {
		return
	}
	if !m.table.Retire(tx, now) {
		return
	}

	m.metrics.txTerminated(tx, now)
	entry := m.logger.WithFields(logrus.Fields{
		"branch":  tx.Key().Branch,
		"method":  tx.Key().Method,
		"outcome": tx.Outcome(),
	})
	if err := tx.Err(); err != nil && tx.Outcome() == OutcomeErrored {
		entry.WithError(err).Info("transaction terminated")
		return
	}
	entry.Debug("transaction terminated")
}
