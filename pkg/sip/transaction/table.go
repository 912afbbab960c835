package transaction

import (
	"sync"
	"time"
)

type tableEntry struct {
	tx        Transaction
	retiredAt time.Time
}

func (e *tableEntry) retired() bool { return !e.retiredAt.IsZero() }

// txMap thread-safe отображение ключ -> транзакция.
// Завершенные транзакции остаются видимыми для поиска, но не
// попадают в обход живых записей.
type txMap struct {
	mu      sync.RWMutex
	entries map[Key]*tableEntry
	live    int
}

func newTxMap() *txMap {
	return &txMap{entries: make(map[Key]*tableEntry)}
}

func (m *txMap) add(key Key, tx Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; exists {
		return ErrTransactionExists
	}
	m.entries[key] = &tableEntry{tx: tx}
	m.live++
	return nil
}

func (m *txMap) get(key Key) (Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return e.tx, true
}

// snapshot возвращает живые транзакции под read lock
func (m *txMap) snapshot() []Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Transaction, 0, m.live)
	for _, e := range m.entries {
		if !e.retired() {
			out = append(out, e.tx)
		}
	}
	return out
}

// retire убирает транзакцию из обхода. Возвращает true при первом вызове.
func (m *txMap) retire(key Key, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.retired() {
		return false
	}
	e.retiredAt = now
	m.live--
	return true
}

// prune удаляет записи, завершенные раньше now-retention
func (m *txMap) prune(now time.Time, retention time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for key, e := range m.entries {
		if e.retired() && HasTimedOut(e.retiredAt, now, retention) {
			delete(m.entries, key)
			pruned++
		}
	}
	return pruned
}

func (m *txMap) counts() (live, total int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.live, len(m.entries)
}

// Table таблица транзакций: отдельные карты для клиентских и серверных.
// Блокировки карт защищают только структуру; состояние каждой
// транзакции защищено ее собственным мьютексом.
type Table struct {
	clients *txMap
	servers *txMap
}

// NewTable создает пустую таблицу
func NewTable() *Table {
	return &Table{
		clients: newTxMap(),
		servers: newTxMap(),
	}
}

func (t *Table) side(client bool) *txMap {
	if client {
		return t.clients
	}
	return t.servers
}

// AddClient регистрирует клиентскую транзакцию
func (t *Table) AddClient(tx ClientTransaction) error {
	return t.clients.add(tx.Key(), tx)
}

// AddServer регистрирует серверную транзакцию
func (t *Table) AddServer(tx ServerTransaction) error {
	return t.servers.add(tx.Key(), tx)
}

// Client возвращает клиентскую транзакцию по ключу
func (t *Table) Client(key Key) (ClientTransaction, bool) {
	tx, ok := t.clients.get(key)
	if !ok {
		return nil, false
	}
	return tx.(ClientTransaction), true
}

// Server возвращает серверную транзакцию по ключу
func (t *Table) Server(key Key) (ServerTransaction, bool) {
	tx, ok := t.servers.get(key)
	if !ok {
		return nil, false
	}
	return tx.(ServerTransaction), true
}

// Live возвращает снимок живых транзакций обеих сторон
func (t *Table) Live() []Transaction {
	return append(t.clients.snapshot(), t.servers.snapshot()...)
}

// Retire исключает завершенную транзакцию из обхода
func (t *Table) Retire(tx Transaction, now time.Time) bool {
	return t.side(tx.IsClient()).retire(tx.Key(), now)
}

// Prune удаляет завершенные транзакции старше retention.
// retention <= 0 отключает удаление.
func (t *Table) Prune(now time.Time, retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	return t.clients.prune(now, retention) + t.servers.prune(now, retention)
}

// Counts возвращает число живых и всех записей
func (t *Table) Counts(client bool) (live, total int) {
	return t.side(client).counts()
}
