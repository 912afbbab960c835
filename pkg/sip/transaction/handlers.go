package transaction

import "github.com/emiago/sipgo/sip"

// Transport возможность отправки сообщений в сеть
type Transport interface {
	Send(msg sip.Message) error
}

// TransactionUser слой над транзакцией (диалоги, приложение)
type TransactionUser interface {
	Deliver(key Key, msg sip.Message) error
}

// Handlers единственная связь FSM транзакций с внешним миром:
// отправка в транспорт и доставка TU.
type Handlers interface {
	Transport
	TransactionUser
}

// TransportFunc адаптер функции к Transport
type TransportFunc func(msg sip.Message) error

func (f TransportFunc) Send(msg sip.Message) error { return f(msg) }

// TransactionUserFunc адаптер функции к TransactionUser
type TransactionUserFunc func(key Key, msg sip.Message) error

func (f TransactionUserFunc) Deliver(key Key, msg sip.Message) error { return f(key, msg) }

type handlers struct {
	Transport
	TransactionUser
}

// NewHandlers собирает Handlers из транспорта и TU
func NewHandlers(t Transport, tu TransactionUser) Handlers {
	return handlers{Transport: t, TransactionUser: tu}
}

