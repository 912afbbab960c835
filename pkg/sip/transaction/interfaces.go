package transaction

import (
	"time"

	"github.com/emiago/sipgo/sip"
)

// Transaction представляет SIP транзакцию, управляемую сообщениями и тиками
type Transaction interface {
	// Идентификация
	Key() Key
	IsClient() bool

	// Состояние
	State() State
	Outcome() Outcome
	Err() error
	CreatedAt() time.Time
	Retransmissions() int

	// Сообщения
	Request() *sip.Request
	Response() *sip.Response

	// Start выполняет первую отправку (запрос или начальный ответ).
	// Вызывается после регистрации транзакции в таблице.
	Start() error

	// HandleMessage применяет входящее сообщение. Ошибки переходов
	// остаются внутри FSM и переводят её в Terminated(Errored).
	HandleMessage(msg sip.Message)

	// HandleTransportError переводит транзакцию в Terminated(Errored).
	HandleTransportError(err error)

	// Tick применяет переход без сообщения (таймеры).
	Tick(now time.Time)
}

// ClientTransaction клиентская транзакция (UAC)
type ClientTransaction interface {
	Transaction
}

// ServerTransaction серверная транзакция (UAS)
type ServerTransaction interface {
	Transaction

	// Respond отправляет ответ, выработанный TU.
	Respond(res *sip.Response) error
}

// State состояние транзакции
type State int

const (
	// Начальные состояния
	StateTrying State = iota
	StateCalling

	StateProceeding
	StateCompleted
	StateAccepted
	StateConfirmed
	StateTerminated
)

// String возвращает строковое представление состояния
func (s State) String() string {
	switch s {
	case StateTrying:
		return "Trying"
	case StateCalling:
		return "Calling"
	case StateProceeding:
		return "Proceeding"
	case StateCompleted:
		return "Completed"
	case StateAccepted:
		return "Accepted"
	case StateConfirmed:
		return "Confirmed"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Rank возвращает позицию состояния в графе переходов.
// Переход допустим только в состояние с большим рангом.
func (s State) Rank() int {
	switch s {
	case StateTrying, StateCalling:
		return 0
	case StateProceeding:
		return 1
	case StateCompleted, StateAccepted:
		return 2
	case StateConfirmed:
		return 3
	case StateTerminated:
		return 4
	default:
		return -1
	}
}

// Outcome результат завершения транзакции
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeExpected
	OutcomeTimedOut
	OutcomeErrored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "None"
	case OutcomeExpected:
		return "Expected"
	case OutcomeTimedOut:
		return "TimedOut"
	case OutcomeErrored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// Error представляет ошибку транзакции
type Error struct {
	Key   Key
	Op    string
	State State
	Err   error
}

func (e *Error) Error() string {
	return "transaction " + e.Key.String() + " in state " + e.State.String() +
		": " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError создает новую ошибку транзакции
func NewError(key Key, op string, state State, err error) error {
	return &Error{
		Key:   key,
		Op:    op,
		State: state,
		Err:   err,
	}
}
