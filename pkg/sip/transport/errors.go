package transport

import (
	"errors"
	"net"
)

var (
	// ErrTransportClosed операция над закрытым транспортом
	ErrTransportClosed = errors.New("transport closed")

	// ErrInvalidAddress адрес назначения не удалось вычислить
	ErrInvalidAddress = errors.New("invalid address")

	// ErrMessageTooLarge сообщение не помещается в датаграмму
	ErrMessageTooLarge = errors.New("message too large")
)

// TransportError ошибка транспорта
type TransportError struct {
	Transport string
	Operation string
	Err       error
	Timeout   bool
}

func (e *TransportError) Error() string {
	return e.Transport + " " + e.Operation + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func newError(op string, err error) *TransportError {
	return &TransportError{
		Transport: "udp",
		Operation: op,
		Err:       err,
		Timeout:   isTimeout(err),
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
