package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
)

const (
	readBufferSize = 65535
	// maxDatagram максимальный полезный размер UDP датаграммы
	maxDatagram = 65507
)

// Handler получает разобранные входящие сообщения.
// Вызывается из цикла чтения, поэтому не должен блокироваться надолго.
type Handler func(msg sip.Message, from *net.UDPAddr)

// Stats счетчики транспорта
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	Errors           uint64
}

// Option настраивает UDPTransport
type Option func(*UDPTransport)

// WithLogger задает логгер
func WithLogger(logger logrus.FieldLogger) Option {
	return func(t *UDPTransport) { t.logger = logger }
}

// WithMetrics задает метрики
func WithMetrics(metrics *Metrics) Option {
	return func(t *UDPTransport) { t.metrics = metrics }
}

// UDPTransport UDP транспорт поверх sipgo парсера
type UDPTransport struct {
	conn    *net.UDPConn
	parser  *sip.Parser
	logger  logrus.FieldLogger
	metrics *Metrics
	closed  atomic.Bool

	mu      sync.RWMutex
	handler Handler

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	failures         atomic.Uint64
}

var _ transaction.Transport = (*UDPTransport)(nil)

// ListenUDP открывает сокет на addr
func ListenUDP(addr string, opts ...Option) (*UDPTransport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, newError("resolve address", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, newError("listen", err)
	}

	t := &UDPTransport{
		conn:   conn,
		parser: sip.NewParser(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logrus.StandardLogger()
	}
	if t.metrics == nil {
		t.metrics = NewMetrics(nil)
	}
	t.logger = t.logger.WithFields(logrus.Fields{
		"component": "transport",
		"local":     conn.LocalAddr().String(),
	})
	return t, nil
}

// LocalAddr адрес, на котором слушает транспорт
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// OnMessage задает обработчик входящих сообщений
func (t *UDPTransport) OnMessage(handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Send отправляет сообщение по адресу из Destination
func (t *UDPTransport) Send(msg sip.Message) error {
	addr, err := Destination(msg)
	if err != nil {
		t.recordError("resolve address")
		return newError("resolve address", err)
	}
	return t.SendTo(msg, addr)
}

// SendTo отправляет сообщение на явно заданный host:port
func (t *UDPTransport) SendTo(msg sip.Message, addr string) error {
	if t.closed.Load() {
		return newError("send", ErrTransportClosed)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.recordError("resolve address")
		return newError("resolve address", fmt.Errorf("%s: %w", err, ErrInvalidAddress))
	}

	data := []byte(msg.String())
	if len(data) > maxDatagram {
		t.recordError("send")
		return newError("send", fmt.Errorf("%d bytes: %w", len(data), ErrMessageTooLarge))
	}

	n, err := t.conn.WriteToUDP(data, udpAddr)
	if err != nil {
		t.recordError("send")
		return newError("send", err)
	}

	t.messagesSent.Add(1)
	t.bytesSent.Add(uint64(n))
	t.metrics.traffic("out", n)
	return nil
}

// Serve читает датаграммы до отмены ctx или Close.
// Неразобранные датаграммы отбрасываются.
func (t *UDPTransport) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	buf := make([]byte, readBufferSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			t.recordError("read")
			return newError("read", err)
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		t.messagesReceived.Add(1)
		t.bytesReceived.Add(uint64(n))
		t.metrics.traffic("in", n)

		msg, err := t.parser.ParseSIP(data)
		if err != nil {
			t.recordError("parse")
			t.logger.WithError(err).WithField("from", from.String()).Debug("dropping unparsable datagram")
			continue
		}
		msg.SetSource(from.String())
		msg.SetTransport("UDP")
		if req, ok := msg.(*sip.Request); ok {
			stampVia(req, from)
		}

		t.mu.RLock()
		handler := t.handler
		t.mu.RUnlock()
		if handler != nil {
			handler(msg, from)
		}
	}
}

// Close закрывает сокет; повторный вызов ничего не делает
func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}

// Stats возвращает снимок счетчиков
func (t *UDPTransport) Stats() Stats {
	return Stats{
		MessagesSent:     t.messagesSent.Load(),
		MessagesReceived: t.messagesReceived.Load(),
		BytesSent:        t.bytesSent.Load(),
		BytesReceived:    t.bytesReceived.Load(),
		Errors:           t.failures.Load(),
	}
}

func (t *UDPTransport) recordError(op string) {
	t.failures.Add(1)
	t.metrics.failure(op)
}
