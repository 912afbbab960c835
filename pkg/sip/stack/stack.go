package stack

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/sip_engine/pkg/sip/dialog"
	"github.com/arzzra/sip_engine/pkg/sip/transaction"
	"github.com/arzzra/sip_engine/pkg/sip/transaction/creator"
	"github.com/arzzra/sip_engine/pkg/sip/transport"
)

// Transport сетевой транспорт стека.
// *transport.UDPTransport реализует этот интерфейс.
type Transport interface {
	transaction.Transport
	OnMessage(handler transport.Handler)
	Serve(ctx context.Context) error
	LocalAddr() *net.UDPAddr
}

// InviteHandler получает UAS диалог нового INVITE и отвечает через d.Respond
type InviteHandler func(d *dialog.Dialog)

// RequestHandler отвечает на запрос вне диалога. nil означает 200 OK.
type RequestHandler func(req *sip.Request) *sip.Response

// Option настраивает Stack
type Option func(*Stack)

// WithLogger задает логгер
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Stack) { s.logger = logger }
}

// WithRegisterer регистрирует метрики транзакций и диалогов в reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Stack) { s.registerer = reg }
}

// WithClock подменяет источник времени транзакций
func WithClock(clock func() time.Time) Option {
	return func(s *Stack) { s.clock = clock }
}

// WithInviteHandler задает обработчик новых INVITE
func WithInviteHandler(h InviteHandler) Option {
	return func(s *Stack) { s.onInvite = h }
}

// WithRequestHandler задает обработчик запросов вне диалога
func WithRequestHandler(h RequestHandler) Option {
	return func(s *Stack) { s.onRequest = h }
}

// WithDialogRequestHandler задает обработчик запросов внутри диалога
func WithDialogRequestHandler(h dialog.RequestHandler) Option {
	return func(s *Stack) { s.onDialogRequest = h }
}

// WithStateHandler задает обработчик переходов диалогов
func WithStateHandler(h dialog.StateHandler) Option {
	return func(s *Stack) { s.onState = h }
}

// Stack связывает транспорт, менеджер транзакций и менеджер диалогов.
// Реализует transaction.Handlers.
type Stack struct {
	cfg        Config
	transport  Transport
	tx         *transaction.Manager
	dialogs    *dialog.Manager
	logger     logrus.FieldLogger
	registerer prometheus.Registerer
	clock      func() time.Time
	contact    sip.Uri

	onInvite        InviteHandler
	onRequest       RequestHandler
	onDialogRequest dialog.RequestHandler
	onState         dialog.StateHandler

	inflight sync.WaitGroup
}

var _ transaction.Handlers = (*Stack)(nil)

// New создает стек поверх транспорта tr
func New(cfg Config, tr Transport, opts ...Option) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, errors.New("stack: transport is required")
	}

	s := &Stack{
		cfg:       cfg,
		transport: tr,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	logger := s.logger
	s.logger = logger.WithField("component", "stack")

	if cfg.Contact != nil {
		s.contact = *cfg.Contact
	} else {
		local := tr.LocalAddr()
		s.contact = sip.Uri{Scheme: "sip", Host: local.IP.String(), Port: local.Port}
	}

	var err error
	s.tx, err = creator.NewManager(cfg.Transaction, s,
		transaction.WithLogger(logger),
		transaction.WithMetrics(transaction.NewMetrics(s.registerer)),
		transaction.WithClock(s.clock),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create transaction manager")
	}

	s.dialogs, err = dialog.NewManager(dialog.Env{
		Transactions: s.tx,
		Transport:    s,
		Logger:       logger,
		Contact:      &sip.ContactHeader{Address: s.contact, Params: sip.NewParams()},
		OnRequest:    s.onDialogRequest,
		OnState:      s.onState,
	}, dialog.WithMetrics(dialog.NewMetrics(s.registerer)))
	if err != nil {
		return nil, errors.Wrap(err, "create dialog manager")
	}

	tr.OnMessage(s.receive)
	return s, nil
}

// Transactions менеджер транзакций
func (s *Stack) Transactions() *transaction.Manager { return s.tx }

// Dialogs менеджер диалогов
func (s *Stack) Dialogs() *dialog.Manager { return s.dialogs }

// Contact локальный контакт стека
func (s *Stack) Contact() sip.Uri { return s.contact }

// Send отправляет сообщение в транспорт. Ошибка отправки передается
// транзакции и диалогу, которым принадлежит сообщение.
func (s *Stack) Send(msg sip.Message) error {
	if err := s.transport.Send(msg); err != nil {
		s.logger.WithError(err).WithField("message", transaction.Describe(msg)).Warn("send failed")
		s.reportSendFailure(msg, err)
		return err
	}
	return nil
}

// reportSendFailure уведомляет транзакцию и диалог в отдельной горутине:
// Send вызывается под их блокировками.
func (s *Stack) reportSendFailure(msg sip.Message, cause error) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		entry := s.logger.WithField("message", transaction.Describe(msg))
		if err := s.tx.DispatchTransportError(msg, cause); err != nil && !errors.Is(err, transaction.ErrNotFound) {
			entry.WithError(err).Debug("transport error not applied to transaction")
		}

		id, err := dialog.IDFromOutgoing(msg)
		if err != nil {
			return
		}
		if err := s.dialogs.HandleTransportError(id, cause); err != nil && !errors.Is(err, dialog.ErrNotFound) {
			entry.WithError(err).Debug("transport error not applied to dialog")
		}
	}()
}

// Deliver передает сообщение транзакции в слой диалогов
func (s *Stack) Deliver(key transaction.Key, msg sip.Message) error {
	return s.dialogs.Deliver(key, msg)
}

// Run обслуживает транспорт, обход транзакций и очистку диалогов
// до отмены ctx.
func (s *Stack) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.transport.Serve(ctx)
	})
	g.Go(func() error {
		return s.tx.Run(ctx)
	})
	g.Go(func() error {
		s.pruneLoop(ctx)
		return nil
	})

	err := g.Wait()
	s.inflight.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Stack) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.dialogs.Prune(); n > 0 {
				s.logger.WithField("count", n).Debug("pruned terminated dialogs")
			}
		}
	}
}

// receive обрабатывает каждое входящее сообщение в своей горутине
func (s *Stack) receive(msg sip.Message, from *net.UDPAddr) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if err := s.HandleMessage(msg); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"from":    from.String(),
				"message": transaction.Describe(msg),
			}).Debug("inbound message not handled")
		}
	}()
}
