// Package transactiontest содержит тестовые двойники для слоя транзакций:
// записывающий Handlers, ручные часы и построители сообщений.
package transactiontest

import (
	"errors"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
)

// ErrSendFailed ошибка, которую возвращает Recorder при FailSend
var ErrSendFailed = errors.New("send failed")

// Delivery доставка TU
type Delivery struct {
	Key transaction.Key
	Msg sip.Message
}

// Recorder реализует transaction.Handlers и запоминает все вызовы
type Recorder struct {
	mu        sync.Mutex
	sent      []sip.Message
	delivered []Delivery

	// FailSend заставляет Send возвращать ErrSendFailed
	FailSend bool
	// FailDeliver заставляет Deliver возвращать ошибку
	FailDeliver bool
	// OnDeliver вызывается после записи доставки
	OnDeliver func(key transaction.Key, msg sip.Message) error
}

var _ transaction.Handlers = (*Recorder)(nil)

// NewRecorder создает Recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Send записывает исходящее сообщение
func (r *Recorder) Send(msg sip.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailSend {
		return ErrSendFailed
	}
	r.sent = append(r.sent, msg)
	return nil
}

// Deliver записывает доставку TU
func (r *Recorder) Deliver(key transaction.Key, msg sip.Message) error {
	r.mu.Lock()
	if r.FailDeliver {
		r.mu.Unlock()
		return errors.New("deliver failed")
	}
	r.delivered = append(r.delivered, Delivery{Key: key, Msg: msg})
	hook := r.OnDeliver
	r.mu.Unlock()

	if hook != nil {
		return hook(key, msg)
	}
	return nil
}

// Sent возвращает копию отправленных сообщений
func (r *Recorder) Sent() []sip.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sip.Message(nil), r.sent...)
}

// SentCount число отправок
func (r *Recorder) SentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

// LastSent последнее отправленное сообщение
func (r *Recorder) LastSent() sip.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return nil
	}
	return r.sent[len(r.sent)-1]
}

// SentRequests отправленные запросы с методом method
func (r *Recorder) SentRequests(method sip.RequestMethod) []*sip.Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*sip.Request
	for _, m := range r.sent {
		if req, ok := m.(*sip.Request); ok && req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

// Delivered возвращает копию доставок TU
func (r *Recorder) Delivered() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.delivered...)
}

// Clock ручные часы
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock создает часы с фиксированной начальной точкой
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)}
}

// Now текущее время часов
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance сдвигает часы и возвращает новое время
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Env окружение транзакции с Recorder, часами и тихим логгером
func Env(rec *Recorder, clock *Clock) (transaction.Env, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return transaction.Env{
		Handlers: rec,
		Timers:   transaction.DefaultTimers(),
		Logger:   logger,
		Clock:    clock.Now,
	}, hook
}

// AliceURI адрес вызывающей стороны
func AliceURI() sip.Uri {
	return sip.Uri{Scheme: "sip", User: "alice", Host: "atlanta.example.com"}
}

// BobURI адрес вызываемой стороны
func BobURI() sip.Uri {
	return sip.Uri{Scheme: "sip", User: "bob", Host: "biloxi.example.com"}
}

// NewRequest строит запрос с верхним Via branch и CSeq seq
func NewRequest(method sip.RequestMethod, branch string, seq uint32) *sip.Request {
	req := sip.NewRequest(method, BobURI())
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "pc33.atlanta.example.com",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", branch),
	})

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(&sip.ToHeader{Address: BobURI(), Params: sip.NewParams()})
	req.AppendHeader(&sip.FromHeader{Address: AliceURI(), Params: sip.NewParams().Add("tag", "1928301774")})

	callID := sip.CallIDHeader("a84b4c76e66710@pc33.atlanta.example.com")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "pc33.atlanta.example.com"},
		Params:  sip.NewParams(),
	})
	return req
}

// NewInvite строит INVITE с branch и CSeq 314159
func NewInvite(branch string) *sip.Request {
	return NewRequest(sip.INVITE, branch, 314159)
}

// NewResponse строит ответ на req; непустой toTag добавляется в To
func NewResponse(req *sip.Request, code int, reason, toTag string) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if toTag != "" {
		to := req.To()
		res.ReplaceHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      sip.NewParams().Add("tag", toTag),
		})
	}
	return res
}

// NewAck строит ACK с тем же branch, что и INVITE
func NewAck(invite *sip.Request) *sip.Request {
	branch, _ := invite.Via().Params.Get("branch")
	return NewRequest(sip.ACK, branch, invite.CSeq().SeqNo)
}
