package dialog

import (
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
)

// Role роль UA в диалоге
type Role int

const (
	RoleUAC Role = iota
	RoleUAS
)

func (r Role) String() string {
	if r == RoleUAS {
		return "uas"
	}
	return "uac"
}

// SessionType тип сессии, установленной INVITE
type SessionType int

const (
	SessionNone SessionType = iota
	SessionSDP
	SessionOther
)

func (s SessionType) String() string {
	switch s {
	case SessionSDP:
		return "sdp"
	case SessionOther:
		return "other"
	default:
		return "none"
	}
}

// Transactions часть слоя транзакций, нужная диалогу.
// *transaction.Manager реализует этот интерфейс.
type Transactions interface {
	CreateClient(req *sip.Request) (transaction.ClientTransaction, error)
	CreateServer(req *sip.Request, res *sip.Response) (transaction.ServerTransaction, error)
	Respond(key transaction.Key, res *sip.Response) error
}

// RequestHandler вырабатывает ответ на входящий запрос внутри диалога.
// nil означает 200 OK. Для ACK результат игнорируется.
type RequestHandler func(d *Dialog, req *sip.Request) *sip.Response

// StateHandler вызывается при каждом переходе под блокировкой диалога,
// поэтому не должен вызывать методы того же диалога.
type StateHandler func(d *Dialog, from, to State)

// Env зависимости диалога
type Env struct {
	Transactions Transactions
	Transport    transaction.Transport
	Logger       logrus.FieldLogger

	// Contact локальный контакт UAS. Для UAC берется из INVITE.
	Contact *sip.ContactHeader

	OnRequest RequestHandler
	OnState   StateHandler
}

func (e Env) validate() error {
	if e.Transactions == nil {
		return errors.New("dialog: transactions are required")
	}
	if e.Transport == nil {
		return errors.New("dialog: transport is required")
	}
	return nil
}

// Dialog представляет SIP диалог (RFC 3261, 12)
type Dialog struct {
	env       Env
	role      Role
	logger    logrus.FieldLogger
	createdAt time.Time

	mu           sync.Mutex
	sm           *stateMachine
	id           ID
	seq          Sequence
	localURI     sip.Uri
	remoteURI    sip.Uri
	remoteTarget sip.Uri
	routes       RouteSet
	secure       bool
	session      SessionType
	contact      *sip.ContactHeader
	via          *sip.ViaHeader
	invite       *sip.Request
	inviteKey    transaction.Key
	ack          *sip.Request
	err          error
}

// NewUAC создает диалог для исходящего INVITE и запускает
// клиентскую INVITE транзакцию.
func NewUAC(invite *sip.Request, env Env) (*Dialog, error) {
	d, err := newUAC(invite, env)
	if err != nil {
		return nil, err
	}
	if err := d.start(); err != nil {
		return nil, err
	}
	return d, nil
}

func newUAC(invite *sip.Request, env Env) (*Dialog, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	if err := validateInvite(invite); err != nil {
		return nil, err
	}

	contact := invite.Contact()
	secure := invite.Recipient.Scheme == "sips"
	if h := invite.GetHeader("Route"); h != nil {
		if uris, err := headerURIs(h); err == nil && len(uris) > 0 && uris[0].Scheme == "sips" {
			secure = true
		}
	}
	if secure && contact.Address.Scheme != "sips" {
		return nil, errors.Wrap(ErrInvalidRequest, "sips request requires sips Contact")
	}

	fromTag, ok := invite.From().Params.Get("tag")
	if !ok || fromTag == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "INVITE without From tag")
	}

	routes, err := RouteSetFromRecordRoute(invite, true)
	if err != nil {
		return nil, err
	}

	key, err := transaction.KeyFromMessage(invite)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidRequest, err.Error())
	}

	d := &Dialog{
		env:       env,
		role:      RoleUAC,
		createdAt: time.Now(),
		id:        ID{CallID: invite.CallID().Value(), LocalTag: fromTag},
		seq:       NewSequence(invite.CSeq().SeqNo),
		localURI:  invite.From().Address,
		remoteURI: invite.To().Address,
		routes:    routes,
		secure:    secure,
		session:   classifySession(invite),
		contact:   contact,
		via:       invite.Via(),
		invite:    invite,
		inviteKey: key,
	}
	d.init()
	return d, nil
}

// NewUAS создает диалог для входящего INVITE. Серверная транзакция
// INVITE к этому моменту уже должна существовать.
func NewUAS(invite *sip.Request, env Env) (*Dialog, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	if err := validateInvite(invite); err != nil {
		return nil, err
	}

	fromTag, ok := invite.From().Params.Get("tag")
	if !ok || fromTag == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "INVITE without From tag")
	}

	routes, err := RouteSetFromRecordRoute(invite, false)
	if err != nil {
		return nil, err
	}

	key, err := transaction.KeyFromMessage(invite)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidRequest, err.Error())
	}

	contact := env.Contact
	if contact == nil {
		contact = &sip.ContactHeader{Address: invite.To().Address, Params: sip.NewParams()}
	}

	d := &Dialog{
		env:       env,
		role:      RoleUAS,
		createdAt: time.Now(),
		id: ID{
			CallID:    invite.CallID().Value(),
			LocalTag:  GenerateTag(),
			RemoteTag: fromTag,
		},
		localURI:     invite.To().Address,
		remoteURI:    invite.From().Address,
		remoteTarget: invite.Contact().Address,
		routes:       routes,
		secure:       invite.Recipient.Scheme == "sips",
		session:      classifySession(invite),
		contact:      contact,
		via: &sip.ViaHeader{
			ProtocolName:    "SIP",
			ProtocolVersion: "2.0",
			Transport:       "UDP",
			Host:            contact.Address.Host,
			Port:            contact.Address.Port,
			Params:          sip.NewParams(),
		},
		invite:    invite,
		inviteKey: key,
	}
	d.seq.SetRemote(invite.CSeq().SeqNo)
	d.init()
	return d, nil
}

func (d *Dialog) init() {
	logger := d.env.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	d.logger = logger.WithField("role", d.role)
	d.sm = newStateMachine(func(from, to State) {
		d.log().Debugf("dialog %s -> %s", from, to)
		if d.env.OnState != nil {
			d.env.OnState(d, from, to)
		}
	})
}

// start запускает клиентскую транзакцию INVITE
func (d *Dialog) start() error {
	tx, err := d.env.Transactions.CreateClient(d.invite)
	if err != nil {
		d.mu.Lock()
		d.failLocked(errors.Wrap(err, "create INVITE transaction"))
		d.mu.Unlock()
		return err
	}
	d.log().WithField("branch", tx.Key().Branch).Debug("INVITE sent")
	return nil
}

// fork создает диалог для другого 2xx на тот же INVITE.
// Новый диалог разделяет транзакцию исходного.
func (d *Dialog) fork() *Dialog {
	d.mu.Lock()
	defer d.mu.Unlock()

	f := &Dialog{
		env:       d.env,
		role:      d.role,
		createdAt: time.Now(),
		id:        d.id.Prefix(),
		seq:       NewSequence(d.invite.CSeq().SeqNo),
		localURI:  d.localURI,
		remoteURI: d.remoteURI,
		secure:    d.secure,
		session:   d.session,
		contact:   d.contact,
		via:       d.via,
		invite:    d.invite,
		inviteKey: d.inviteKey,
	}
	f.init()
	return f
}

func validateInvite(invite *sip.Request) error {
	if invite == nil || invite.Method != sip.INVITE {
		return errors.Wrap(ErrInvalidRequest, "not an INVITE")
	}
	if invite.CallID() == nil || invite.From() == nil || invite.To() == nil || invite.CSeq() == nil {
		return errors.Wrap(ErrInvalidRequest, "missing Call-ID, From, To or CSeq")
	}
	if n := len(invite.GetHeaders("Contact")); n != 1 || invite.Contact() == nil {
		return errors.Wrapf(ErrInvalidRequest, "INVITE must carry exactly one Contact, got %d", n)
	}
	return nil
}

func classifySession(req *sip.Request) SessionType {
	if h := req.GetHeader("Content-Disposition"); h != nil {
		disposition := strings.ToLower(strings.TrimSpace(h.Value()))
		if strings.HasPrefix(disposition, "session") {
			return SessionSDP
		}
	}
	if len(req.Body()) > 0 {
		return SessionOther
	}
	return SessionNone
}

func (d *Dialog) log() logrus.FieldLogger {
	return d.logger.WithField("dialog", d.id.String())
}

// ID возвращает идентификатор диалога
func (d *Dialog) ID() ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// State возвращает текущее состояние
func (d *Dialog) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sm.State()
}

func (d *Dialog) Role() Role           { return d.role }
func (d *Dialog) CreatedAt() time.Time { return d.createdAt }

// Invite возвращает исходный INVITE
func (d *Dialog) Invite() *sip.Request { return d.invite }

// InviteKey ключ транзакции исходного INVITE
func (d *Dialog) InviteKey() transaction.Key { return d.inviteKey }

func (d *Dialog) LocalURI() sip.Uri {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localURI
}

func (d *Dialog) RemoteURI() sip.Uri {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteURI
}

// RemoteTarget адрес из Contact удаленной стороны
func (d *Dialog) RemoteTarget() sip.Uri {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteTarget
}

func (d *Dialog) RouteSet() RouteSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.routes
}

func (d *Dialog) LocalSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq.Local()
}

func (d *Dialog) RemoteSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq.Remote()
}

func (d *Dialog) Secure() bool          { return d.secure }
func (d *Dialog) Session() SessionType { return d.session }

// Ack возвращает последний ACK, отправленный на 2xx
func (d *Dialog) Ack() *sip.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ack
}

// Err причина перехода в Errored
func (d *Dialog) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// HandleResponse обрабатывает ответ на INVITE (UAC)
func (d *Dialog) HandleResponse(res *sip.Response) error {
	if res == nil || res.CSeq() == nil {
		return errors.Wrap(ErrInvalidRequest, "response without CSeq")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.sm.State()
	if state.IsTerminal() {
		return errors.Wrapf(ErrTerminated, "response %d in %s", res.StatusCode, state)
	}
	if res.CSeq().MethodName != sip.INVITE {
		d.log().WithField("message", transaction.Describe(res)).Debug("in-dialog response")
		return nil
	}

	code := res.StatusCode
	switch {
	case code < 100 || code > 699:
		err := errors.Wrapf(ErrInvalidRequest, "status %d out of range", code)
		d.failLocked(err)
		return err

	case code < 200:
		if state == StateUnconfirmed {
			return d.sm.fire(eventEarly)
		}
		return nil

	case code < 300:
		if state == StateConfirmed {
			return d.resendAckLocked(res)
		}
		return d.confirmLocked(res)

	case code < 400:
		entry := d.log().WithField("status", code)
		if c := res.Contact(); c != nil {
			entry = entry.WithField("contact", c.Address.String())
		}
		entry.Info("redirect is not followed")
		d.failLocked(errors.Errorf("redirected with %d", code))
		return nil

	default:
		if state == StateConfirmed {
			d.log().WithField("status", code).Warn("failure response for confirmed dialog ignored")
			return nil
		}
		d.log().WithField("status", code).Debug("INVITE rejected")
		return d.sm.fire(eventTerminate)
	}
}

// confirmLocked подтверждает диалог по 2xx и отправляет ACK
func (d *Dialog) confirmLocked(res *sip.Response) error {
	remoteTag, _ := res.To().Params.Get("tag")
	routes, err := RouteSetFromRecordRoute(res, true)
	if err != nil {
		d.failLocked(err)
		return err
	}

	target := d.invite.Recipient
	if c := res.Contact(); c != nil {
		target = c.Address
	} else {
		d.log().Warn("2xx without Contact, using Request-URI as remote target")
	}

	d.id.RemoteTag = remoteTag
	d.remoteTarget = target
	d.seq.SetRemote(0)
	d.routes = routes

	if err := d.sm.fire(eventConfirm); err != nil {
		return err
	}

	d.ack = d.buildAckLocked(res)
	if err := d.env.Transport.Send(d.ack); err != nil {
		d.failLocked(errors.Wrap(err, "send ACK"))
		return err
	}
	return nil
}

func (d *Dialog) resendAckLocked(res *sip.Response) error {
	if tag, _ := res.To().Params.Get("tag"); tag != d.id.RemoteTag {
		return errors.Wrapf(ErrInvalidState, "2xx from another fork %q", tag)
	}
	if d.ack == nil {
		return nil
	}
	d.log().Debug("2xx retransmission, resending ACK")
	if err := d.env.Transport.Send(d.ack); err != nil {
		d.failLocked(errors.Wrap(err, "resend ACK"))
		return err
	}
	return nil
}

// buildAckLocked строит ACK на 2xx (RFC 3261, 13.2.2.4).
// ACK идет вне транзакции, поэтому получает новый branch.
func (d *Dialog) buildAckLocked(res *sip.Response) *sip.Request {
	ack := sip.NewRequest(sip.ACK, d.remoteTarget)
	ack.SipVersion = d.invite.SipVersion

	if via := d.freshVia(); via != nil {
		ack.AppendHeader(via)
	}
	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)
	ack.AppendHeader(sip.HeaderClone(d.invite.From()))
	ack.AppendHeader(sip.HeaderClone(res.To()))
	ack.AppendHeader(sip.HeaderClone(d.invite.CallID()))
	ack.AppendHeader(&sip.CSeqHeader{
		SeqNo:      d.invite.CSeq().SeqNo,
		MethodName: sip.ACK,
	})
	d.routes.Apply(ack)
	ack.SetTransport(d.invite.Transport())
	return ack
}

func (d *Dialog) freshVia() *sip.ViaHeader {
	if d.via == nil {
		return nil
	}
	return &sip.ViaHeader{
		ProtocolName:    d.via.ProtocolName,
		ProtocolVersion: d.via.ProtocolVersion,
		Transport:       d.via.Transport,
		Host:            d.via.Host,
		Port:            d.via.Port,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	}
}

// NewRequest создает заготовку запроса внутри диалога.
// Заголовки диалога заполняет SendRequest.
func (d *Dialog) NewRequest(method sip.RequestMethod) *sip.Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	req := sip.NewRequest(method, d.remoteTarget)
	req.SipVersion = d.invite.SipVersion
	req.SetTransport(d.invite.Transport())
	return req
}

// SendRequest отправляет запрос внутри подтвержденного диалога.
// Для ACK транзакция не создается и возвращается nil.
func (d *Dialog) SendRequest(req *sip.Request) (transaction.ClientTransaction, error) {
	if req == nil {
		return nil, errors.Wrap(ErrInvalidRequest, "nil request")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.sm.State()
	if state.IsTerminal() {
		return nil, errors.Wrapf(ErrTerminated, "%s in %s", req.Method, state)
	}
	if state != StateConfirmed {
		return nil, errors.Wrapf(ErrInvalidState, "%s in %s", req.Method, state)
	}

	d.applyDialogHeadersLocked(req)

	if req.Method == sip.ACK {
		if err := d.env.Transport.Send(req); err != nil {
			d.failLocked(errors.Wrap(err, "send ACK"))
			return nil, err
		}
		return nil, nil
	}

	tx, err := d.env.Transactions.CreateClient(req)
	if err != nil {
		err = errors.Wrapf(err, "send %s", req.Method)
		if errors.Is(err, transaction.ErrTransportFailure) {
			d.failLocked(err)
		}
		return nil, err
	}
	if req.Method == sip.BYE {
		if err := d.sm.fire(eventTerminate); err != nil {
			return tx, err
		}
	}
	return tx, nil
}

// Bye завершает подтвержденный диалог
func (d *Dialog) Bye() (transaction.ClientTransaction, error) {
	return d.SendRequest(d.NewRequest(sip.BYE))
}

func (d *Dialog) applyDialogHeadersLocked(req *sip.Request) {
	req.Recipient = d.remoteTarget

	setHeader(req, &sip.FromHeader{
		Address: d.localURI,
		Params:  sip.NewParams().Add("tag", d.id.LocalTag),
	})
	to := &sip.ToHeader{Address: d.remoteURI, Params: sip.NewParams()}
	if d.id.RemoteTag != "" {
		to.Params.Add("tag", d.id.RemoteTag)
	}
	setHeader(req, to)

	callID := sip.CallIDHeader(d.id.CallID)
	setHeader(req, &callID)

	if req.Method != sip.INVITE || req.Contact() == nil {
		setHeader(req, sip.HeaderClone(d.contact))
	}

	seq := d.seq.Local()
	if req.Method != sip.ACK && req.Method != sip.CANCEL {
		seq = d.seq.Next()
	}
	setHeader(req, &sip.CSeqHeader{SeqNo: seq, MethodName: req.Method})

	if via := d.freshVia(); via != nil {
		setHeader(req, via)
	}
	if req.GetHeader("Max-Forwards") == nil {
		maxForwards := sip.MaxForwardsHeader(70)
		req.AppendHeader(&maxForwards)
	}
	d.routes.Apply(req)
}

// setHeader заменяет первый заголовок с тем же именем или добавляет новый
func setHeader(msg sip.Message, h sip.Header) {
	if msg.GetHeader(h.Name()) != nil {
		msg.ReplaceHeader(h)
		return
	}
	msg.AppendHeader(h)
}

// HandleRequest обрабатывает входящий запрос внутри диалога.
// Ответ вырабатывает OnRequest и отправляет новая серверная транзакция.
func (d *Dialog) HandleRequest(req *sip.Request) error {
	if req == nil || req.CSeq() == nil {
		return errors.Wrap(ErrInvalidRequest, "request without CSeq")
	}

	d.mu.Lock()
	state := d.sm.State()
	switch {
	case state.IsTerminal():
		d.mu.Unlock()
		return errors.Wrapf(ErrTerminated, "%s in %s", req.Method, state)
	case state != StateConfirmed:
		d.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "%s in %s", req.Method, state)
	}
	if err := d.seq.AcceptRemote(req.CSeq().SeqNo); err != nil {
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	var res *sip.Response
	if d.env.OnRequest != nil {
		res = d.env.OnRequest(d, req)
	}
	if req.Method == sip.ACK {
		return nil
	}
	if res == nil {
		res = sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	}

	if _, err := d.env.Transactions.CreateServer(req, res); err != nil {
		return errors.Wrapf(err, "respond to %s", req.Method)
	}

	if req.Method == sip.BYE {
		d.mu.Lock()
		defer d.mu.Unlock()
		if !d.sm.State().IsTerminal() {
			return d.sm.fire(eventTerminate)
		}
	}
	return nil
}

// NewResponse создает ответ на исходный INVITE (UAS)
func (d *Dialog) NewResponse(code int, reason string) *sip.Response {
	return sip.NewResponseFromRequest(d.invite, code, reason, nil)
}

// Respond отправляет ответ на исходный INVITE через его серверную
// транзакцию и продвигает диалог (UAS).
func (d *Dialog) Respond(res *sip.Response) error {
	if res == nil {
		return errors.Wrap(ErrInvalidRequest, "nil response")
	}
	if d.role != RoleUAS {
		return errors.Wrap(ErrInvalidState, "only UAS responds to INVITE")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.sm.State()
	if state.IsTerminal() {
		return errors.Wrapf(ErrTerminated, "respond %d in %s", res.StatusCode, state)
	}
	if state == StateConfirmed {
		return errors.Wrapf(ErrInvalidState, "respond %d in %s", res.StatusCode, state)
	}

	code := res.StatusCode
	if code > 100 {
		d.tagResponseLocked(res)
	}

	if err := d.env.Transactions.Respond(d.inviteKey, res); err != nil {
		d.failLocked(errors.Wrapf(err, "respond %d", code))
		return err
	}

	switch {
	case code > 100 && code < 200:
		if state == StateUnconfirmed {
			return d.sm.fire(eventEarly)
		}
	case code >= 200 && code < 300:
		return d.sm.fire(eventConfirm)
	case code >= 300:
		return d.sm.fire(eventTerminate)
	}
	return nil
}

// tagResponseLocked ставит local tag диалога в To и добавляет Contact
// для 1xx/2xx. Тег, выставленный при построении ответа, заменяется.
func (d *Dialog) tagResponseLocked(res *sip.Response) {
	if to := res.To(); to != nil {
		if tag, _ := to.Params.Get("tag"); tag != d.id.LocalTag {
			params := sip.NewParams()
			for k, v := range to.Params {
				params.Add(k, v)
			}
			setHeader(res, &sip.ToHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      params.Add("tag", d.id.LocalTag),
			})
		}
	}
	if res.StatusCode < 300 && res.Contact() == nil {
		res.AppendHeader(sip.HeaderClone(d.contact))
	}
}

// Cancel отменяет исходный INVITE, пока диалог не подтвержден (UAC)
func (d *Dialog) Cancel() (transaction.ClientTransaction, error) {
	if d.role != RoleUAC {
		return nil, errors.Wrap(ErrInvalidState, "only UAC cancels INVITE")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.sm.State()
	if state != StateUnconfirmed && state != StateEarly {
		return nil, errors.Wrapf(ErrInvalidState, "CANCEL in %s", state)
	}

	cancel, err := transaction.BuildCancel(d.invite)
	if err != nil {
		return nil, err
	}
	tx, err := d.env.Transactions.CreateClient(cancel)
	if err != nil && errors.Is(err, transaction.ErrTransportFailure) {
		d.failLocked(errors.Wrap(err, "send CANCEL"))
	}
	return tx, err
}

// HandleTransportError переводит диалог в Errored
func (d *Dialog) HandleTransportError(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sm.State().IsTerminal() {
		return
	}
	d.failLocked(errors.Wrap(cause, "transport"))
}

func (d *Dialog) failLocked(err error) {
	if d.sm.State().IsTerminal() {
		return
	}
	d.err = err
	d.log().WithError(err).Warn("dialog errored")
	_ = d.sm.fire(eventFail)
}
