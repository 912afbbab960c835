package stack

import (
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/sip_engine/pkg/sip/dialog"
	"github.com/arzzra/sip_engine/pkg/sip/transaction"
)

// allowedMethods значение Allow в ответах 405
const allowedMethods = "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"

// HandleMessage направляет входящее сообщение: сначала в таблицу
// транзакций, затем в слой диалогов или в новую серверную транзакцию.
func (s *Stack) HandleMessage(msg sip.Message) error {
	err := s.tx.Dispatch(msg)
	if !errors.Is(err, transaction.ErrNotFound) {
		return err
	}

	switch m := msg.(type) {
	case *sip.Response:
		return s.handleStrayResponse(m)
	case *sip.Request:
		return s.handleRequest(m)
	default:
		return errors.Errorf("unsupported message %T", msg)
	}
}

// handleStrayResponse обрабатывает ответ без клиентской транзакции:
// повтор 2xx на INVITE после завершения транзакции требует повтора ACK.
func (s *Stack) handleStrayResponse(res *sip.Response) error {
	if res.CSeq() == nil || res.CSeq().MethodName != sip.INVITE || !transaction.IsSuccess(res) {
		return errors.Wrap(transaction.ErrNotFound, "stray response dropped")
	}
	_, err := s.dialogs.HandleResponse(res)
	return err
}

func (s *Stack) handleRequest(req *sip.Request) error {
	switch {
	case req.Method == sip.ACK:
		// ACK на 2xx идет вне транзакции. Ответа на ACK не бывает.
		return s.dialogs.HandleRequest(req)

	case req.Method == sip.CANCEL:
		return s.handleCancel(req)

	case hasToTag(req):
		return s.handleInDialog(req)

	case req.Method == sip.INVITE:
		return s.handleInvite(req)

	default:
		return s.handleOutOfDialog(req)
	}
}

func (s *Stack) handleInDialog(req *sip.Request) error {
	err := s.dialogs.HandleRequest(req)
	if err == nil {
		return nil
	}

	code, reason := 0, ""
	switch {
	case errors.Is(err, dialog.ErrNotFound), errors.Is(err, dialog.ErrTerminated),
		errors.Is(err, dialog.ErrInvalidState):
		code, reason = sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist"
	case errors.Is(err, dialog.ErrOutOfOrder):
		code, reason = sip.StatusInternalServerError, "Server Internal Error"
	default:
		return err
	}

	if rerr := s.reply(req, code, reason); rerr != nil {
		return errors.Wrapf(rerr, "reply %d", code)
	}
	return err
}

func (s *Stack) handleInvite(req *sip.Request) error {
	if _, err := s.tx.CreateServer(req, nil); err != nil {
		return errors.Wrap(err, "create INVITE server transaction")
	}
	key, err := transaction.KeyFromMessage(req)
	if err != nil {
		return err
	}

	d, err := s.dialogs.NewUAS(req)
	if err != nil {
		res := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil)
		if rerr := s.tx.Respond(key, res); rerr != nil {
			s.logger.WithError(rerr).Warn("failed to reject INVITE")
		}
		return err
	}

	if s.onInvite == nil {
		s.logger.WithField("dialog", d.ID().String()).Info("no INVITE handler, rejecting")
		return d.Respond(d.NewResponse(sip.StatusTemporarilyUnavailable, "Temporarily Unavailable"))
	}
	s.onInvite(d)
	return nil
}

// handleCancel отвечает на CANCEL без собственной транзакции.
// Отменить можно только INVITE, ожидающий окончательного ответа.
func (s *Stack) handleCancel(cancel *sip.Request) error {
	key, err := transaction.KeyFromMessage(cancel)
	if err != nil {
		return err
	}
	inviteKey := transaction.Key{Branch: key.Branch, Method: string(sip.INVITE)}

	invite, ok := s.tx.Server(inviteKey)
	if !ok || invite.State() != transaction.StateProceeding {
		return s.reply(cancel, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
	}

	if err := s.reply(cancel, sip.StatusOK, "OK"); err != nil {
		return err
	}

	entry := s.logger.WithFields(logrus.Fields{"branch": key.Branch})
	if d, found := s.dialogs.ByInviteKey(inviteKey); found {
		entry.WithField("dialog", d.ID().String()).Info("INVITE cancelled")
		return d.Respond(d.NewResponse(sip.StatusRequestTerminated, "Request Terminated"))
	}
	entry.Info("INVITE cancelled")
	res := sip.NewResponseFromRequest(invite.Request(), sip.StatusRequestTerminated, "Request Terminated", nil)
	return s.tx.Respond(inviteKey, res)
}

func (s *Stack) handleOutOfDialog(req *sip.Request) error {
	if s.onRequest == nil {
		res := sip.NewResponseFromRequest(req, sip.StatusMethodNotAllowed, "Method Not Allowed", nil)
		res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
		_, err := s.tx.CreateServer(req, res)
		return err
	}

	res := s.onRequest(req)
	if res == nil {
		res = sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	}
	_, err := s.tx.CreateServer(req, res)
	return err
}

// reply отвечает на запрос через новую серверную транзакцию
func (s *Stack) reply(req *sip.Request, code int, reason string) error {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	_, err := s.tx.CreateServer(req, res)
	return err
}

func hasToTag(req *sip.Request) bool {
	to := req.To()
	if to == nil {
		return false
	}
	tag, ok := to.Params.Get("tag")
	return ok && tag != ""
}
