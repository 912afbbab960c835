package transaction

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// BuildAckForFailure создает ACK для не-2xx ответа на INVITE
// (RFC 3261, 17.1.1.3). ACK принадлежит той же транзакции: Request-URI,
// верхний Via, From, Call-ID и Route берутся из INVITE, To из ответа.
// Record-Route ответа не учитывается.
func BuildAckForFailure(invite *sip.Request, res *sip.Response) (*sip.Request, error) {
	if invite == nil || invite.Method != sip.INVITE {
		return nil, fmt.Errorf("%w: not an INVITE request", ErrInvalidRequest)
	}
	if res == nil || !IsFailure(res) {
		return nil, fmt.Errorf("%w: not a non-2xx final response", ErrInvalidRequest)
	}
	if invite.CSeq() == nil {
		return nil, fmt.Errorf("%w: INVITE without CSeq", ErrInvalidRequest)
	}

	ack := sip.NewRequest(sip.ACK, invite.Recipient)
	ack.SipVersion = invite.SipVersion

	if via := invite.Via(); via != nil {
		ack.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", invite, ack)

	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)

	if h := invite.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	ack.AppendHeader(&sip.CSeqHeader{
		SeqNo:      invite.CSeq().SeqNo,
		MethodName: sip.ACK,
	})

	ack.SetTransport(invite.Transport())
	ack.SetDestination(invite.Destination())
	return ack, nil
}

// NewTrying создает автоматический 100 Trying для серверной INVITE транзакции
func NewTrying(req *sip.Request) *sip.Response {
	return sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil)
}

// BuildCancel создает CANCEL для отправленного INVITE (RFC 3261, 9.1).
// Branch совпадает с INVITE, поэтому CANCEL попадает на тот же узел.
func BuildCancel(invite *sip.Request) (*sip.Request, error) {
	if invite == nil || invite.Method != sip.INVITE {
		return nil, fmt.Errorf("%w: not an INVITE request", ErrInvalidRequest)
	}
	if invite.CSeq() == nil || invite.Via() == nil {
		return nil, fmt.Errorf("%w: INVITE without CSeq or Via", ErrInvalidRequest)
	}

	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancel.SipVersion = invite.SipVersion
	cancel.AppendHeader(invite.Via().Clone())
	sip.CopyHeaders("Route", invite, cancel)

	maxForwards := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxForwards)

	if h := invite.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	cancel.AppendHeader(&sip.CSeqHeader{
		SeqNo:      invite.CSeq().SeqNo,
		MethodName: sip.CANCEL,
	})

	cancel.SetTransport(invite.Transport())
	cancel.SetDestination(invite.Destination())
	return cancel, nil
}
