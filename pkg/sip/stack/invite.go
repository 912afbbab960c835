package stack

import (
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/sip_engine/pkg/sip/dialog"
)

// InviteOptions параметры исходящего INVITE
type InviteOptions struct {
	// From адрес вызывающего; по умолчанию контакт стека
	From        *sip.Uri
	DisplayName string

	Body        []byte
	ContentType string

	Headers []sip.Header
}

// NewInvite строит исходящий INVITE на адрес to
func (s *Stack) NewInvite(to sip.Uri, opts InviteOptions) *sip.Request {
	from := s.contact
	if opts.From != nil {
		from = *opts.From
	}

	req := sip.NewRequest(sip.INVITE, to)
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            s.contact.Host,
		Port:            s.contact.Port,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: opts.DisplayName,
		Address:     from,
		Params:      sip.NewParams().Add("tag", dialog.GenerateTag()),
	})
	req.AppendHeader(&sip.ToHeader{Address: to, Params: sip.NewParams()})

	callID := sip.CallIDHeader(uuid.NewString() + "@" + s.contact.Host)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: s.contact, Params: sip.NewParams()})
	if s.cfg.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", s.cfg.UserAgent))
	}
	for _, h := range opts.Headers {
		req.AppendHeader(h)
	}

	if len(opts.Body) > 0 {
		contentType := opts.ContentType
		if contentType == "" {
			contentType = "application/sdp"
		}
		ct := sip.ContentTypeHeader(contentType)
		req.AppendHeader(&ct)
		req.SetBody(opts.Body)
	}
	return req
}

// Invite отправляет INVITE и возвращает UAC диалог
func (s *Stack) Invite(to sip.Uri, opts InviteOptions) (*dialog.Dialog, error) {
	return s.dialogs.NewUAC(s.NewInvite(to, opts))
}
