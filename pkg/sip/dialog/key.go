package dialog

import (
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// ID идентификатор диалога (RFC 3261, 12).
// RemoteTag пуст, пока диалог не подтвержден.
type ID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// String возвращает callid:localtag:remotetag
func (id ID) String() string {
	return id.CallID + ":" + id.LocalTag + ":" + id.RemoteTag
}

// Prefix возвращает ID без remote tag. По нему сопоставляются
// форки одного исходного INVITE.
func (id ID) Prefix() ID {
	return ID{CallID: id.CallID, LocalTag: id.LocalTag}
}

// IDFromMessage вычисляет ID с точки зрения получателя сообщения.
// Для входящего запроса local tag берется из To, для ответа из From.
func IDFromMessage(msg sip.Message) (ID, error) {
	var (
		callID   *sip.CallIDHeader
		from     *sip.FromHeader
		to       *sip.ToHeader
		incoming bool
	)

	switch m := msg.(type) {
	case *sip.Request:
		callID, from, to, incoming = m.CallID(), m.From(), m.To(), true
	case *sip.Response:
		callID, from, to = m.CallID(), m.From(), m.To()
	default:
		return ID{}, errors.Wrapf(ErrInvalidRequest, "unsupported message type %T", msg)
	}

	if callID == nil || from == nil || to == nil {
		return ID{}, errors.Wrap(ErrInvalidRequest, "missing Call-ID, From or To")
	}

	fromTag, _ := from.Params.Get("tag")
	toTag, _ := to.Params.Get("tag")
	if incoming {
		return ID{CallID: callID.Value(), LocalTag: toTag, RemoteTag: fromTag}, nil
	}
	return ID{CallID: callID.Value(), LocalTag: fromTag, RemoteTag: toTag}, nil
}

// IDFromOutgoing вычисляет ID с точки зрения отправителя сообщения
func IDFromOutgoing(msg sip.Message) (ID, error) {
	id, err := IDFromMessage(msg)
	if err != nil {
		return ID{}, err
	}
	return ID{CallID: id.CallID, LocalTag: id.RemoteTag, RemoteTag: id.LocalTag}, nil
}

// GenerateTag создает новый локальный tag
func GenerateTag() string {
	return sip.RandString(10)
}
