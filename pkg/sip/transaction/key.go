package transaction

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// Key уникальный ключ транзакции.
// Клиентские и серверные транзакции хранятся в разных таблицах,
// поэтому направление в ключ не входит.
type Key struct {
	Branch string // Via branch
	Method string // CSeq method, ACK приводится к INVITE
}

// String возвращает строковое представление ключа транзакции
func (k Key) String() string {
	return fmt.Sprintf("%s|%s", k.Branch, k.Method)
}

// IsZero проверяет пустой ключ
func (k Key) IsZero() bool {
	return k.Branch == "" && k.Method == ""
}

// KeyFromMessage вычисляет ключ транзакции по верхнему Via и CSeq
func KeyFromMessage(msg sip.Message) (Key, error) {
	var (
		via  *sip.ViaHeader
		cseq *sip.CSeqHeader
	)

	switch m := msg.(type) {
	case *sip.Request:
		via, cseq = m.Via(), m.CSeq()
	case *sip.Response:
		via, cseq = m.Via(), m.CSeq()
	default:
		return Key{}, fmt.Errorf("%w: unsupported message type %T", ErrInvalidRequest, msg)
	}

	if via == nil {
		return Key{}, fmt.Errorf("%w: missing Via header", ErrNoBranch)
	}
	branch, ok := via.Params.Get("branch")
	if !ok || branch == "" {
		return Key{}, ErrNoBranch
	}
	if cseq == nil {
		return Key{}, fmt.Errorf("%w: missing CSeq header", ErrInvalidRequest)
	}

	return Key{Branch: branch, Method: normalizeMethod(cseq.MethodName)}, nil
}

// normalizeMethod сопоставляет ACK с INVITE: ACK на не-2xx
// принадлежит серверной INVITE транзакции с тем же branch.
func normalizeMethod(method sip.RequestMethod) string {
	if method == sip.ACK {
		return string(sip.INVITE)
	}
	return string(method)
}
