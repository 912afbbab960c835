package transaction

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// Describe возвращает стартовую строку сообщения для логов
func Describe(msg sip.Message) string {
	switch m := msg.(type) {
	case *sip.Request:
		return fmt.Sprintf("%s %s", m.Method, m.Recipient.String())
	case *sip.Response:
		return fmt.Sprintf("%d %s", m.StatusCode, m.Reason)
	case nil:
		return "<nil>"
	default:
		return fmt.Sprintf("%T", msg)
	}
}

// IsProvisional проверяет 1xx
func IsProvisional(res *sip.Response) bool {
	return res.StatusCode >= 100 && res.StatusCode < 200
}

// IsSuccess проверяет 2xx
func IsSuccess(res *sip.Response) bool {
	return res.StatusCode >= 200 && res.StatusCode < 300
}

// IsFailure проверяет финальный не-2xx ответ (3xx-6xx)
func IsFailure(res *sip.Response) bool {
	return res.StatusCode >= 300 && res.StatusCode < 700
}

// IsFinal проверяет финальный ответ
func IsFinal(res *sip.Response) bool {
	return res.StatusCode >= 200 && res.StatusCode < 700
}
