package transaction

import (
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"
)

// Env окружение, которое менеджер передает каждой транзакции
type Env struct {
	Handlers Handlers
	Timers   Timers
	Logger   logrus.FieldLogger

	// Clock источник времени; nil означает time.Now
	Clock func() time.Time
}

// Now возвращает текущее время окружения
func (e Env) Now() time.Time {
	if e.Clock == nil {
		return time.Now()
	}
	return e.Clock()
}

// Creator создает FSM по методу запроса. Реализация живет в пакете
// creator, чтобы таблица не импортировала пакеты client и server.
type Creator interface {
	NewClient(key Key, req *sip.Request, env Env) (ClientTransaction, error)
	NewServer(key Key, req *sip.Request, res *sip.Response, env Env) (ServerTransaction, error)
}
