package creator

import (
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
	"github.com/arzzra/sip_engine/pkg/sip/transaction/client"
	"github.com/arzzra/sip_engine/pkg/sip/transaction/server"
)

// DefaultCreator реализует transaction.Creator стандартными FSM
type DefaultCreator struct{}

// NewDefaultCreator создает новый создатель транзакций по умолчанию
func NewDefaultCreator() transaction.Creator {
	return DefaultCreator{}
}

// NewClient выбирает INVITE или non-INVITE клиентскую транзакцию
func (DefaultCreator) NewClient(key transaction.Key, req *sip.Request, env transaction.Env) (transaction.ClientTransaction, error) {
	if req != nil && req.Method == sip.INVITE {
		tx, err := client.NewInviteTransaction(key, req, env)
		if err != nil {
			return nil, err
		}
		return tx, nil
	}
	tx, err := client.NewNonInviteTransaction(key, req, env)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// NewServer выбирает INVITE или non-INVITE серверную транзакцию
func (DefaultCreator) NewServer(key transaction.Key, req *sip.Request, res *sip.Response, env transaction.Env) (transaction.ServerTransaction, error) {
	if req != nil && req.Method == sip.INVITE {
		tx, err := server.NewInviteTransaction(key, req, res, env)
		if err != nil {
			return nil, err
		}
		return tx, nil
	}
	tx, err := server.NewNonInviteTransaction(key, req, res, env)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// NewManager создает менеджер транзакций со стандартными FSM
func NewManager(cfg transaction.Config, h transaction.Handlers, opts ...transaction.Option) (*transaction.Manager, error) {
	return transaction.NewManager(cfg, h, DefaultCreator{}, opts...)
}
