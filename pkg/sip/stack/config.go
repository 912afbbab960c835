package stack

import (
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
)

// Config параметры стека
type Config struct {
	Transaction transaction.Config

	// PruneInterval период удаления завершенных диалогов
	PruneInterval time.Duration

	// Contact локальный контакт. Если не задан, строится по адресу транспорта.
	Contact *sip.Uri

	UserAgent string
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Transaction:   transaction.DefaultConfig(),
		PruneInterval: time.Second,
		UserAgent:     "sip-engine",
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if err := c.Transaction.Validate(); err != nil {
		return errors.Wrap(err, "transaction config")
	}
	if c.PruneInterval <= 0 {
		return errors.Errorf("prune interval must be positive, got %s", c.PruneInterval)
	}
	return nil
}
