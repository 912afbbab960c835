package dialog

import (
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
)

// ForkSet диалоги, порожденные одним исходным INVITE.
// Все они имеют общий ID.Prefix().
type ForkSet struct {
	prefix ID
	onFork func(*Dialog)

	mu      sync.Mutex
	dialogs []*Dialog
}

// NewForkSet создает набор с первым диалогом
func NewForkSet(first *Dialog) *ForkSet {
	return &ForkSet{
		prefix:  first.ID().Prefix(),
		dialogs: []*Dialog{first},
	}
}

// Prefix общий ключ набора
func (s *ForkSet) Prefix() ID { return s.prefix }

// Dialogs возвращает копию списка диалогов
func (s *ForkSet) Dialogs() []*Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Dialog(nil), s.dialogs...)
}

// Len число диалогов в наборе
func (s *ForkSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dialogs)
}

// Route выбирает диалог для сообщения с идентификатором id:
// точное совпадение, иначе первый неподтвержденный, иначе первый.
func (s *ForkSet) Route(id ID) *Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routeLocked(id)
}

func (s *ForkSet) routeLocked(id ID) *Dialog {
	if d := s.findLocked(id); d != nil {
		return d
	}
	for _, d := range s.dialogs {
		if st := d.State(); st == StateUnconfirmed || st == StateEarly {
			return d
		}
	}
	if len(s.dialogs) == 0 {
		return nil
	}
	return s.dialogs[0]
}

// Find возвращает диалог с точно совпадающим ID
func (s *ForkSet) Find(id ID) (*Dialog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.findLocked(id)
	return d, d != nil
}

func (s *ForkSet) findLocked(id ID) *Dialog {
	for _, d := range s.dialogs {
		if d.ID() == id {
			return d
		}
	}
	return nil
}

// HandleResponse передает ответ на INVITE подходящему диалогу.
// 2xx с незнакомым remote tag после подтверждения первого диалога
// порождает новый диалог.
func (s *ForkSet) HandleResponse(res *sip.Response) (*Dialog, error) {
	id, err := IDFromMessage(res)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	target := s.findLocked(id)
	if target == nil && id.RemoteTag != "" && transaction.IsSuccess(res) && len(s.dialogs) > 0 &&
		s.dialogs[0].State() == StateConfirmed {
		target = s.dialogs[0].fork()
		s.dialogs = append(s.dialogs, target)
		target.log().WithField("remote_tag", id.RemoteTag).Info("forked dialog")
		if s.onFork != nil {
			s.onFork(target)
		}
	}
	if target == nil {
		target = s.routeLocked(id)
	}
	s.mu.Unlock()

	if target == nil {
		return nil, errors.Wrapf(ErrNotFound, "response for %s", id)
	}
	return target, target.HandleResponse(res)
}

// Done проверяет, что все диалоги набора завершены
func (s *ForkSet) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.dialogs {
		if !d.State().IsTerminal() {
			return false
		}
	}
	return true
}
