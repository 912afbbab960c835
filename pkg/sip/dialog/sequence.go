package dialog

import "github.com/pkg/errors"

// Sequence хранит локальный и удаленный CSeq диалога.
// Синхронизация на стороне Dialog.
type Sequence struct {
	local  uint32
	remote uint32
}

// NewSequence создает последовательность с начальным локальным номером
func NewSequence(local uint32) Sequence {
	return Sequence{local: local}
}

// Local текущий локальный CSeq
func (s *Sequence) Local() uint32 { return s.local }

// Remote последний принятый удаленный CSeq; 0 означает "пусто"
func (s *Sequence) Remote() uint32 { return s.remote }

// Next увеличивает локальный CSeq и возвращает новое значение
func (s *Sequence) Next() uint32 {
	s.local++
	return s.local
}

// SetRemote задает удаленный CSeq без проверки
func (s *Sequence) SetRemote(n uint32) { s.remote = n }

// AcceptRemote проверяет удаленный CSeq и запоминает его.
// Меньший номер отклоняется, равный допустим.
func (s *Sequence) AcceptRemote(n uint32) error {
	if n < s.remote {
		return errors.Wrapf(ErrOutOfOrder, "got %d, last %d", n, s.remote)
	}
	s.remote = n
	return nil
}
