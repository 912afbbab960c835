package transaction

import (
	"fmt"
	"time"
)

// Timers таймеры транзакций (RFC 3261, 17.1 и 17.2).
// Все производные значения вычисляются от T1/T4 в NewTimers.
type Timers struct {
	T1 time.Duration // RTT estimate (default 500ms)
	T2 time.Duration // Max response retransmit interval (default 4s)
	T4 time.Duration // Max message lifetime (default 5s)

	TimerB time.Duration // INVITE client timeout
	TimerC time.Duration // INVITE client Proceeding guard, 0 (default) disables
	TimerD time.Duration // INVITE client Completed linger
	TimerF time.Duration // Non-INVITE client timeout
	TimerH time.Duration // INVITE server wait for ACK
	TimerI time.Duration // INVITE server Confirmed linger
	TimerJ time.Duration // Non-INVITE server Completed linger
	TimerK time.Duration // Non-INVITE client Completed linger
	TimerL time.Duration // INVITE server Accepted linger
	TimerM time.Duration // INVITE client Accepted linger
}

// DefaultTimers возвращает таймеры по умолчанию согласно RFC 3261
func DefaultTimers() Timers {
	return NewTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)
}

// NewTimers вычисляет полный набор таймеров от базовых значений
func NewTimers(t1, t2, t4 time.Duration) Timers {
	return Timers{
		T1: t1,
		T2: t2,
		T4: t4,

		TimerB: 64 * t1,
		TimerD: 32 * time.Second,
		TimerF: 64 * t1,
		TimerH: 64 * t1,
		TimerI: t4,
		TimerJ: 64 * t1,
		TimerK: t4,
		TimerL: 64 * t1,
		TimerM: 64 * t1,
	}
}

// Validate проверяет согласованность таймеров
func (t Timers) Validate() error {
	if t.T1 <= 0 {
		return fmt.Errorf("T1 must be positive, got %s", t.T1)
	}
	if t.T2 < t.T1 {
		return fmt.Errorf("T2 (%s) must not be less than T1 (%s)", t.T2, t.T1)
	}
	if t.T4 <= 0 {
		return fmt.Errorf("T4 must be positive, got %s", t.T4)
	}
	if t.TimerC < 0 {
		return fmt.Errorf("timer C must not be negative, got %s", t.TimerC)
	}

	linger := map[string]time.Duration{
		"B": t.TimerB, "D": t.TimerD, "F": t.TimerF, "H": t.TimerH,
		"I": t.TimerI, "J": t.TimerJ, "K": t.TimerK, "L": t.TimerL, "M": t.TimerM,
	}
	for name, d := range linger {
		if d <= 0 {
			return fmt.Errorf("timer %s must be positive, got %s", name, d)
		}
	}
	return nil
}

// maxShift ограничивает сдвиг, чтобы T1<<n не переполнился
const maxShift = 30

// RetransmitInterval вычисляет задержку перед ретрансмиссией номер count+1:
// T1·2^count, ограниченную ceiling (0 - без ограничения).
func RetransmitInterval(t1 time.Duration, count int, ceiling time.Duration) time.Duration {
	if count < 0 {
		count = 0
	}
	if count > maxShift {
		count = maxShift
	}
	d := t1 << uint(count)
	if d <= 0 {
		d = time.Duration(1<<63 - 1)
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

// HasTimedOut сообщает, истек ли timeout с момента enteredAt
func HasTimedOut(enteredAt, now time.Time, timeout time.Duration) bool {
	return !now.Before(enteredAt.Add(timeout))
}

// ShouldRetransmit сообщает, пора ли повторить отправку
func ShouldRetransmit(lastAt time.Time, count int, now time.Time, t1, ceiling time.Duration) bool {
	return !now.Before(lastAt.Add(RetransmitInterval(t1, count, ceiling)))
}

// Retransmission учет повторных отправок
type Retransmission struct {
	Count  int
	LastAt time.Time
}

// NewRetransmission начинает отсчет с момента первой отправки
func NewRetransmission(sentAt time.Time) Retransmission {
	return Retransmission{LastAt: sentAt}
}

// Due сообщает, пора ли повторить отправку
func (r Retransmission) Due(now time.Time, t1, ceiling time.Duration) bool {
	return ShouldRetransmit(r.LastAt, r.Count, now, t1, ceiling)
}

// Next возвращает учет после очередной ретрансмиссии
func (r Retransmission) Next(now time.Time) Retransmission {
	return Retransmission{Count: r.Count + 1, LastAt: now}
}
