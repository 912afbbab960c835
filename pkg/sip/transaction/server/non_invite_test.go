package server_test

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
	"github.com/arzzra/sip_engine/pkg/sip/transaction/server"
	"github.com/arzzra/sip_engine/pkg/sip/transaction/transactiontest"
)

func newNIST(t *testing.T, method sip.RequestMethod, initial func(*sip.Request) *sip.Response) (*server.NonInviteTransaction, *transactiontest.Recorder, *transactiontest.Clock, *sip.Request) {
	t.Helper()

	rec := transactiontest.NewRecorder()
	clock := transactiontest.NewClock()
	env, _ := transactiontest.Env(rec, clock)
	req := transactiontest.NewRequest(method, "z9hG4bKnist", 2)

	var res *sip.Response
	if initial != nil {
		res = initial(req)
	}

	key, err := transaction.KeyFromMessage(req)
	require.NoError(t, err)

	tx, err := server.NewNonInviteTransaction(key, req, res, env)
	require.NoError(t, err)
	require.NoError(t, tx.Start())
	return tx, rec, clock, req
}

func TestNonInviteServerRejectsInvite(t *testing.T) {
	env, _ := transactiontest.Env(transactiontest.NewRecorder(), transactiontest.NewClock())
	req := transactiontest.NewInvite("z9hG4bKi")

	_, err := server.NewNonInviteTransaction(transaction.Key{Branch: "z9hG4bKi", Method: "INVITE"}, req, nil, env)
	assert.ErrorIs(t, err, transaction.ErrInvalidRequest)
}

func TestNonInviteServerTryingAbsorbsRetransmit(t *testing.T) {
	tx, rec, _, req := newNIST(t, sip.BYE, nil)

	assert.Equal(t, transaction.StateTrying, tx.State())
	assert.Zero(t, rec.SentCount())

	tx.HandleMessage(req)
	assert.Zero(t, rec.SentCount())
	assert.Equal(t, transaction.StateTrying, tx.State())
}

func TestNonInviteServerFlow(t *testing.T) {
	tx, rec, clock, req := newNIST(t, sip.INFO, nil)

	require.NoError(t, tx.Respond(transactiontest.NewResponse(req, 100, "Trying", "")))
	assert.Equal(t, transaction.StateProceeding, tx.State())

	tx.HandleMessage(req)
	assert.Equal(t, 2, rec.SentCount())
	assert.Equal(t, 100, lastStatus(t, rec))

	ok := transactiontest.NewResponse(req, 200, "OK", "bobtag")
	require.NoError(t, tx.Respond(ok))
	assert.Equal(t, transaction.StateCompleted, tx.State())

	tx.HandleMessage(req)
	assert.Equal(t, 4, rec.SentCount())
	assert.Same(t, ok, rec.LastSent())

	// Timer J
	tx.Tick(clock.Advance(31 * time.Second))
	assert.Equal(t, transaction.StateCompleted, tx.State())
	tx.Tick(clock.Advance(time.Second))
	assert.Equal(t, transaction.StateTerminated, tx.State())
	assert.Equal(t, transaction.OutcomeExpected, tx.Outcome())
}

func TestNonInviteServerInitialResponse(t *testing.T) {
	tx, rec, _, _ := newNIST(t, sip.OPTIONS, func(req *sip.Request) *sip.Response {
		return transactiontest.NewResponse(req, 200, "OK", "t")
	})

	assert.Equal(t, transaction.StateCompleted, tx.State())
	assert.Equal(t, 1, rec.SentCount())
}

func TestNonInviteServerRespondAfterCompleted(t *testing.T) {
	tx, _, _, req := newNIST(t, sip.BYE, func(req *sip.Request) *sip.Response {
		return transactiontest.NewResponse(req, 200, "OK", "t")
	})

	err := tx.Respond(transactiontest.NewResponse(req, 500, "Server Error", "t"))
	assert.ErrorIs(t, err, transaction.ErrInvalidState)
	assert.Equal(t, transaction.OutcomeErrored, tx.Outcome())
}

func TestNonInviteServerUnexpectedMessage(t *testing.T) {
	tx, _, _, req := newNIST(t, sip.BYE, nil)

	tx.HandleMessage(transactiontest.NewResponse(req, 200, "OK", ""))

	assert.Equal(t, transaction.OutcomeErrored, tx.Outcome())
	assert.ErrorIs(t, tx.Err(), transaction.ErrUnexpectedMessage)
}

func TestNonInviteServerTransportError(t *testing.T) {
	tx, _, clock, _ := newNIST(t, sip.BYE, nil)

	tx.HandleTransportError(assert.AnError)
	assert.Equal(t, transaction.StateTerminated, tx.State())
	assert.ErrorIs(t, tx.Err(), transaction.ErrTransportFailure)

	// Тики после завершения ничего не меняют
	tx.Tick(clock.Advance(time.Minute))
	assert.Equal(t, transaction.OutcomeErrored, tx.Outcome())
}
