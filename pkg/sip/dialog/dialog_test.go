package dialog_test

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sip_engine/pkg/sip/dialog"
	"github.com/arzzra/sip_engine/pkg/sip/transaction"
	"github.com/arzzra/sip_engine/pkg/sip/transaction/transactiontest"
)

func TestUACConfirmedBy2xxSendsAck(t *testing.T) {
	h := newHarness(t, nil)
	invite := transactiontest.NewInvite("z9hG4bKuac1")

	d, err := h.dm.NewUAC(invite)
	require.NoError(t, err)
	assert.Equal(t, dialog.StateUnconfirmed, d.State())
	assert.Equal(t, dialog.RoleUAC, d.Role())
	require.Len(t, h.rec.SentRequests(sip.INVITE), 1)

	res := answer(invite, 200, "OK", "bobtag", proxy("p1.example.com"), proxy("p2.example.com"))
	require.NoError(t, h.tx.Dispatch(res))

	assert.Equal(t, dialog.StateConfirmed, d.State())
	assert.Equal(t, dialog.ID{CallID: callID, LocalTag: aliceTag, RemoteTag: "bobtag"}, d.ID())
	assert.Equal(t, bobContact().String(), d.RemoteTarget().String())
	assert.Equal(t, uint32(314159), d.LocalSeq())
	assert.Zero(t, d.RemoteSeq())

	acks := h.rec.SentRequests(sip.ACK)
	require.Len(t, acks, 1)
	ack := acks[0]
	assert.Equal(t, uint32(314159), ack.CSeq().SeqNo)
	assert.Equal(t, sip.ACK, ack.CSeq().MethodName)
	assert.Equal(t, bobContact().String(), ack.Recipient.String())

	tag, _ := ack.To().Params.Get("tag")
	assert.Equal(t, "bobtag", tag)

	branch, _ := ack.Via().Params.Get("branch")
	assert.NotEqual(t, "z9hG4bKuac1", branch, "ACK на 2xx идет в новой транзакции")

	routes := ack.GetHeaders("Route")
	require.Len(t, routes, 2)
	first, ok := routes[0].(*sip.RouteHeader)
	require.True(t, ok)
	assert.Equal(t, "p2.example.com", first.Address.Host, "UAC разворачивает Record-Route")
	assert.Same(t, ack, d.Ack())
}

func TestUACRetransmitted2xxResendsAck(t *testing.T) {
	h := newHarness(t, nil)
	invite := transactiontest.NewInvite("z9hG4bKuac2")
	d, err := h.dm.NewUAC(invite)
	require.NoError(t, err)

	res := answer(invite, 200, "OK", "bobtag")
	require.NoError(t, h.tx.Dispatch(res))
	require.NoError(t, h.tx.Dispatch(res))

	acks := h.rec.SentRequests(sip.ACK)
	require.Len(t, acks, 2)
	assert.Same(t, acks[0], acks[1])
	assert.Equal(t, dialog.StateConfirmed, d.State())
}

func TestUACResponseOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		codes  []int
		expect dialog.State
	}{
		{"provisional", []int{180}, dialog.StateEarly},
		{"provisional then success", []int{100, 183, 200}, dialog.StateConfirmed},
		{"busy", []int{486}, dialog.StateTerminated},
		{"early then decline", []int{180, 603}, dialog.StateTerminated},
		{"redirect", []int{302}, dialog.StateErrored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			invite := transactiontest.NewInvite("z9hG4bKout")
			d, err := h.dm.NewUAC(invite)
			require.NoError(t, err)

			for _, code := range tt.codes {
				tag := "bobtag"
				if code == 100 {
					tag = ""
				}
				require.NoError(t, h.tx.Dispatch(answer(invite, code, "", tag)))
			}
			assert.Equal(t, tt.expect, d.State())
		})
	}
}

func TestUACRedirectRecordsError(t *testing.T) {
	h := newHarness(t, nil)
	invite := transactiontest.NewInvite("z9hG4bKredir")
	d, err := h.dm.NewUAC(invite)
	require.NoError(t, err)

	require.NoError(t, h.tx.Dispatch(answer(invite, 302, "Moved Temporarily", "bobtag")))

	assert.Equal(t, dialog.StateErrored, d.State())
	assert.Error(t, d.Err())
}

func TestHandleResponseStatusOutOfRange(t *testing.T) {
	h := newHarness(t, nil)
	invite := transactiontest.NewInvite("z9hG4bKrange")
	d, err := h.dm.NewUAC(invite)
	require.NoError(t, err)

	err = d.HandleResponse(transactiontest.NewResponse(invite, 700, "Bogus", "bobtag"))
	assert.ErrorIs(t, err, dialog.ErrInvalidRequest)
	assert.Equal(t, dialog.StateErrored, d.State())

	err = d.HandleResponse(transactiontest.NewResponse(invite, 200, "OK", "bobtag"))
	assert.ErrorIs(t, err, dialog.ErrTerminated)
}

func TestConfirmedIgnoresLateFailure(t *testing.T) {
	h := newHarness(t, nil)
	invite := transactiontest.NewInvite("z9hG4bKlate")
	d, err := h.dm.NewUAC(invite)
	require.NoError(t, err)

	require.NoError(t, d.HandleResponse(answer(invite, 200, "OK", "bobtag")))
	require.NoError(t, d.HandleResponse(answer(invite, 486, "Busy Here", "bobtag")))
	assert.Equal(t, dialog.StateConfirmed, d.State())
}

func TestNewUACValidation(t *testing.T) {
	h := newHarness(t, nil)

	t.Run("not an INVITE", func(t *testing.T) {
		_, err := h.dm.NewUAC(transactiontest.NewRequest(sip.OPTIONS, "z9hG4bKv1", 1))
		assert.ErrorIs(t, err, dialog.ErrInvalidRequest)
	})

	t.Run("two contacts", func(t *testing.T) {
		invite := transactiontest.NewInvite("z9hG4bKv2")
		invite.AppendHeader(&sip.ContactHeader{Address: aliceContact(), Params: sip.NewParams()})
		_, err := h.dm.NewUAC(invite)
		assert.ErrorIs(t, err, dialog.ErrInvalidRequest)
	})

	t.Run("sips without sips contact", func(t *testing.T) {
		invite := transactiontest.NewInvite("z9hG4bKv3")
		invite.Recipient.Scheme = "sips"
		_, err := h.dm.NewUAC(invite)
		assert.ErrorIs(t, err, dialog.ErrInvalidRequest)
	})

	t.Run("nothing sent on failure", func(t *testing.T) {
		assert.Zero(t, h.rec.SentCount())
		assert.Zero(t, h.dm.Len())
	})
}

func TestNewUACDuplicate(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.dm.NewUAC(transactiontest.NewInvite("z9hG4bKdup1"))
	require.NoError(t, err)

	_, err = h.dm.NewUAC(transactiontest.NewInvite("z9hG4bKdup2"))
	assert.ErrorIs(t, err, dialog.ErrInvalidRequest)
	assert.Len(t, h.rec.SentRequests(sip.INVITE), 1)
}

func TestSessionClassification(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		disposition string
		expect      dialog.SessionType
	}{
		{"no body", "", "", dialog.SessionNone},
		{"session disposition", "v=0\r\n", "session", dialog.SessionSDP},
		{"other body", "hello", "", dialog.SessionOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			invite := transactiontest.NewInvite("z9hG4bKsess")
			if tt.body != "" {
				invite.SetBody([]byte(tt.body))
			}
			if tt.disposition != "" {
				invite.AppendHeader(sip.NewHeader("Content-Disposition", tt.disposition))
			}
			d, err := h.dm.NewUAC(invite)
			require.NoError(t, err)
			assert.Equal(t, tt.expect, d.Session())
		})
	}
}

func confirmedUAC(t *testing.T, h *harness) *dialog.Dialog {
	t.Helper()
	invite := transactiontest.NewInvite("z9hG4bKconf")
	d, err := h.dm.NewUAC(invite)
	require.NoError(t, err)
	require.NoError(t, h.tx.Dispatch(answer(invite, 200, "OK", "bobtag", proxy("p1.example.com"))))
	require.Equal(t, dialog.StateConfirmed, d.State())
	return d
}

func TestSendRequestInDialog(t *testing.T) {
	h := newHarness(t, nil)
	d := confirmedUAC(t, h)

	tx, err := d.SendRequest(d.NewRequest(sip.INFO))
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, uint32(314160), d.LocalSeq())

	infos := h.rec.SentRequests(sip.INFO)
	require.Len(t, infos, 1)
	info := infos[0]
	assert.Equal(t, uint32(314160), info.CSeq().SeqNo)
	assert.Equal(t, bobContact().String(), info.Recipient.String())
	assert.Equal(t, callID, info.CallID().Value())

	fromTag, _ := info.From().Params.Get("tag")
	toTag, _ := info.To().Params.Get("tag")
	assert.Equal(t, aliceTag, fromTag)
	assert.Equal(t, "bobtag", toTag)

	route, ok := info.GetHeader("Route").(*sip.RouteHeader)
	require.True(t, ok)
	assert.Equal(t, "p1.example.com", route.Address.Host)

	_, err = d.SendRequest(d.NewRequest(sip.ACK))
	require.NoError(t, err)
	acks := h.rec.SentRequests(sip.ACK)
	require.Len(t, acks, 2)
	assert.Equal(t, uint32(314160), acks[1].CSeq().SeqNo, "ACK не увеличивает CSeq")
}

func TestByeTerminates(t *testing.T) {
	h := newHarness(t, nil)
	d := confirmedUAC(t, h)

	_, err := d.Bye()
	require.NoError(t, err)
	assert.Equal(t, dialog.StateTerminated, d.State())

	byes := h.rec.SentRequests(sip.BYE)
	require.Len(t, byes, 1)
	assert.Equal(t, uint32(314160), byes[0].CSeq().SeqNo)

	_, err = d.Bye()
	assert.ErrorIs(t, err, dialog.ErrTerminated)
}

func TestSendRequestBeforeConfirm(t *testing.T) {
	h := newHarness(t, nil)
	invite := transactiontest.NewInvite("z9hG4bKearly")
	d, err := h.dm.NewUAC(invite)
	require.NoError(t, err)
	require.NoError(t, h.tx.Dispatch(answer(invite, 180, "Ringing", "bobtag")))

	_, err = d.SendRequest(d.NewRequest(sip.INFO))
	assert.ErrorIs(t, err, dialog.ErrInvalidState)
	assert.Equal(t, uint32(314159), d.LocalSeq())
}

func TestHandleRequestInDialog(t *testing.T) {
	var seen []sip.RequestMethod
	h := newHarness(t, func(d *dialog.Dialog, req *sip.Request) *sip.Response {
		seen = append(seen, req.Method)
		return nil
	})
	d := confirmedUAC(t, h)

	require.NoError(t, h.dm.HandleRequest(peerRequest(sip.INFO, 5, "bobtag", aliceTag)))
	assert.Equal(t, uint32(5), d.RemoteSeq())
	res := lastResponse(t, h.rec)
	assert.Equal(t, 200, res.StatusCode)

	err := h.dm.HandleRequest(peerRequest(sip.INFO, 4, "bobtag", aliceTag))
	assert.ErrorIs(t, err, dialog.ErrOutOfOrder)
	assert.Equal(t, uint32(5), d.RemoteSeq())

	require.NoError(t, h.dm.HandleRequest(peerRequest(sip.BYE, 6, "bobtag", aliceTag)))
	assert.Equal(t, dialog.StateTerminated, d.State())
	assert.Equal(t, 200, lastResponse(t, h.rec).StatusCode)

	assert.Equal(t, []sip.RequestMethod{sip.INFO, sip.BYE}, seen)
}

func TestHandleRequestCustomResponse(t *testing.T) {
	h := newHarness(t, func(d *dialog.Dialog, req *sip.Request) *sip.Response {
		return sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil)
	})
	confirmedUAC(t, h)

	require.NoError(t, h.dm.HandleRequest(peerRequest(sip.INVITE, 10, "bobtag", aliceTag)))
	res := lastResponse(t, h.rec)
	assert.Equal(t, 488, res.StatusCode)
}

func TestHandleRequestUnknownDialog(t *testing.T) {
	h := newHarness(t, nil)
	confirmedUAC(t, h)

	err := h.dm.HandleRequest(peerRequest(sip.INFO, 5, "bobtag", "unknown"))
	assert.ErrorIs(t, err, dialog.ErrNotFound)

	err = h.dm.HandleRequest(peerRequest(sip.INFO, 5, "bobtag", ""))
	assert.ErrorIs(t, err, dialog.ErrNotFound)
}

func TestCancelEarlyDialog(t *testing.T) {
	h := newHarness(t, nil)
	invite := transactiontest.NewInvite("z9hG4bKcancel")
	d, err := h.dm.NewUAC(invite)
	require.NoError(t, err)
	require.NoError(t, h.tx.Dispatch(answer(invite, 180, "Ringing", "bobtag")))

	_, err = d.Cancel()
	require.NoError(t, err)

	cancels := h.rec.SentRequests(sip.CANCEL)
	require.Len(t, cancels, 1)
	branch, _ := cancels[0].Via().Params.Get("branch")
	assert.Equal(t, "z9hG4bKcancel", branch)
	assert.Equal(t, uint32(314159), cancels[0].CSeq().SeqNo)

	require.NoError(t, h.tx.Dispatch(answer(invite, 487, "Request Terminated", "bobtag")))
	assert.Equal(t, dialog.StateTerminated, d.State())

	_, err = d.Cancel()
	assert.ErrorIs(t, err, dialog.ErrInvalidState)
}

func TestSendRequestTransportFailure(t *testing.T) {
	h := newHarness(t, nil)
	d := confirmedUAC(t, h)
	h.rec.FailSend = true

	_, err := d.SendRequest(d.NewRequest(sip.INFO))
	assert.ErrorIs(t, err, transaction.ErrTransportFailure)
	assert.Equal(t, dialog.StateErrored, d.State())
	assert.ErrorIs(t, d.Err(), transaction.ErrTransportFailure)
}

func TestCancelTransportFailure(t *testing.T) {
	h := newHarness(t, nil)
	invite := transactiontest.NewInvite("z9hG4bKcancelfail")
	d, err := h.dm.NewUAC(invite)
	require.NoError(t, err)
	require.NoError(t, h.tx.Dispatch(answer(invite, 180, "Ringing", "bobtag")))
	h.rec.FailSend = true

	_, err = d.Cancel()
	assert.ErrorIs(t, err, transaction.ErrTransportFailure)
	assert.Equal(t, dialog.StateErrored, d.State())
}

func TestTransportErrorFailsDialog(t *testing.T) {
	h := newHarness(t, nil)
	d := confirmedUAC(t, h)

	require.NoError(t, h.dm.HandleTransportError(d.ID(), transactiontest.ErrSendFailed))
	assert.Equal(t, dialog.StateErrored, d.State())
	assert.ErrorIs(t, d.Err(), transactiontest.ErrSendFailed)

	_, err := d.Bye()
	assert.ErrorIs(t, err, dialog.ErrTerminated)

	err = h.dm.HandleTransportError(dialog.ID{CallID: "other"}, transactiontest.ErrSendFailed)
	assert.ErrorIs(t, err, dialog.ErrNotFound)
}

func TestUASFlow(t *testing.T) {
	h := newHarness(t, nil)
	invite := transactiontest.NewInvite("z9hG4bKuas")

	_, err := h.tx.CreateServer(invite, nil)
	require.NoError(t, err)
	d, err := h.dm.NewUAS(invite)
	require.NoError(t, err)

	id := d.ID()
	assert.Equal(t, dialog.RoleUAS, d.Role())
	assert.Equal(t, aliceTag, id.RemoteTag)
	assert.NotEmpty(t, id.LocalTag)
	assert.Equal(t, uint32(314159), d.RemoteSeq())
	assert.Equal(t, aliceContact().String(), d.RemoteTarget().String())

	require.NoError(t, d.Respond(d.NewResponse(180, "Ringing")))
	assert.Equal(t, dialog.StateEarly, d.State())
	ringing := lastResponse(t, h.rec)
	tag, _ := ringing.To().Params.Get("tag")
	assert.Equal(t, id.LocalTag, tag)
	require.NotNil(t, ringing.Contact())

	require.NoError(t, d.Respond(d.NewResponse(200, "OK")))
	assert.Equal(t, dialog.StateConfirmed, d.State())
	assert.Equal(t, 200, lastResponse(t, h.rec).StatusCode)

	err = d.Respond(d.NewResponse(200, "OK"))
	assert.ErrorIs(t, err, dialog.ErrInvalidState)

	ack := peerRequest(sip.ACK, 314159, aliceTag, id.LocalTag)
	require.NoError(t, h.dm.HandleRequest(ack))

	_, err = d.Cancel()
	assert.ErrorIs(t, err, dialog.ErrInvalidState)
}

func TestUASReject(t *testing.T) {
	h := newHarness(t, nil)
	invite := transactiontest.NewInvite("z9hG4bKreject")
	_, err := h.tx.CreateServer(invite, nil)
	require.NoError(t, err)
	d, err := h.dm.NewUAS(invite)
	require.NoError(t, err)

	require.NoError(t, d.Respond(d.NewResponse(486, "Busy Here")))
	assert.Equal(t, dialog.StateTerminated, d.State())

	err = d.Respond(d.NewResponse(200, "OK"))
	assert.ErrorIs(t, err, dialog.ErrTerminated)
}

func TestUASRespondWithoutTransaction(t *testing.T) {
	h := newHarness(t, nil)
	d, err := h.dm.NewUAS(transactiontest.NewInvite("z9hG4bKnotx"))
	require.NoError(t, err)

	err = d.Respond(d.NewResponse(200, "OK"))
	assert.ErrorIs(t, err, transaction.ErrNotFound)
	assert.Equal(t, dialog.StateErrored, d.State())
}

func TestUACCannotRespond(t *testing.T) {
	h := newHarness(t, nil)
	d, err := h.dm.NewUAC(transactiontest.NewInvite("z9hG4bKnoresp"))
	require.NoError(t, err)

	err = d.Respond(d.NewResponse(200, "OK"))
	assert.ErrorIs(t, err, dialog.ErrInvalidState)
}
