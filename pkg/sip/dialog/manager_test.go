package dialog_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sip_engine/pkg/sip/dialog"
	"github.com/arzzra/sip_engine/pkg/sip/transaction"
	"github.com/arzzra/sip_engine/pkg/sip/transaction/transactiontest"
)

func TestForkedSuccessCreatesDialog(t *testing.T) {
	h := newHarness(t, nil)
	invite := transactiontest.NewInvite("z9hG4bKfork")
	first, err := h.dm.NewUAC(invite)
	require.NoError(t, err)

	require.NoError(t, h.tx.Dispatch(answer(invite, 200, "OK", "tag-a")))
	require.NoError(t, h.tx.Dispatch(answer(invite, 200, "OK", "tag-b")))

	set, ok := h.dm.ForkSet(first.ID())
	require.True(t, ok)
	require.Equal(t, 2, set.Len())

	second, ok := h.dm.Get(dialog.ID{CallID: callID, LocalTag: aliceTag, RemoteTag: "tag-b"})
	require.True(t, ok)
	assert.NotSame(t, first, second)
	assert.Equal(t, dialog.StateConfirmed, second.State())
	assert.Equal(t, "tag-a", first.ID().RemoteTag)

	acks := h.rec.SentRequests(sip.ACK)
	require.Len(t, acks, 2)
	tagA, _ := acks[0].To().Params.Get("tag")
	tagB, _ := acks[1].To().Params.Get("tag")
	assert.Equal(t, "tag-a", tagA)
	assert.Equal(t, "tag-b", tagB)

	assert.Len(t, h.dm.Dialogs(), 2)
	assert.Equal(t, 1, h.dm.Len())

	expected := `
# HELP sip_dialog_created_total Total number of dialogs created
# TYPE sip_dialog_created_total counter
sip_dialog_created_total{role="uac"} 2
# HELP sip_dialog_active Number of dialogs not yet terminated
# TYPE sip_dialog_active gauge
sip_dialog_active 2
`
	assert.NoError(t, testutil.GatherAndCompare(h.reg, strings.NewReader(expected),
		"sip_dialog_created_total", "sip_dialog_active"))
}

func TestForkSetRoutesProvisionalToEarlyDialog(t *testing.T) {
	h := newHarness(t, nil)
	invite := transactiontest.NewInvite("z9hG4bKroute")
	d, err := h.dm.NewUAC(invite)
	require.NoError(t, err)

	set, ok := h.dm.ForkSet(d.ID())
	require.True(t, ok)

	other := dialog.ID{CallID: callID, LocalTag: aliceTag, RemoteTag: "tag-x"}
	assert.Same(t, d, set.Route(other), "без точного совпадения выбирается неподтвержденный диалог")

	require.NoError(t, h.tx.Dispatch(answer(invite, 183, "Session Progress", "tag-x")))
	assert.Equal(t, dialog.StateEarly, d.State())
	assert.Equal(t, 1, set.Len())

	_, found := set.Find(other)
	assert.False(t, found, "remote tag фиксируется только 2xx")
}

func TestManagerPrune(t *testing.T) {
	h := newHarness(t, nil)
	invite := transactiontest.NewInvite("z9hG4bKprune")
	d, err := h.dm.NewUAC(invite)
	require.NoError(t, err)

	assert.Zero(t, h.dm.Prune())

	require.NoError(t, h.tx.Dispatch(answer(invite, 486, "Busy Here", "bobtag")))
	require.Equal(t, dialog.StateTerminated, d.State())

	assert.Equal(t, 1, h.dm.Prune())
	assert.Zero(t, h.dm.Len())

	_, ok := h.dm.Get(d.ID())
	assert.False(t, ok)

	expected := `
# HELP sip_dialog_transitions_total Dialog state transitions
# TYPE sip_dialog_transitions_total counter
sip_dialog_transitions_total{from="unconfirmed",to="terminated"} 1
# HELP sip_dialog_active Number of dialogs not yet terminated
# TYPE sip_dialog_active gauge
sip_dialog_active 0
`
	assert.NoError(t, testutil.GatherAndCompare(h.reg, strings.NewReader(expected),
		"sip_dialog_transitions_total", "sip_dialog_active"))
}

func TestDeliverNeverFailsTransaction(t *testing.T) {
	h := newHarness(t, nil)
	invite := transactiontest.NewInvite("z9hG4bKdeliver")

	key := transaction.Key{Branch: "z9hG4bKdeliver", Method: string(sip.INVITE)}
	assert.NoError(t, h.dm.Deliver(key, answer(invite, 200, "OK", "bobtag")),
		"ответ без диалога только логируется")

	bye := peerRequest(sip.BYE, 1, "bobtag", aliceTag)
	assert.NoError(t, h.dm.Deliver(transaction.Key{Branch: "z9hG4bKx", Method: string(sip.BYE)}, bye))
	assert.Empty(t, h.rec.Sent())
}

func TestDeliverIgnoresNonInviteResponses(t *testing.T) {
	h := newHarness(t, nil)
	d := confirmedUAC(t, h)

	_, err := d.Bye()
	require.NoError(t, err)
	bye := h.rec.SentRequests(sip.BYE)[0]

	require.NoError(t, h.tx.Dispatch(transactiontest.NewResponse(bye, 200, "OK", "bobtag")))
	assert.Equal(t, dialog.StateTerminated, d.State())
}

func TestManagerStateHook(t *testing.T) {
	type change struct{ from, to dialog.State }
	var changes []change

	rec := transactiontest.NewRecorder()
	txm, err := newTxManager(rec)
	require.NoError(t, err)

	dm, err := dialog.NewManager(dialog.Env{
		Transactions: txm,
		Transport:    rec,
		OnState: func(_ *dialog.Dialog, from, to dialog.State) {
			changes = append(changes, change{from, to})
		},
	})
	require.NoError(t, err)
	rec.OnDeliver = dm.Deliver

	invite := transactiontest.NewInvite("z9hG4bKhook")
	_, err = dm.NewUAC(invite)
	require.NoError(t, err)
	require.NoError(t, txm.Dispatch(answer(invite, 180, "Ringing", "bobtag")))
	require.NoError(t, txm.Dispatch(answer(invite, 200, "OK", "bobtag")))

	assert.Equal(t, []change{
		{dialog.StateUnconfirmed, dialog.StateEarly},
		{dialog.StateEarly, dialog.StateConfirmed},
	}, changes)
}

func TestNewManagerValidation(t *testing.T) {
	_, err := dialog.NewManager(dialog.Env{Transport: transactiontest.NewRecorder()})
	assert.Error(t, err)

	rec := transactiontest.NewRecorder()
	txm, err := newTxManager(rec)
	require.NoError(t, err)
	_, err = dialog.NewManager(dialog.Env{Transactions: txm})
	assert.Error(t, err)
}

func TestManagerManyCalls(t *testing.T) {
	h := newHarness(t, nil)

	const calls = 100
	for i := 0; i < calls; i++ {
		invite := transactiontest.NewInvite(fmt.Sprintf("z9hG4bKmany%d", i))
		*invite.CallID() = sip.CallIDHeader(fmt.Sprintf("call-%d@pc33.atlanta.example.com", i))
		_, err := h.dm.NewUAC(invite)
		require.NoError(t, err)
		if i%2 == 0 {
			require.NoError(t, h.tx.Dispatch(answer(invite, 486, "Busy Here", "bobtag")))
		}
	}

	assert.Equal(t, calls, h.dm.Len())
	assert.Len(t, h.dm.Dialogs(), calls)

	d, ok := h.dm.Get(dialog.ID{CallID: "call-7@pc33.atlanta.example.com", LocalTag: aliceTag})
	require.True(t, ok)
	assert.Equal(t, dialog.StateUnconfirmed, d.State())

	assert.Equal(t, calls/2, h.dm.Prune())
	assert.Equal(t, calls/2, h.dm.Len())
}
