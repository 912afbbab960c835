package dialog_test

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sip_engine/pkg/sip/dialog"
	"github.com/arzzra/sip_engine/pkg/sip/transaction"
	"github.com/arzzra/sip_engine/pkg/sip/transaction/creator"
	"github.com/arzzra/sip_engine/pkg/sip/transaction/transactiontest"
)

const (
	aliceTag = "1928301774"
	callID   = "a84b4c76e66710@pc33.atlanta.example.com"
)

// harness связывает настоящий менеджер транзакций с менеджером диалогов
// через Recorder: все отправки записываются, доставки идут в диалоги.
type harness struct {
	rec   *transactiontest.Recorder
	clock *transactiontest.Clock
	reg   *prometheus.Registry
	tx    *transaction.Manager
	dm    *dialog.Manager
}

func newHarness(t *testing.T, onRequest dialog.RequestHandler) *harness {
	t.Helper()

	rec := transactiontest.NewRecorder()
	clock := transactiontest.NewClock()
	reg := prometheus.NewRegistry()
	logger, _ := logtest.NewNullLogger()

	txm, err := creator.NewManager(transaction.DefaultConfig(), rec,
		transaction.WithClock(clock.Now),
		transaction.WithLogger(logger),
	)
	require.NoError(t, err)

	dm, err := dialog.NewManager(dialog.Env{
		Transactions: txm,
		Transport:    rec,
		Logger:       logger,
		Contact:      &sip.ContactHeader{Address: bobContact(), Params: sip.NewParams()},
		OnRequest:    onRequest,
	}, dialog.WithMetrics(dialog.NewMetrics(reg)))
	require.NoError(t, err)

	rec.OnDeliver = dm.Deliver
	return &harness{rec: rec, clock: clock, reg: reg, tx: txm, dm: dm}
}

func newTxManager(rec *transactiontest.Recorder) (*transaction.Manager, error) {
	logger, _ := logtest.NewNullLogger()
	return creator.NewManager(transaction.DefaultConfig(), rec, transaction.WithLogger(logger))
}

func bobContact() sip.Uri {
	return sip.Uri{Scheme: "sip", User: "bob", Host: "192.0.2.4", Port: 5060}
}

func aliceContact() sip.Uri {
	return sip.Uri{Scheme: "sip", User: "alice", Host: "pc33.atlanta.example.com"}
}

func proxy(host string) sip.Uri {
	return sip.Uri{Scheme: "sip", Host: host, UriParams: sip.NewParams().Add("lr", "")}
}

// answer строит ответ UAS на INVITE с тегом и Contact
func answer(invite *sip.Request, code int, reason, tag string, recordRoute ...sip.Uri) *sip.Response {
	res := transactiontest.NewResponse(invite, code, reason, tag)
	res.AppendHeader(&sip.ContactHeader{Address: bobContact(), Params: sip.NewParams()})
	for _, rr := range recordRoute {
		res.AppendHeader(&sip.RecordRouteHeader{Address: rr})
	}
	return res
}

// peerRequest строит запрос от удаленной стороны внутри диалога
func peerRequest(method sip.RequestMethod, seq uint32, fromTag, toTag string) *sip.Request {
	req := sip.NewRequest(method, aliceContact())
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "192.0.2.4",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(&sip.FromHeader{Address: transactiontest.BobURI(), Params: sip.NewParams().Add("tag", fromTag)})
	req.AppendHeader(&sip.ToHeader{Address: transactiontest.AliceURI(), Params: sip.NewParams().Add("tag", toTag)})
	id := sip.CallIDHeader(callID)
	req.AppendHeader(&id)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	return req
}

func lastResponse(t *testing.T, rec *transactiontest.Recorder) *sip.Response {
	t.Helper()
	res, ok := rec.LastSent().(*sip.Response)
	require.True(t, ok, "последнее отправленное сообщение должно быть ответом")
	return res
}
