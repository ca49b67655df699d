package projection

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tiply/ledger-service/internal/config"
	"github.com/tiply/ledger-service/internal/graph"
	"github.com/tiply/ledger-service/internal/logger"
	"github.com/tiply/ledger-service/internal/model"
)

func newProjector(t *testing.T) (*Projector, *graph.MemoryClient) {
	t.Helper()
	log, err := logger.NewLogger(config.LogConfig{Level: "error"})
	require.NoError(t, err)
	client := graph.NewMemoryClient()
	return NewProjector(client, log), client
}

func completedTip(attribution, payer string) model.LedgerEvent {
	return model.LedgerEvent{
		Type:           model.EventTransactionCompleted,
		TransactionID:  "tx-1",
		Kind:           model.KindTip,
		Status:         model.StatusCompleted,
		PayerReference: payer,
		PayeeReference: "alice",
		Attribution:    attribution,
		Amount:         "10",
		NetAmount:      "9.75",
		Currency:       model.CurrencyUSDC,
		OccurredAt:     time.Unix(1700000000, 0).UTC(),
	}
}

func TestApply_AuthenticatedPayer(t *testing.T) {
	p, client := newProjector(t)

	require.NoError(t, p.Apply(context.Background(), completedTip(model.AttributionAuthenticated, "bob")))

	writes := client.Writes()
	require.Len(t, writes, 1)
	assert.Contains(t, writes[0].Cypher, "MERGE (payer:User {username: $payer})")
	assert.Equal(t, "bob", writes[0].Params["payer"])
	assert.Equal(t, "alice", writes[0].Params["payee"])
	assert.Equal(t, "tx-1", writes[0].Params["id"])
	assert.InDelta(t, 9.75, writes[0].Params["amount"], 1e-9)
	assert.EqualValues(t, 1700000000, writes[0].Params["at"])
}

func TestApply_AnonymousWallet(t *testing.T) {
	p, client := newProjector(t)

	require.NoError(t, p.Apply(context.Background(), completedTip(model.AttributionAnonymous, "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")))

	writes := client.Writes()
	require.Len(t, writes, 1)
	assert.Contains(t, writes[0].Cypher, "MERGE (payer:Wallet {address: $payer})")
}

func TestApply_IgnoresOtherEvents(t *testing.T) {
	p, client := newProjector(t)
	ctx := context.Background()

	pending := completedTip(model.AttributionAuthenticated, "bob")
	pending.Status = model.StatusPending
	withdrawal := completedTip(model.AttributionAuthenticated, "alice")
	withdrawal.Kind = model.KindWithdrawal
	noPayer := completedTip(model.AttributionAnonymous, "")

	for _, evt := range []model.LedgerEvent{pending, withdrawal, noPayer} {
		require.NoError(t, p.Apply(ctx, evt))
	}
	assert.Empty(t, client.Writes())
}

func TestApply_GraphError(t *testing.T) {
	p, client := newProjector(t)
	client.FailWith(errors.New("bolt: connection reset"))

	err := p.Apply(context.Background(), completedTip(model.AttributionAuthenticated, "bob"))
	assert.Error(t, err)
}

func TestTopSupporters(t *testing.T) {
	p, client := newProjector(t)
	client.QueueRead(graph.Result{Records: []graph.Record{
		{"supporter": "bob", "count": int64(3), "total": 30.5},
		{"supporter": "wallet1", "count": int64(1), "total": 2.0},
	}})

	got, err := p.TopSupporters(context.Background(), "alice", 5)
	require.NoError(t, err)
	assert.Equal(t, []Supporter{{"bob", 3, 30.5}, {"wallet1", 1, 2.0}}, got)
	assert.Equal(t, int64(5), client.Reads()[0].Params["limit"])
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		return kafka.Message{}, context.Canceled
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func TestConsume(t *testing.T) {
	p, client := newProjector(t)
	payload, err := json.Marshal(completedTip(model.AttributionAuthenticated, "bob"))
	require.NoError(t, err)

	r := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: payload},
		{Offset: 2, Value: []byte("not json")},
		{Offset: 3, Value: payload},
	}}
	require.NoError(t, p.Consume(context.Background(), r))

	assert.Equal(t, []int64{1, 2, 3}, r.committed)
	assert.Len(t, client.Writes(), 2, "redelivery is deduplicated in cypher, not here")
}

func TestConsume_StopsWithoutCommitOnGraphError(t *testing.T) {
	p, client := newProjector(t)
	client.FailWith(errors.New("unavailable"))
	payload, err := json.Marshal(completedTip(model.AttributionAuthenticated, "bob"))
	require.NoError(t, err)

	r := &fakeReader{msgs: []kafka.Message{{Offset: 7, Value: payload}}}
	assert.Error(t, p.Consume(context.Background(), r))
	assert.Empty(t, r.committed)
}
