// Package projection keeps the supporter graph in step with ledger events.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/tiply/ledger-service/internal/graph"
	"github.com/tiply/ledger-service/internal/model"
	"go.uber.org/zap"
)

// Each tip is merged as its own node first so a redelivered event does not
// count twice on the TIPPED edge.
const (
	tipFromUserCypher = `
MERGE (payee:User {username: $payee})
MERGE (payer:User {username: $payer})
MERGE (tip:Tip {id: $id})
ON CREATE SET tip.amount = $amount, tip.at = $at, tip.fresh = true
WITH payer, payee, tip, coalesce(tip.fresh, false) AS fresh
REMOVE tip.fresh
MERGE (payer)-[r:TIPPED]->(payee)
ON CREATE SET r.count = 0, r.total = 0.0
SET r.count = r.count + CASE WHEN fresh THEN 1 ELSE 0 END,
    r.total = r.total + CASE WHEN fresh THEN $amount ELSE 0.0 END`

	tipFromWalletCypher = `
MERGE (payee:User {username: $payee})
MERGE (payer:Wallet {address: $payer})
MERGE (tip:Tip {id: $id})
ON CREATE SET tip.amount = $amount, tip.at = $at, tip.fresh = true
WITH payer, payee, tip, coalesce(tip.fresh, false) AS fresh
REMOVE tip.fresh
MERGE (payer)-[r:TIPPED]->(payee)
ON CREATE SET r.count = 0, r.total = 0.0
SET r.count = r.count + CASE WHEN fresh THEN 1 ELSE 0 END,
    r.total = r.total + CASE WHEN fresh THEN $amount ELSE 0.0 END`

	topSupportersCypher = `
MATCH (payer)-[r:TIPPED]->(:User {username: $payee})
RETURN coalesce(payer.username, payer.address) AS supporter, r.count AS count, r.total AS total
ORDER BY total DESC
LIMIT $limit`
)

// Projector writes completed tips into the graph.
type Projector struct {
	client graph.Client
	log    *zap.SugaredLogger
}

func NewProjector(client graph.Client, log *zap.SugaredLogger) *Projector {
	return &Projector{client: client, log: log}
}

// Apply projects one event. Events other than a completed tip are ignored.
func (p *Projector) Apply(ctx context.Context, evt model.LedgerEvent) error {
	if evt.Kind != model.KindTip || evt.Status != model.StatusCompleted || evt.PayerReference == "" {
		return nil
	}
	amount, err := decimal.NewFromString(evt.NetAmount)
	if err != nil {
		return fmt.Errorf("event %s net amount: %w", evt.TransactionID, err)
	}
	cypher := tipFromWalletCypher
	if evt.Attribution == model.AttributionAuthenticated {
		cypher = tipFromUserCypher
	}
	_, err = p.client.ExecuteWrite(ctx, cypher, map[string]any{
		"id":     evt.TransactionID,
		"payee":  evt.PayeeReference,
		"payer":  evt.PayerReference,
		"amount": amount.InexactFloat64(),
		"at":     evt.OccurredAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("project tip %s: %w", evt.TransactionID, err)
	}
	return nil
}

// Supporter is one row of TopSupporters.
type Supporter struct {
	Supporter string  `json:"supporter"`
	Count     int64   `json:"count"`
	Total     float64 `json:"total"`
}

// TopSupporters lists who tipped username the most.
func (p *Projector) TopSupporters(ctx context.Context, username string, limit int) ([]Supporter, error) {
	res, err := p.client.ExecuteRead(ctx, topSupportersCypher, map[string]any{"payee": username, "limit": int64(limit)})
	if err != nil {
		return nil, fmt.Errorf("top supporters of %s: %w", username, err)
	}
	out := make([]Supporter, 0, len(res.Records))
	for _, rec := range res.Records {
		s := Supporter{}
		s.Supporter, _ = rec["supporter"].(string)
		s.Count, _ = rec["count"].(int64)
		s.Total, _ = rec["total"].(float64)
		out = append(out, s)
	}
	return out, nil
}

// MessageReader is the part of kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Consume applies events until ctx is done. An offset is committed only
// after its event was projected; a message that cannot be decoded is logged
// and skipped.
func (p *Projector) Consume(ctx context.Context, r MessageReader) error {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		var evt model.LedgerEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			p.log.Warnw("skip undecodable event", "offset", msg.Offset, "partition", msg.Partition, "error", err)
		} else if err := p.Apply(ctx, evt); err != nil {
			return err
		}
		if err := r.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}
