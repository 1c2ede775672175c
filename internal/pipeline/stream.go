package pipeline

import (
	"context"
	"fmt"

	"github.com/fleetdocs/searchd/internal/index"
	"github.com/fleetdocs/searchd/pkg/kafka"
)

// Stream actions accepted on the index events topic.
const (
	StreamUpsert = "upsert"
	StreamDelete = "delete"
)

// StreamEvent is one document mutation arriving over the index events topic.
// Upserts carry the full document; deletes carry only the document ID.
type StreamEvent struct {
	Action string          `json:"action"`
	DocID  string          `json:"doc_id,omitempty"`
	Doc    *index.Document `json:"doc,omitempty"`
}

// HandleStreamMessage enqueues one mutation received from Kafka. It is a
// kafka.MessageHandler: returning an error leaves the message uncommitted so
// the broker redelivers it, which turns a throttled queue into backpressure
// on the stream. Payloads that can never succeed are logged and committed
// past instead of poisoning the partition.
func (p *Pipeline) HandleStreamMessage(ctx context.Context, _ []byte, value []byte) error {
	event, err := kafka.DecodeJSON[StreamEvent](value)
	if err != nil {
		p.logger.Error("dropping undecodable stream event", "error", err)
		return nil
	}

	docID := event.DocID
	switch event.Action {
	case StreamUpsert:
		if event.Doc == nil {
			p.logger.Error("dropping upsert stream event with no document", "doc_id", event.DocID)
			return nil
		}
		doc := *event.Doc
		if doc.ID == "" {
			doc.ID = event.DocID
		}
		docID = doc.ID
		_, err = p.Enqueue(ctx, doc)
	case StreamDelete:
		if event.DocID == "" {
			p.logger.Error("dropping delete stream event with no document id")
			return nil
		}
		_, err = p.EnqueueDelete(ctx, event.DocID)
	default:
		p.logger.Error("dropping stream event with unknown action", "action", event.Action)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueueing stream %s for %q: %w", event.Action, docID, err)
	}
	return nil
}
