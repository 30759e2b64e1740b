package ingestion

import (
	"TokenLedger/internal/observability"
	"context"

	"github.com/rs/zerolog"
)

// RunIngestionLoop parses raw NATS messages and queues them for the core.
// A queued message is settled by the core through Submission.Respond, so
// nothing is acked before it has a sequence. Unparseable messages are acked
// and dropped to avoid a redelivery loop.
func RunIngestionLoop(
	ctx context.Context,
	rawChan <-chan RawEvent,
	parser *Parser,
	submitChan chan<- Submission,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	subjects := DefaultSubjects()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			eventType := ResolveEventType(raw.Subject, subjects)
			if eventType == "" {
				logger.Warn().Str("subject", raw.Subject).Msg("unknown NATS subject")
				raw.AckFunc()
				continue
			}

			evt, err := parser.ParseRawEvent(raw, eventType)
			if err != nil {
				logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event failed")
				if metrics != nil {
					metrics.IngestParseErrors.WithLabelValues("nats").Inc()
				}
				raw.AckFunc()
				continue
			}

			select {
			case submitChan <- Submission{Event: evt, Received: raw.Timestamp, Ack: raw.AckFunc, Nak: raw.NakFunc}:
			case <-ctx.Done():
				raw.NakFunc()
				return
			}
		}
	}
}
