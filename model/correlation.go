package model

// CorrelationPair carries the two independent identifiers minted for an
// outbox entry before any network activity. The idempotency key travels with
// every delivery attempt so the server can collapse duplicate delivery; the
// client transaction id never leaves the device and is used to recognize the
// server's echo of a locally-originated write.
type CorrelationPair struct {
	ClientTxID     string `json:"client_tx_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// NewCorrelationPair mints a fresh pair. The two ids are independent: reusing
// one as the other would leak the local correlation id to the server.
func NewCorrelationPair() CorrelationPair {
	return CorrelationPair{
		ClientTxID:     GenerateUUIDWithSuffix("ctx"),
		IdempotencyKey: GenerateUUIDWithSuffix("idk"),
	}
}
