// Package streaming implements the REST streaming-ingestion client: bearer
// credentials, scoped token exchange, channel lifecycle, size-bounded NDJSON
// batch submission, and a classification-aware retry coordinator.
//
// One Client owns one logical channel against one target table and
// serializes submissions, because the channel's continuation token is
// inherently sequential state. Independent tables get independent Clients.
package streaming
