package order

import "context"

// Gateway accepts order intents. Outcomes are delivered asynchronously as
// reports; an error from Submit means the intent never reached the venue.
type Gateway interface {
	Submit(ctx context.Context, in Intent) error
}

// ReportSink receives gateway reports. Implementations may block.
type ReportSink func(Report)

// Submitter is what the engine needs to hand intents off without blocking.
type Submitter interface {
	Submit(in Intent) error
}
