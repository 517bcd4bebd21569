package domain

import "context"

// ChangeDetector reports rows appended to the watched file since the last
// call. An empty result means no change (or the file does not exist yet).
type ChangeDetector interface {
	Check(ctx context.Context) ([]Row, error)
}

// Sink receives published events. Delivery is best-effort and at-most-once:
// implementations absorb per-receiver failures and never return them to the
// publisher.
type Sink interface {
	Publish(ctx context.Context, event Event)
}

// MultiSink fans a published event out to every wrapped sink in order.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, event Event) {
	for _, s := range m {
		s.Publish(ctx, event)
	}
}
