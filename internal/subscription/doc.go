// Package subscription implements the Subscription Registry component.
//
// A Handle owns a set of subscription records, one per entity, each keyed
// by the correlation id the server echoes as subscriptionId on every push:
//
//	pending  -> id allocated, subscribe batch in flight
//	active   -> acknowledged, pushes routed to sinks
//	removed  -> unsubscribed or connection closed
//
// Pushes are queued in arrival order from the moment the subscribe batch
// is sent. Nothing is delivered until the caller has attached sinks and
// called Start, so pushes that race ahead of the acknowledgement are
// neither lost nor delivered twice.
package subscription
