// Package delivery fans conversation events out to visitors and agents.
//
// Fanout.Publish accepts an event kind, a payload and one or more targets
// (Visitor(channel, id) or Agent(id)). Events for one conversation are
// delivered to each target in Publish order; different conversations are
// independent. Each target gets a bounded number of attempts, after which
// the event is dropped, logged and reported to Options.OnDrop. This is a
// notification layer, not a durable queue.
//
// Endpoints:
//
//   - Hub: in-process sessions (websocket connections) subscribed by address
//   - transport.Publisher: AMQP outbound exchange
//   - Multi: every endpoint, success if any accepted
package delivery
