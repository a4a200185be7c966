// Package dispatch moves message ids from the reliability engine to the
// sender: an outbound queue on NATS JetStream (or an in-process channel)
// and the in-flight markers that keep a message from being queued twice.
package dispatch
