// Package eventbus connects the Coordinator to the message bus.
//
// Inbound events arrive as JSON envelopes on a Redis stream and are read by
// a Consumer through a consumer group. Messages are routed to a fixed set of
// workers by file id, so events for one file are handled in arrival order
// while different files proceed in parallel. Each message goes through a
// Dispatcher, which classifies the handler's error:
//
//   - nil: the message is acknowledged
//   - ordering errors: retried with backoff, then dead-lettered
//   - transient errors: retried with backoff, then left pending so another
//     consumer reclaims it later
//   - anything else: dead-lettered immediately
//
// Outbound events are appended to a stream by RedisPublisher.
// MemoryPublisher keeps them in process for development and tests.
package eventbus
