// Package linked drives a Fingerprint device over a TCP link.
//
// Every frame is a two-byte big-endian size counting everything after it,
// a two-byte message type and a CBOR payload with integer keys. A session starts with a Hello exchange, after which the
// host sends Execute and Abort and the device answers every Execute with
// exactly one Result. Ping and Pong keep an idle link alive.
//
// Backend is the host side. It implements session.Backend, connects in the
// background and reconnects with exponential backoff. Every pending request
// fails with ErrorLinkLost when the link drops, times out or desyncs.
//
// Server is the device side. It runs each Execute on another
// session.Backend, which is how cmd/fpdevice exposes the mockup on the
// network.
package linked
