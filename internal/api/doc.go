// Package api implements the HTTP REST API and WebSocket server of a
// Fingerprint module.
//
// This package provides:
//   - REST endpoints to read the object model and invoke or abort commands
//   - History endpoints backed by the command journal
//   - A WebSocket hub broadcasting state changes and finished commands
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The API is a second surface onto the same session.Session the MQTT
// object model drives. Invocations are serialized by the session, so an
// HTTP caller and an MQTT caller see the same busy rejections. The Hub is
// a session.Observer and receives events in transition order.
//
// # Graceful Degradation
//
// The server operates without the journal or MQTT; the history endpoints
// then answer 503 and health reports the missing component.
package api
