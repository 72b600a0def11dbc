// Package websocket serves resolved transform batches to web clients.
//
// The server exposes one endpoint (default /tf). Clients drive the goal
// lifecycle with JSON envelopes: a "subscribe" request creates a session and
// returns its id, "unsubscribe" cancels it, and closing the socket cancels
// everything the client owns. Each connected client gets a bounded outbound
// buffer drained by a dedicated writer goroutine; when the buffer is full the
// newest batch is dropped and the scheduler is told via ErrBackpressure.
package websocket
