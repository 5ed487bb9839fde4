/*
Package facade implements the Connection Facade (spec.md §4.3): a thin
dispatcher sitting on top of an established pkg/transport.Transport and its
pkg/muxer.Multiplexer, offering the handful of connection shapes the rest of
the core needs (request/response on the DTN or via a login-node SSH hop, a
raw interactive shell relay, and direct-TCP tunnels for port forwarding)
without any of them triggering a second 2FA challenge.
*/
package facade
