/*
Package muxer implements the Channel Multiplexer (spec.md §4.2): it turns the
single primary PTY shell owned by pkg/transport into N independent logical
channels without triggering a second 2FA challenge, by driving a terminal
multiplexer in control-protocol mode inside that one shell.

A reader goroutine owns all inbound bytes from the transport and distributes
them to per-channel buffers and a control-response queue; callers serialize
their own multi-step exchanges (issue a control command, then read its
response) behind protocolMu, matching the strict channel.cmd_mutex →
protocolMu → transport I/O mutex locking order the original control-mode
client (_examples/original_source/src/ssh/session_multiplexer.cpp) used.
*/
package muxer
