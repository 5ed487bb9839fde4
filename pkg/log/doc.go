/*
Package log provides structured logging for tccp using zerolog.

It wraps zerolog to give every component (transport, muxer, facade, alloc, job)
a JSON or console logger tagged with its own name, plus a handful of context
helpers for the identifiers that show up across the codebase: job id,
allocation id, and channel id.

Init must be called once before any other package logs; until then Logger is
the zero value, which zerolog treats as a disabled logger.
*/
package log
