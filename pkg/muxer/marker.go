package muxer

import (
	"fmt"
	"strconv"
	"strings"
)

// markerBegin and markerDone are split with an empty string concatenation so
// that the literal command text a pane echoes back to us never itself
// contains the marker — otherwise the reader could mistake the echo of the
// command for the actual marker line it is waiting for.
const (
	markerBegin = "BEG" + "IN"
	markerDone  = "DO" + "NE"
)

// buildMarkerCommand wraps a shell command so its completion is unambiguous
// in a stream that also contains shell echo (spec.md §4.2.1). Multi-line
// commands get the closing echo on its own line so it can coexist with a
// heredoc terminator in cmd.
func buildMarkerCommand(cmd string) string {
	beginEcho := fmt.Sprintf(`echo %s`, splitLiteral("BEG", "IN"))
	doneEcho := fmt.Sprintf(`echo %s $?`, splitLiteral("DO", "NE"))

	if strings.Contains(cmd, "\n") {
		return fmt.Sprintf("%s\n%s\n%s\n", beginEcho, cmd, doneEcho)
	}
	return fmt.Sprintf("%s ; %s ; %s\n", beginEcho, cmd, doneEcho)
}

// splitLiteral renders <a>''<b> — a shell string-concatenation idiom that
// reconstructs the literal marker at execution time without the marker ever
// appearing as contiguous text in the command source itself.
func splitLiteral(a, b string) string {
	return a + "''" + b
}

// markerResult is the parsed outcome of a completed marker-wrapped command.
type markerResult struct {
	exitCode int
	stdout   string
}

// parseMarkerOutput looks for a DONE marker in buf and, if found, extracts
// the exit code following it and the stdout framed between the BEGIN marker
// (plus its trailing CR/LF) and the DONE marker. ok is false if the DONE
// marker has not yet arrived.
func parseMarkerOutput(buf string) (result markerResult, ok bool) {
	doneIdx := strings.Index(buf, markerDone)
	if doneIdx == -1 {
		return markerResult{}, false
	}

	rest := buf[doneIdx+len(markerDone):]
	rest = strings.TrimLeft(rest, " ")
	end := 0
	for end < len(rest) && (rest[end] == '-' || (rest[end] >= '0' && rest[end] <= '9')) {
		end++
	}
	code, err := strconv.Atoi(rest[:end])
	if err != nil {
		code = -1
	}

	body := buf[:doneIdx]
	beginIdx := strings.Index(body, markerBegin)
	if beginIdx != -1 {
		body = body[beginIdx+len(markerBegin):]
		body = strings.TrimPrefix(body, "\r\n")
		body = strings.TrimPrefix(body, "\n")
		body = strings.TrimPrefix(body, "\r")
	}
	// Drop the echoed DONE-echo command line and any trailing prompt
	// fragment the shell left before the marker arrived.
	if nl := strings.LastIndex(body, "\n"); nl != -1 {
		tail := body[nl+1:]
		if strings.Contains(tail, "echo") {
			body = body[:nl]
		}
	}

	return markerResult{exitCode: code, stdout: body}, true
}
