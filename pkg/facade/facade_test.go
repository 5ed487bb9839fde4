package facade

import "testing"

func TestSingleQuoteEscapesEmbeddedQuotes(t *testing.T) {
	got := singleQuote(`echo it's fine`)
	want := `'echo it'\''s fine'`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestSingleQuoteNoEmbeddedQuotes(t *testing.T) {
	got := singleQuote("echo hello")
	want := "'echo hello'"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestBuildLoginCommandRedirectsStdinFromDevNull(t *testing.T) {
	got := buildLoginCommand("login01.cluster.example", "squeue -u me")
	want := "ssh -T -o StrictHostKeyChecking=no login01.cluster.example 'squeue -u me' </dev/null"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestShellSessionSignalDoneIsIdempotent(t *testing.T) {
	s := &ShellSession{doneCh: make(chan struct{})}
	s.SignalDone()
	s.SignalDone() // must not panic on double-close

	select {
	case <-s.doneCh:
	default:
		t.Fatal("doneCh not closed after SignalDone")
	}
}
