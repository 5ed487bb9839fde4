package muxer

import (
	"bytes"
	"testing"
)

func TestUnescapeTmuxDecodesOctalEscapes(t *testing.T) {
	// "hi\n" encoded the way tmux control mode would emit it: \n as \012.
	got := unescapeTmux(`hi\012there`)
	want := []byte("hi\nthere")
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestUnescapeTmuxPassesThroughPlainText(t *testing.T) {
	got := unescapeTmux("no escapes here")
	if string(got) != "no escapes here" {
		t.Fatalf("got %q", got)
	}
}

func TestUnescapeTmuxHandlesBackslashItself(t *testing.T) {
	got := unescapeTmux(`a\134b`)
	if string(got) != `a\b` {
		t.Fatalf("got %q want %q", got, `a\b`)
	}
}

func TestUnescapeTmuxTrailingLoneBackslash(t *testing.T) {
	got := unescapeTmux(`abc\`)
	if string(got) != `abc\` {
		t.Fatalf("got %q", got)
	}
}
