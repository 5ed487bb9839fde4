package muxer

import "testing"

func TestEscapeForSendKeys(t *testing.T) {
	got := escapeForSendKeys(`say "hi" $HOME \ #comment`)
	want := `"say \"hi\" \$HOME \\ \#comment"`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestTypeIntoPaneBatchesPrintableRuns(t *testing.T) {
	var cmds []string
	typeIntoPane("%3", []byte("echo hi"), func(c string) { cmds = append(cmds, c) })

	want := []string{`send-keys -t %3 -l "echo hi"`}
	if len(cmds) != len(want) || cmds[0] != want[0] {
		t.Fatalf("got %v want %v", cmds, want)
	}
}

func TestTypeIntoPaneTranslatesControlAndNavKeys(t *testing.T) {
	var cmds []string
	data := []byte{'a', 'b', '\r', '\n', 0x03, 0x7f, '\t', 0x1b, '[', 'A'}
	typeIntoPane("%3", data, func(c string) { cmds = append(cmds, c) })

	want := []string{
		`send-keys -t %3 -l "ab"`,
		`send-keys -t %3 Enter`,
		`send-keys -t %3 C-c`,
		`send-keys -t %3 BSpace`,
		`send-keys -t %3 Tab`,
		`send-keys -t %3 Up`,
	}
	if len(cmds) != len(want) {
		t.Fatalf("got %v want %v", cmds, want)
	}
	for i := range want {
		if cmds[i] != want[i] {
			t.Fatalf("cmd[%d] = %q want %q", i, cmds[i], want[i])
		}
	}
}

func TestTypeIntoPaneCollapsesCRLF(t *testing.T) {
	var cmds []string
	typeIntoPane("%3", []byte("\r\n"), func(c string) { cmds = append(cmds, c) })
	if len(cmds) != 1 || cmds[0] != `send-keys -t %3 Enter` {
		t.Fatalf("got %v, want single Enter", cmds)
	}
}

func TestTypeIntoPaneDeleteAndPageKeys(t *testing.T) {
	var cmds []string
	data := []byte{0x1b, '[', '3', '~', 0x1b, '[', '5', '~', 0x1b, '[', '6', '~'}
	typeIntoPane("%3", data, func(c string) { cmds = append(cmds, c) })
	want := []string{
		`send-keys -t %3 DC`,
		`send-keys -t %3 PageUp`,
		`send-keys -t %3 PageDown`,
	}
	if len(cmds) != len(want) {
		t.Fatalf("got %v want %v", cmds, want)
	}
	for i := range want {
		if cmds[i] != want[i] {
			t.Fatalf("cmd[%d] = %q want %q", i, cmds[i], want[i])
		}
	}
}
