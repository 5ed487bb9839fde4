package muxer

import (
	"fmt"
	"strings"
)

// escapeForSendKeys quotes text for the terminal multiplexer's own command
// parser (not a shell): double quotes support \" \\ \$ \# escaping, and the
// multiplexer's single-quoted strings cannot contain a single quote at all,
// so the usual bash '\'' idiom does not apply here (spec.md §4.2.2).
func escapeForSendKeys(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 10)
	b.WriteByte('"')
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '"', '\\', '$', '#':
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}

// typeIntoPane walks data key-by-key and emits one send-keys control command
// per run of printable bytes (sent literally with -l) and one per special
// key, since raw newlines or control bytes streamed directly
// would corrupt the control protocol (spec.md §4.2.2). send is called with
// each fully-formed control command line, without a trailing newline; the
// caller is responsible for terminating it before writing to the transport.
func typeIntoPane(paneID string, data []byte, send func(cmd string)) {
	flush := func(pending *strings.Builder) {
		if pending.Len() == 0 {
			return
		}
		send(fmt.Sprintf("send-keys -t %s -l %s", paneID, escapeForSendKeys(pending.String())))
		pending.Reset()
	}
	sendKey := func(key string) {
		send(fmt.Sprintf("send-keys -t %s %s", paneID, key))
	}

	var pending strings.Builder
	i := 0
	for i < len(data) {
		c := data[i]

		if c == 0x1b && i+1 < len(data) {
			flush(&pending)

			if data[i+1] == '[' && i+2 < len(data) {
				seq := data[i+2]
				switch seq {
				case 'A':
					sendKey("Up")
					i += 3
					continue
				case 'B':
					sendKey("Down")
					i += 3
					continue
				case 'C':
					sendKey("Right")
					i += 3
					continue
				case 'D':
					sendKey("Left")
					i += 3
					continue
				case 'H':
					sendKey("Home")
					i += 3
					continue
				case 'F':
					sendKey("End")
					i += 3
					continue
				}
				if seq >= '0' && seq <= '9' && i+3 < len(data) && data[i+3] == '~' {
					switch seq {
					case '3':
						sendKey("DC")
						i += 4
						continue
					case '2':
						sendKey("IC")
						i += 4
						continue
					case '5':
						sendKey("PageUp")
						i += 4
						continue
					case '6':
						sendKey("PageDown")
						i += 4
						continue
					}
					sendKey("Escape")
					i++
					continue
				}
			}
			if data[i+1] == 'O' && i+2 < len(data) {
				switch data[i+2] {
				case 'A':
					sendKey("Up")
					i += 3
					continue
				case 'B':
					sendKey("Down")
					i += 3
					continue
				case 'C':
					sendKey("Right")
					i += 3
					continue
				case 'D':
					sendKey("Left")
					i += 3
					continue
				case 'H':
					sendKey("Home")
					i += 3
					continue
				case 'F':
					sendKey("End")
					i += 3
					continue
				}
			}
			sendKey("Escape")
			i++
			continue
		}

		if c == '\r' || c == '\n' {
			flush(&pending)
			sendKey("Enter")
			i++
			if c == '\r' && i < len(data) && data[i] == '\n' {
				i++
			}
			continue
		}

		if c == 0x7f || c == 0x08 {
			flush(&pending)
			sendKey("BSpace")
			i++
			continue
		}

		if c == '\t' {
			flush(&pending)
			sendKey("Tab")
			i++
			continue
		}

		if c >= 0x01 && c <= 0x1a {
			flush(&pending)
			sendKey(fmt.Sprintf("C-%c", 'a'+c-1))
			i++
			continue
		}

		pending.WriteByte(c)
		i++
	}
	flush(&pending)
}
