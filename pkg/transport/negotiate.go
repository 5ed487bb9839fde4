package transport

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/tccp/tccp/pkg/tccperrors"
	"github.com/tccp/tccp/pkg/types"
)

// promptKind classifies a line of text seen during SSH keyboard-interactive
// auth or the reactive shell negotiation below.
type promptKind int

const (
	promptOther promptKind = iota
	promptPassword
	prompt2FA
)

var (
	passwordPromptRe = regexp.MustCompile(`(?i)password`)
	twoFAPromptRe    = regexp.MustCompile(`(?i)duo|option|passcode|factor`)
)

func classifyPrompt(s string) promptKind {
	switch {
	case passwordPromptRe.MatchString(s):
		return promptPassword
	case twoFAPromptRe.MatchString(s):
		return prompt2FA
	default:
		return promptOther
	}
}

// negotiationTimeout is long enough for a human to approve a push 2FA
// challenge (spec.md §4.1: "enough time for a human 2FA push").
const negotiationTimeout = 90 * time.Second

// shellReadyPatterns are scanned in priority order: a shell-ready match wins
// over a password or 2FA match on the same buffer, because once the shell
// is ready no further credential prompt is expected.
var shellReadyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\[.+@.+ ~]\$ $`),
	regexp.MustCompile(`\$ $`),
	regexp.MustCompile(`# $`),
	regexp.MustCompile(`> $`),
}

// negotiator drives the reactive shell-prompt negotiation (spec.md §4.1)
// over the primary PTY's stdout, responding to password/2FA prompts that
// show up in the shell transcript itself (distinct from, and in addition to,
// the SSH-level keyboard-interactive exchange in Establish).
type negotiator struct {
	target   *types.SessionTarget
	w        SSHWriteCloser
	statusCB StatusCallback

	buf          []byte
	sentPassword bool
	sent2FA      bool
}

type readResult struct {
	n   int
	err error
}

func (n *negotiator) run(ctx context.Context, r interface{ Read([]byte) (int, error) }) error {
	deadline := time.After(negotiationTimeout)
	resultCh := make(chan readResult, 1)
	chunk := make([]byte, 4096)

	readNext := func() {
		go func() {
			nread, err := r.Read(chunk)
			resultCh <- readResult{n: nread, err: err}
		}()
	}
	readNext()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", tccperrors.ErrNegotiationTimeout, ctx.Err())
		case <-deadline:
			return tccperrors.ErrNegotiationTimeout
		case res := <-resultCh:
			if res.err != nil {
				return fmt.Errorf("%w: reading shell output: %v", tccperrors.ErrNegotiationTimeout, res.err)
			}
			n.buf = append(n.buf, chunk[:res.n]...)

			for _, re := range shellReadyPatterns {
				if re.Match(n.buf) {
					if n.statusCB != nil {
						n.statusCB("shell ready")
					}
					return nil
				}
			}

			text := string(n.buf)
			switch classifyPrompt(text) {
			case promptPassword:
				if n.target.Password == "" || n.sentPassword {
					return fmt.Errorf("%w: rejected (prompted twice)", tccperrors.ErrAuthFailed)
				}
				if _, err := n.w.Write([]byte(n.target.Password + "\n")); err != nil {
					return fmt.Errorf("writing password response: %w", err)
				}
				n.sentPassword = true
				n.buf = n.buf[:0]
			case prompt2FA:
				if !n.target.Use2FA || n.sent2FA {
					return fmt.Errorf("%w: 2FA failed (prompted twice)", tccperrors.ErrAuthFailed)
				}
				if n.statusCB != nil {
					n.statusCB("waiting for 2FA approval")
				}
				if _, err := n.w.Write([]byte("1\n")); err != nil {
					return fmt.Errorf("writing 2FA response: %w", err)
				}
				n.sent2FA = true
				n.buf = n.buf[:0]
			}

			readNext()
		}
	}
}
