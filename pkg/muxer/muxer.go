package muxer

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tccp/tccp/pkg/log"
	"github.com/tccp/tccp/pkg/metrics"
	"github.com/tccp/tccp/pkg/tccperrors"
	"github.com/tccp/tccp/pkg/transport"
)

const (
	masterHandshakeTimeout = 10 * time.Second
	controlCommandTimeout  = 10 * time.Second
	outputWaitPoll         = 100 * time.Millisecond
)

// MasterChannelID is the logical id of the master channel registered during
// Start, matching the master channel's pane (spec.md §4.2: "registered as
// channel 0 (the master)"). It cannot be closed.
const MasterChannelID = 0

// OutputCallback receives raw bytes as they arrive on a channel's pane.
type OutputCallback func(data []byte)

// RunResult is the outcome of a single Run call.
type RunResult struct {
	ExitCode int
	Stdout   string
}

// channel is one logical multiplexed channel: a named pane on the shared
// terminal-multiplexer session, with its own serialization, pending-output
// buffer, and optional output callback.
type channel struct {
	id     int
	paneID string

	cmdMu sync.Mutex // serializes Run/SendInput/etc. per channel

	mu       sync.Mutex
	pending  bytes.Buffer
	outputCh chan struct{} // signaled (non-blocking) whenever pending grows

	cbMu     sync.RWMutex
	outputCB OutputCallback
}

// Multiplexer owns the terminal-multiplexer control-mode session running
// inside the transport's primary PTY shell, and the logical channels bound
// to its panes (spec.md §4.2).
type Multiplexer struct {
	tag string

	stdin  transport.SSHWriteCloser
	stdout interface{ Read([]byte) (int, error) }
	ioMu   *sync.Mutex

	protocolMu sync.Mutex
	ctrlRespCh chan controlResponse

	masterRegistered atomic.Bool
	masterCh         chan string

	running    atomic.Bool
	shutdownCh chan struct{}
	readerDone chan struct{}

	chMu   sync.RWMutex
	byID   map[int]*channel
	byPane map[string]*channel
	nextID int
}

// New constructs a Multiplexer for the given session tag. Start binds it to
// a transport's primary PTY and must be called before any other method.
func New(tag string) *Multiplexer {
	return &Multiplexer{
		tag:        tag,
		ctrlRespCh: make(chan controlResponse, 1),
		masterCh:   make(chan string, 1),
		shutdownCh: make(chan struct{}),
		readerDone: make(chan struct{}),
		byID:       make(map[int]*channel),
		byPane:     make(map[string]*channel),
		nextID:     1,
	}
}

// Start kills any stale session under tag, starts a fresh one in control
// mode, waits for the master pane's first %output line, and begins the
// reader goroutine that owns all further inbound bytes.
func (m *Multiplexer) Start(ctx context.Context, t *transport.Transport) error {
	logger := log.WithComponent("muxer")
	stdin, stdout, ioMu := t.PrimaryIO()
	m.stdin, m.stdout, m.ioMu = stdin, stdout, ioMu

	if err := m.sendRaw(fmt.Sprintf("tmux kill-session -t %s 2>/dev/null\n", m.tag)); err != nil {
		return fmt.Errorf("sending kill-session: %w", err)
	}
	time.Sleep(200 * time.Millisecond) // let the shell drain the echo/prompt

	go m.readerLoop()

	if err := m.sendRaw(fmt.Sprintf("tmux -C new-session -s %s\n", m.tag)); err != nil {
		return fmt.Errorf("sending new-session: %w", err)
	}

	select {
	case paneID := <-m.masterCh:
		ch := &channel{id: MasterChannelID, paneID: paneID, outputCh: make(chan struct{}, 1)}
		m.chMu.Lock()
		m.byID[MasterChannelID] = ch
		m.byPane[paneID] = ch
		m.chMu.Unlock()
		m.masterRegistered.Store(true)
		m.running.Store(true)
		logger.Info().Str("pane", paneID).Msg("multiplexer master channel registered")
		return nil
	case <-time.After(masterHandshakeTimeout):
		return fmt.Errorf("%w: master handshake timed out", tccperrors.ErrChannelProtocol)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendRaw writes text directly to the transport's primary stdin under the
// shared io mutex (transport_io_mutex in the locking order of spec.md §4.2).
func (m *Multiplexer) sendRaw(text string) error {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()
	_, err := m.stdin.Write([]byte(text))
	return err
}

// sendTmuxCommand issues a control-mode command and waits for its
// %begin/%end or %begin/%error response. Callers must not hold any
// channel's cmdMu that would deadlock against the reader goroutine; it
// itself holds protocolMu for the duration of the round trip, per the
// cmd_mutex → protocol_mutex → transport_io_mutex locking order.
func (m *Multiplexer) sendTmuxCommand(cmd string) (markerResult, bool) {
	m.protocolMu.Lock()
	defer m.protocolMu.Unlock()

	select {
	case <-m.ctrlRespCh:
	default:
	}

	if err := m.sendRaw(cmd + "\n"); err != nil {
		return markerResult{}, false
	}

	select {
	case resp := <-m.ctrlRespCh:
		return markerResult{exitCode: boolToExit(resp.ok), stdout: resp.output}, true
	case <-time.After(controlCommandTimeout):
		return markerResult{}, false
	case <-m.shutdownCh:
		return markerResult{}, false
	}
}

func boolToExit(ok bool) int {
	if ok {
		return 0
	}
	return 1
}

// OpenChannel issues new-window against the shared session and registers a
// fresh logical channel bound to the resulting pane.
func (m *Multiplexer) OpenChannel() (int, error) {
	if !m.running.Load() {
		return -1, tccperrors.ErrMultiplexerStopped
	}
	res, ok := m.sendTmuxCommand(`new-window -P -F '#{pane_id}'`)
	if !ok || res.exitCode != 0 {
		return -1, fmt.Errorf("%w: open_channel failed", tccperrors.ErrChannelProtocol)
	}
	paneID := firstLine(res.stdout)
	if paneID == "" {
		return -1, fmt.Errorf("%w: open_channel returned no pane id", tccperrors.ErrChannelProtocol)
	}

	m.chMu.Lock()
	id := m.nextID
	m.nextID++
	ch := &channel{id: id, paneID: paneID, outputCh: make(chan struct{}, 1)}
	m.byID[id] = ch
	m.byPane[paneID] = ch
	m.chMu.Unlock()

	metrics.ChannelsOpen.Inc()
	return id, nil
}

// CloseChannel kills the channel's pane. The master channel (id 0) cannot
// be closed.
func (m *Multiplexer) CloseChannel(id int) error {
	if id == MasterChannelID {
		return fmt.Errorf("%w: channel 0 cannot be closed", tccperrors.ErrChannelProtocol)
	}
	m.chMu.Lock()
	ch, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		delete(m.byPane, ch.paneID)
	}
	m.chMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown channel %d", tccperrors.ErrChannelProtocol, id)
	}

	if _, ok := m.sendTmuxCommand(fmt.Sprintf("kill-pane -t %s", ch.paneID)); !ok {
		return fmt.Errorf("%w: close_channel failed", tccperrors.ErrChannelProtocol)
	}
	metrics.ChannelsOpen.Dec()
	return nil
}

func (m *Multiplexer) lookup(id int) (*channel, error) {
	m.chMu.RLock()
	ch, ok := m.byID[id]
	m.chMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown channel %d", tccperrors.ErrChannelProtocol, id)
	}
	return ch, nil
}

// Run types a marker-wrapped cmd into the channel's pane and waits for the
// done marker to appear in its accumulated output, polling on each %output
// arrival rather than busy-waiting (spec.md §4.2). On timeout it returns
// exit code -1 along with whatever partial output has accumulated so far.
func (m *Multiplexer) Run(ctx context.Context, id int, cmd string, timeout time.Duration) (RunResult, error) {
	ch, err := m.lookup(id)
	if err != nil {
		return RunResult{}, err
	}
	ch.cmdMu.Lock()
	defer ch.cmdMu.Unlock()

	ch.mu.Lock()
	ch.pending.Reset()
	ch.mu.Unlock()

	wrapped := buildMarkerCommand(cmd)

	m.protocolMu.Lock()
	typeIntoPane(ch.paneID, []byte(wrapped), func(c string) {
		_ = m.sendRaw(c + "\n")
	})
	m.protocolMu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		ch.mu.Lock()
		snapshot := ch.pending.String()
		ch.mu.Unlock()

		if res, ok := parseMarkerOutput(snapshot); ok {
			return RunResult{ExitCode: res.exitCode, Stdout: res.stdout}, nil
		}
		if !m.running.Load() {
			return RunResult{ExitCode: -1, Stdout: snapshot}, tccperrors.ErrMultiplexerStopped
		}
		if time.Now().After(deadline) {
			return RunResult{ExitCode: -1, Stdout: snapshot}, tccperrors.ErrRunTimeout
		}

		select {
		case <-ch.outputCh:
		case <-time.After(outputWaitPoll):
		case <-ctx.Done():
			return RunResult{ExitCode: -1, Stdout: snapshot}, ctx.Err()
		case <-m.shutdownCh:
			return RunResult{ExitCode: -1, Stdout: snapshot}, tccperrors.ErrMultiplexerStopped
		}
	}
}

// SendInput types raw bytes into the channel's pane, key by key.
func (m *Multiplexer) SendInput(id int, data []byte) error {
	ch, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.protocolMu.Lock()
	defer m.protocolMu.Unlock()
	typeIntoPane(ch.paneID, data, func(c string) {
		_ = m.sendRaw(c + "\n")
	})
	return nil
}

// SendSpecialKey issues a single named send-keys key (e.g. "C-c", "Escape").
func (m *Multiplexer) SendSpecialKey(id int, keyName string) error {
	ch, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.protocolMu.Lock()
	defer m.protocolMu.Unlock()
	return m.sendRaw(fmt.Sprintf("send-keys -t %s %s\n", ch.paneID, keyName))
}

// SetOutputCallback registers cb to be invoked with raw pane bytes as they
// arrive. A nil cb is equivalent to ClearOutputCallback.
func (m *Multiplexer) SetOutputCallback(id int, cb OutputCallback) error {
	ch, err := m.lookup(id)
	if err != nil {
		return err
	}
	ch.cbMu.Lock()
	ch.outputCB = cb
	ch.cbMu.Unlock()
	return nil
}

// ClearOutputCallback removes any registered output callback for id.
func (m *Multiplexer) ClearOutputCallback(id int) error {
	return m.SetOutputCallback(id, nil)
}

// Resize changes the pane's terminal dimensions.
func (m *Multiplexer) Resize(id int, cols, rows int) error {
	ch, err := m.lookup(id)
	if err != nil {
		return err
	}
	_, ok := m.sendTmuxCommand(fmt.Sprintf("resize-pane -t %s -x %d -y %d", ch.paneID, cols, rows))
	if !ok {
		return fmt.Errorf("%w: resize failed", tccperrors.ErrChannelProtocol)
	}
	return nil
}

// Shutdown sends kill-server and stops the reader goroutine. It is safe to
// call more than once.
func (m *Multiplexer) Shutdown() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	_ = m.sendRaw("kill-server\n")
	select {
	case <-m.shutdownCh:
	default:
		close(m.shutdownCh)
	}
	<-m.readerDone
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' || s[i] == '\r' {
			return s[:i]
		}
	}
	return s
}
