package job

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tccp/tccp/pkg/log"
	"github.com/tccp/tccp/pkg/types"
)

// portTunnel is the Port Forwarder for one configured port (spec.md §4.6.6):
// a local listener on 127.0.0.1:p whose accepted connections are bridged,
// one goroutine per direction, onto a gateway-side direct-TCP channel to
// compute_node:p.
type portTunnel struct {
	handle     string
	localPort  int
	remotePort int
	listener   net.Listener
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func startPortTunnel(m *Manager, node string, port int) (*portTunnel, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listening on 127.0.0.1:%d: %w", port, err)
	}
	t := &portTunnel{handle: uuid.New().String(), localPort: port, remotePort: port, listener: ln, stopCh: make(chan struct{})}
	t.wg.Add(1)
	go t.acceptLoop(m, node)
	return t, nil
}

func (t *portTunnel) acceptLoop(m *Manager, node string) {
	defer t.wg.Done()
	logger := log.WithComponent("job-tunnel")
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
			}
			logger.Warn().Err(err).Int("port", t.localPort).Msg("port tunnel accept failed, stopping")
			return
		}
		t.wg.Add(1)
		go t.bridge(m, node, conn)
	}
}

func (t *portTunnel) bridge(m *Manager, node string, local net.Conn) {
	defer t.wg.Done()
	defer local.Close()
	logger := log.WithComponent("job-tunnel")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	remote, err := m.facade.Tunnel(ctx, node, t.remotePort)
	if err != nil {
		logger.Warn().Err(err).Int("port", t.remotePort).Msg("opening gateway-side tunnel channel failed")
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(remote, local); done <- struct{}{} }()
	go func() { _, _ = io.Copy(local, remote); done <- struct{}{} }()
	select {
	case <-done:
	case <-t.stopCh:
	}
}

func (t *portTunnel) stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		_ = t.listener.Close()
	})
}

// StartTunnel manually (re)starts a Port Forwarder for jobID on port, for
// use after a forward died or was never configured for the job (spec.md
// §4.6.6). The returned tunnel is tracked alongside any tunnels the init
// pipeline started and torn down the same way on completion or Shutdown.
func (m *Manager) StartTunnel(jobID string, node string, port int) error {
	t, err := startPortTunnel(m, node, port)
	if err != nil {
		return err
	}
	m.tunnelsMu.Lock()
	m.tunnels[jobID] = append(m.tunnels[jobID], t)
	m.tunnelsMu.Unlock()
	return nil
}

// stopTunnels tears down every port tunnel a job opened, used on completion
// and cancellation.
func (m *Manager) stopTunnels(jobID string) {
	m.tunnelsMu.Lock()
	handles := m.tunnels[jobID]
	delete(m.tunnels, jobID)
	m.tunnelsMu.Unlock()
	for _, t := range handles {
		t.stop()
	}
}

// stepStartTunnels is step 9: start one Port Forwarder per configured port.
func (p *initPipeline) stepStartTunnels(ctx context.Context) error {
	if len(p.spec.Ports) == 0 {
		return nil
	}
	var handles []*portTunnel
	for _, port := range p.spec.Ports {
		t, err := startPortTunnel(p.m, p.allocation.Node, port)
		if err != nil {
			for _, h := range handles {
				h.stop()
			}
			return fmt.Errorf("starting tunnel for port %d: %w", port, err)
		}
		handles = append(handles, t)
	}
	p.m.tunnelsMu.Lock()
	p.m.tunnels[p.jobID] = handles
	p.m.tunnelsMu.Unlock()
	p.tunnels = handles
	return nil
}

// collectForwardedPorts builds the TrackedJob.ForwardedPorts record for
// step 10's commit, one opaque handle per tunnel this pipeline started.
func (p *initPipeline) collectForwardedPorts() []types.ForwardedPort {
	var out []types.ForwardedPort
	for _, t := range p.tunnels {
		out = append(out, types.ForwardedPort{LocalPort: t.localPort, RemotePort: t.remotePort, HandleID: t.handle})
	}
	return out
}
