package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"node-provisioner/internal/instrument"
	"node-provisioner/internal/sim"
	"node-provisioner/internal/transport"
)

// Simulated nodes live for the whole process so consecutive commands in
// one run (and in tests) see the same node state.
var (
	simMu    sync.Mutex
	simNodes = make(map[string]*sim.Node)
)

// simConn keeps the shared simulated node alive across sessions.
type simConn struct{ *sim.Node }

func (simConn) Close() error { return nil }

func simNode(nc NodeConfig, logger *slog.Logger) *sim.Node {
	simMu.Lock()
	defer simMu.Unlock()
	n, ok := simNodes[nc.Name]
	if !ok {
		n = sim.New(sim.Options{SerialNumber: nc.Serial, Model: nc.Model}, logger)
		simNodes[nc.Name] = n
	}
	return n
}

func openTransport(ctx context.Context, nc NodeConfig, logger *slog.Logger) (transport.Transport, error) {
	switch nc.Type {
	case "serial":
		return transport.OpenSerial(nc.Port, nc.Baud, logger)
	case "websocket":
		return transport.DialWebSocket(ctx, nc.URL, logger)
	case "tcp":
		return transport.DialTCP(ctx, nc.Address, logger)
	case "sim":
		return simConn{simNode(nc, logger)}, nil
	default:
		return nil, fmt.Errorf("unknown node type %q", nc.Type)
	}
}

// openSession connects to the named node. The caller closes the session.
func (a *app) openSession(ctx context.Context, name string) (*instrument.Session, error) {
	nc, err := a.cfg.node(name)
	if err != nil {
		return nil, err
	}
	t, err := openTransport(ctx, nc, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if c, ok := t.(*transport.Conn); ok {
		// Drop banners and replies left over from a previous session.
		c.Flush(a.cfg.loaderOptions().Settle)
	}
	a.logger.Debug("node connected", "node", name, "type", nc.Type)
	return instrument.NewSession(name, t, instrument.Options{
		Loader:       a.cfg.loaderOptions(),
		QueryTimeout: a.cfg.queryTimeout(),
	}, a.logger), nil
}

// nodeNames returns args, or every configured node when args is empty.
func (a *app) nodeNames(args []string) []string {
	if len(args) > 0 {
		return args
	}
	names := make([]string, 0, len(a.cfg.Nodes))
	for _, n := range a.cfg.Nodes {
		names = append(names, n.Name)
	}
	return names
}
