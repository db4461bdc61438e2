package kademlia

import (
	"context"
	"net"
	"net/netip"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/oakenlab/dhtprobe/pkg/logtrace"
)

// bootstrapMaxRetries bounds transport-level retries of the initial ping.
// Timed-out bootstrap transactions are never retried; this only covers send
// failures.
const bootstrapMaxRetries = 4

// udpWriter adapts *net.UDPConn to PacketWriter.
type udpWriter struct {
	conn *net.UDPConn
}

func (w udpWriter) WriteTo(b []byte, dest netip.AddrPort) (int, error) {
	return w.conn.WriteToUDPAddrPort(b, dest)
}

type packet struct {
	raw  []byte
	from netip.AddrPort
}

// Node binds the UDP socket and runs the dispatch loop around an Engine.
// Datagrams and timeouts are processed strictly in arrival order on one
// goroutine; the reader goroutine only copies packets onto a channel.
type Node struct {
	engine    *Engine
	conn      *net.UDPConn
	bootstrap netip.AddrPort
}

// NewNode binds listenAddr:port (IPv4) and prepares a node that will join
// the network through bootstrap.
func NewNode(id NodeID, listenAddr string, port uint16, bootstrap netip.AddrPort, opts EngineOptions) (*Node, error) {
	ip := net.ParseIP(listenAddr)
	if ip == nil {
		return nil, errors.Errorf("invalid listen address %q", listenAddr)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: int(port)})
	if err != nil {
		return nil, errors.Wrapf(err, "bind udp %s:%d", listenAddr, port)
	}
	return &Node{
		engine:    NewEngine(id, udpWriter{conn: conn}, opts),
		conn:      conn,
		bootstrap: bootstrap,
	}, nil
}

// Engine returns the protocol engine owned by the node.
func (n *Node) Engine() *Engine { return n.engine }

// LocalAddr returns the bound UDP address.
func (n *Node) LocalAddr() net.Addr { return n.conn.LocalAddr() }

// Run pings the bootstrap node and then dispatches inbound datagrams and
// timeouts until ctx is cancelled or the socket fails. The engine is only
// ever touched from this goroutine.
func (n *Node) Run(ctx context.Context) error {
	defer n.conn.Close()

	logtrace.Info(ctx, "dht node starting", logtrace.Fields{
		logtrace.FieldModule: "p2p",
		logtrace.FieldNodeID: n.engine.id.String(),
		"listen":             n.conn.LocalAddr().String(),
		"bootstrap":          n.bootstrap.String(),
	})

	if err := n.sendBootstrapPing(ctx); err != nil {
		return errors.Wrap(err, "bootstrap")
	}

	packets := make(chan packet, 64)
	readErrs := make(chan error, 1)
	go n.readLoop(packets, readErrs)

	defer func() {
		snap := n.engine.Metrics()
		logtrace.Info(ctx, "dht node stopped", logtrace.Fields{
			logtrace.FieldModule:    "p2p",
			logtrace.FieldBuckets:   n.engine.table.NumBuckets(),
			logtrace.FieldTableSize: n.engine.table.Len(),
			"queries_sent":          snap.QueriesSent,
			"pongs":                 snap.Pongs,
			"contacts_found":        snap.ContactsFound,
			"timeouts":              snap.Timeouts,
		})
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case pkt := <-packets:
			if err := n.engine.HandleDatagram(ctx, pkt.raw, pkt.from); err != nil {
				if errors.Is(err, ErrTokenUnsupported) {
					// no compatible handling exists; halting beats
					// silently mis-handling peer data
					logtrace.Fatal(ctx, "unsupported response shape", logtrace.Fields{
						logtrace.FieldModule: "p2p",
						logtrace.FieldPeer:   pkt.from.String(),
						logtrace.FieldError:  err.Error(),
					})
				}
				logtrace.Info(ctx, "datagram dropped", logtrace.Fields{
					logtrace.FieldModule: "p2p",
					logtrace.FieldPeer:   pkt.from.String(),
					logtrace.FieldError:  err.Error(),
				})
			}

		case txID := <-n.engine.Expired():
			n.engine.HandleTimeout(ctx, txID)

		case err := <-readErrs:
			return err
		}
	}
}

// sendBootstrapPing sends the initial ping, retrying transport failures with
// exponential backoff.
func (n *Node) sendBootstrapPing(ctx context.Context) error {
	attempt := 0
	op := func() error {
		attempt++
		_, err := n.engine.Send(ctx, n.bootstrap, PingQuery{})
		if err != nil {
			logtrace.Warn(ctx, "bootstrap ping failed", logtrace.Fields{
				logtrace.FieldModule: "p2p",
				logtrace.FieldPeer:   n.bootstrap.String(),
				logtrace.FieldError:  err.Error(),
				"attempt":            attempt,
			})
		}
		return err
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), bootstrapMaxRetries), ctx)
	return backoff.Retry(op, bo)
}

// readLoop copies datagrams off the socket onto the dispatch channel. It
// exits when the socket closes.
func (n *Node) readLoop(packets chan<- packet, readErrs chan<- error) {
	buf := make([]byte, 4096)
	for {
		size, from, err := n.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			readErrs <- errors.Wrap(err, "udp read")
			return
		}
		raw := make([]byte, size)
		copy(raw, buf[:size])
		// 4-in-6 mapped sources must compare equal to the IPv4 we pinged
		packets <- packet{raw: raw, from: netip.AddrPortFrom(from.Addr().Unmap(), from.Port())}
	}
}
