package kademlia

import (
	"context"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/oakenlab/dhtprobe/pkg/logtrace"
)

const (
	// MaxDatagramSize bounds accepted datagrams. Oversized datagrams are
	// dropped, not fatal.
	MaxDatagramSize = 512

	// maxTxIDAttempts bounds the search for an unused transaction ID.
	maxTxIDAttempts = 10

	defaultQueryTimeout = time.Second
	defaultBanTTL       = 5 * time.Minute
)

// ErrUnknownTx means a response arrived whose transaction ID is not
// outstanding.
var ErrUnknownTx = errors.New("response for unknown transaction")

// ErrWrongSource means a pong arrived from an address other than the one the
// ping was sent to.
var ErrWrongSource = errors.New("pong from wrong address")

// txKind is the expected context of an outstanding transaction. FirstPing is
// currently the only kind modeled: every query this engine sends is either
// the first contact with a node or a follow-up treated the same way.
type txKind uint8

const txFirstPing txKind = iota

type pendingTx struct {
	kind  txKind
	dest  netip.AddrPort
	timer *clock.Timer
}

// PacketWriter sends one datagram to a peer. *net.UDPConn satisfies it via a
// thin adapter; tests substitute a recorder.
type PacketWriter interface {
	WriteTo(b []byte, dest netip.AddrPort) (int, error)
}

// EngineOptions tune an Engine. Zero values select defaults.
type EngineOptions struct {
	// Clock supplies timers; tests inject a mock.
	Clock clock.Clock
	// QueryTimeout is how long a transaction may stay outstanding.
	QueryTimeout time.Duration
	// BanTTL is how long a timed-out address is skipped when rediscovered.
	BanTTL time.Duration
}

// Engine owns the routing table and the set of outstanding transactions. It
// sends queries, classifies inbound datagrams, matches responses to
// transactions, folds discovered nodes into the table and issues follow-up
// queries.
//
// All mutation happens on the single goroutine that calls Send,
// HandleDatagram and HandleTimeout; timer callbacks only deliver the expired
// transaction ID over the Expired channel.
type Engine struct {
	id      NodeID
	table   *Table
	conn    PacketWriter
	clk     clock.Clock
	timeout time.Duration

	txs     map[TxID]*pendingTx
	expired chan TxID

	banned  *BanList
	metrics Metrics
}

// NewEngine creates an engine for the given local ID writing to conn.
func NewEngine(id NodeID, conn PacketWriter, opts EngineOptions) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	if opts.BanTTL <= 0 {
		opts.BanTTL = defaultBanTTL
	}
	return &Engine{
		id:      id,
		table:   NewTable(id),
		conn:    conn,
		clk:     opts.Clock,
		timeout: opts.QueryTimeout,
		txs:     make(map[TxID]*pendingTx),
		expired: make(chan TxID, 1024),
		banned:  NewBanList(opts.BanTTL),
	}
}

// Table returns the routing table owned by the engine.
func (e *Engine) Table() *Table { return e.table }

// Metrics returns a snapshot of the engine counters.
func (e *Engine) Metrics() MetricsSnapshot { return e.metrics.Snapshot() }

// Expired delivers transaction IDs whose timeout has fired. The owner of the
// dispatch loop must feed them back into HandleTimeout.
func (e *Engine) Expired() <-chan TxID { return e.expired }

// Outstanding returns the number of live transactions.
func (e *Engine) Outstanding() int { return len(e.txs) }

// newTxID generates a transaction ID not currently outstanding. The attempt
// count is bounded; exhaustion is a hard failure rather than a fallback to
// longer IDs.
func (e *Engine) newTxID() (TxID, error) {
	for attempt := 0; attempt < maxTxIDAttempts; attempt++ {
		id := NewTxID()
		if _, taken := e.txs[id]; !taken {
			return id, nil
		}
	}
	return "", errors.New("no unused transaction ID available")
}

// Send transmits a query to dest and records the outstanding transaction.
// The timeout is armed only after the datagram is confirmed fully written; a
// short or failed send surfaces immediately and arms nothing.
func (e *Engine) Send(ctx context.Context, dest netip.AddrPort, query Query) (TxID, error) {
	txID, err := e.newTxID()
	if err != nil {
		return "", err
	}

	full := &FullQuery{Query: query, SenderID: e.id, TxID: txID}
	raw, err := full.Encode()
	if err != nil {
		return "", err
	}

	n, err := e.conn.WriteTo(raw, dest)
	if err != nil {
		return "", errors.Wrapf(err, "send %s to %s", query.queryName(), dest)
	}
	if n != len(raw) {
		return "", errors.Errorf("short send to %s: %d of %d bytes", dest, n, len(raw))
	}

	timer := e.clk.AfterFunc(e.timeout, func() {
		e.expired <- txID
	})
	e.txs[txID] = &pendingTx{kind: txFirstPing, dest: dest, timer: timer}
	e.metrics.queriesSent.Add(1)

	logtrace.Debug(ctx, "query sent", logtrace.Fields{
		logtrace.FieldModule: "p2p",
		logtrace.FieldQuery:  query.queryName(),
		logtrace.FieldPeer:   dest.String(),
		logtrace.FieldTxID:   txID.String(),
	})
	return txID, nil
}

// HandleTimeout resolves a fired timeout. A transaction already resolved by
// a response is a benign no-op: the timer may have fired before Stop caught
// it.
func (e *Engine) HandleTimeout(ctx context.Context, txID TxID) {
	tx, ok := e.txs[txID]
	if !ok {
		return
	}
	delete(e.txs, txID)
	e.metrics.timeouts.Add(1)
	e.banned.Add(tx.dest)

	logtrace.Info(ctx, "query timed out", logtrace.Fields{
		logtrace.FieldModule: "p2p",
		logtrace.FieldPeer:   tx.dest.String(),
		logtrace.FieldTxID:   txID.String(),
	})
}

// HandleDatagram classifies one inbound datagram and dispatches it. All
// returned errors are recoverable (the datagram is dropped and the loop
// continues) except ErrTokenUnsupported, which the caller must treat as
// fatal.
func (e *Engine) HandleDatagram(ctx context.Context, raw []byte, from netip.AddrPort) error {
	if len(raw) > MaxDatagramSize {
		e.metrics.decodeErrors.Add(1)
		return errors.Errorf("oversized datagram from %s: %d bytes", from, len(raw))
	}

	msg, err := DecodeMessage(raw)
	if err != nil {
		e.metrics.decodeErrors.Add(1)
		return errors.Wrapf(err, "datagram from %s", from)
	}

	switch m := msg.(type) {
	case *FullQuery:
		// observed only; this node never answers queries
		e.metrics.queriesObserved.Add(1)
		logtrace.Debug(ctx, "query observed", logtrace.Fields{
			logtrace.FieldModule: "p2p",
			logtrace.FieldPeer:   from.String(),
			logtrace.FieldQuery:  m.Query.queryName(),
		})
		return nil

	case *PeerError:
		e.metrics.peerErrors.Add(1)
		logtrace.Info(ctx, "peer reported error", logtrace.Fields{
			logtrace.FieldModule: "p2p",
			logtrace.FieldPeer:   from.String(),
			logtrace.FieldTxID:   m.TxID.String(),
			"code":               m.Code,
			"message":            m.Message,
		})
		return nil

	case *FullResponse:
		tx, ok := e.txs[m.TxID]
		if !ok {
			e.metrics.unknownTx.Add(1)
			return errors.Wrapf(ErrUnknownTx, "tx %s from %s", m.TxID, from)
		}
		delete(e.txs, m.TxID)
		return e.handleResponse(ctx, from, m, tx)

	default:
		return ErrInvalidDiscrim
	}
}

func (e *Engine) handleResponse(ctx context.Context, from netip.AddrPort, resp *FullResponse, tx *pendingTx) error {
	switch r := resp.Response.(type) {
	case Pong:
		// A pong must come from the address we pinged. The transaction is
		// already consumed; its timer stays armed and resolves as a no-op.
		if from != tx.dest {
			return errors.Wrapf(ErrWrongSource, "pinged %s, answered from %s", tx.dest, from)
		}
		tx.timer.Stop()
		e.metrics.pongs.Add(1)
		e.foldGoodNode(ctx, resp.SenderID)

		// grow the table: ask the live node for nodes near a random target
		if _, err := e.Send(ctx, from, FindNodeQuery{Target: RandomNodeID()}); err != nil {
			return err
		}
		return nil

	case FoundNodes:
		tx.timer.Stop()
		e.metrics.contactsFound.Add(int64(len(r.Contacts)))
		e.foldFoundNodes(ctx, r.Contacts)
		return nil

	default:
		return ErrInvalidDiscrim
	}
}

// foldGoodNode records a node that answered a ping. An existing Pinging slot
// is promoted, an existing Good slot is left alone, a full table drops the
// node.
func (e *Engine) foldGoodNode(ctx context.Context, id NodeID) {
	ref, ok := e.table.Allocate(id)
	if !ok {
		e.metrics.candidatesDropped.Add(1)
		logtrace.Debug(ctx, "no room for responsive node", logtrace.Fields{
			logtrace.FieldModule: "p2p",
			logtrace.FieldNodeID: id.String(),
		})
		return
	}
	slot := e.table.Slot(ref)
	if slot.Empty() || slot.State == StatePinging {
		e.table.SetSlot(ref, Slot{ID: id, State: StateGood})
	}
}

// foldFoundNodes walks a find_node reply, allocating a slot for each contact
// and pinging only those not already known. Contacts whose address recently
// timed out are skipped without pinging.
func (e *Engine) foldFoundNodes(ctx context.Context, contacts []Contact) {
	for _, c := range contacts {
		if e.banned.Banned(c.Addr) {
			e.metrics.candidatesDropped.Add(1)
			continue
		}
		ref, ok := e.table.Allocate(c.ID)
		if !ok {
			e.metrics.candidatesDropped.Add(1)
			continue
		}
		if !e.table.Slot(ref).Empty() {
			continue // already known; do not re-ping
		}
		e.table.SetSlot(ref, Slot{ID: c.ID, State: StatePinging})
		if _, err := e.Send(ctx, c.Addr, PingQuery{}); err != nil {
			// transport failure: release the slot and move on
			e.table.SetSlot(ref, Slot{})
			logtrace.Warn(ctx, "ping to discovered node failed", logtrace.Fields{
				logtrace.FieldModule: "p2p",
				logtrace.FieldPeer:   c.Addr.String(),
				logtrace.FieldError:  err.Error(),
			})
		}
	}
}
