package kademlia

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentPacket struct {
	raw  []byte
	dest netip.AddrPort
}

type fakeConn struct {
	sent  []sentPacket
	fail  bool
	short bool
}

func (c *fakeConn) WriteTo(b []byte, dest netip.AddrPort) (int, error) {
	if c.fail {
		return 0, errors.New("injected send failure")
	}
	if c.short {
		return len(b) - 1, nil
	}
	raw := append([]byte(nil), b...)
	c.sent = append(c.sent, sentPacket{raw: raw, dest: dest})
	return len(b), nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeConn, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	conn := &fakeConn{}
	e := NewEngine(RandomNodeID(), conn, EngineOptions{Clock: mock, QueryTimeout: time.Second})
	return e, conn, mock
}

func pongFrom(t *testing.T, sender NodeID, txID TxID) []byte {
	t.Helper()
	return encodeRaw(t, map[string]interface{}{
		"y": "r",
		"t": string(txID),
		"r": map[string]interface{}{"id": string(sender[:])},
	})
}

func foundNodesFrom(t *testing.T, sender NodeID, txID TxID, contacts ...Contact) []byte {
	t.Helper()
	var blob []byte
	for _, c := range contacts {
		blob = c.appendCompact(blob)
	}
	return encodeRaw(t, map[string]interface{}{
		"y": "r",
		"t": string(txID),
		"r": map[string]interface{}{
			"id":    string(sender[:]),
			"nodes": string(blob),
		},
	})
}

func decodeSentQuery(t *testing.T, pkt sentPacket) *FullQuery {
	t.Helper()
	msg, err := DecodeMessage(pkt.raw)
	require.NoError(t, err)
	q, ok := msg.(*FullQuery)
	require.True(t, ok, "sent datagram is not a query")
	return q
}

var bootstrapAddr = netip.MustParseAddrPort("212.129.33.50:6881")

func TestBootstrapPongExpandsTable(t *testing.T) {
	ctx := context.Background()
	e, conn, _ := newTestEngine(t)

	txID, err := e.Send(ctx, bootstrapAddr, PingQuery{})
	require.NoError(t, err)
	require.Len(t, conn.sent, 1)

	ping := decodeSentQuery(t, conn.sent[0])
	assert.Equal(t, PingQuery{}, ping.Query)
	assert.Equal(t, e.Table().OurID(), ping.SenderID)
	assert.Equal(t, txID, ping.TxID)

	bootID := RandomNodeID()
	require.NoError(t, e.HandleDatagram(ctx, pongFrom(t, bootID, txID), bootstrapAddr))

	// the bootstrap node is now a Good entry
	require.Equal(t, 1, e.Table().Len())
	ref, ok := e.Table().Allocate(bootID)
	require.True(t, ok)
	slot := e.Table().Slot(ref)
	assert.Equal(t, bootID, slot.ID)
	assert.Equal(t, StateGood, slot.State)

	// and a find_node for a random target went back to the same peer
	require.Len(t, conn.sent, 2)
	followUp := decodeSentQuery(t, conn.sent[1])
	assert.IsType(t, FindNodeQuery{}, followUp.Query)
	assert.Equal(t, bootstrapAddr, conn.sent[1].dest)
	assert.NotEqual(t, txID, followUp.TxID)
	assert.Equal(t, 1, e.Outstanding())
}

func TestPongFromWrongAddressRejected(t *testing.T) {
	ctx := context.Background()
	e, conn, _ := newTestEngine(t)

	txID, err := e.Send(ctx, bootstrapAddr, PingQuery{})
	require.NoError(t, err)

	other := netip.MustParseAddrPort("8.8.8.8:6881")
	err = e.HandleDatagram(ctx, pongFrom(t, RandomNodeID(), txID), other)
	require.ErrorIs(t, err, ErrWrongSource)

	// table untouched, no follow-up query
	assert.Equal(t, 0, e.Table().Len())
	assert.Len(t, conn.sent, 1)
	assert.Equal(t, 0, e.Outstanding())
}

func TestFoundNodesPingsOnlyNewContacts(t *testing.T) {
	ctx := context.Background()
	e, conn, _ := newTestEngine(t)

	peer := netip.MustParseAddrPort("93.184.216.34:6881")
	txID, err := e.Send(ctx, peer, FindNodeQuery{Target: RandomNodeID()})
	require.NoError(t, err)

	contacts := []Contact{
		{ID: RandomNodeID(), Addr: netip.MustParseAddrPort("1.2.3.4:6881")},
		{ID: RandomNodeID(), Addr: netip.MustParseAddrPort("5.6.7.8:51413")},
		{ID: RandomNodeID(), Addr: netip.MustParseAddrPort("9.10.11.12:6881")},
	}
	peerID := RandomNodeID()
	require.NoError(t, e.HandleDatagram(ctx, foundNodesFrom(t, peerID, txID, contacts...), peer))

	// exactly one ping per previously-unknown contact, fresh distinct tx IDs
	require.Len(t, conn.sent, 4)
	seen := map[TxID]bool{txID: true}
	for i, c := range contacts {
		pkt := conn.sent[i+1]
		assert.Equal(t, c.Addr, pkt.dest)
		q := decodeSentQuery(t, pkt)
		assert.Equal(t, PingQuery{}, q.Query)
		assert.False(t, seen[q.TxID], "tx ID reused")
		seen[q.TxID] = true
	}
	assert.Equal(t, 3, e.Table().Len())
	assert.Equal(t, 3, e.Outstanding())

	// the same contacts arriving again are already known: no new pings
	tx2, err := e.Send(ctx, peer, FindNodeQuery{Target: RandomNodeID()})
	require.NoError(t, err)
	before := len(conn.sent)
	require.NoError(t, e.HandleDatagram(ctx, foundNodesFrom(t, peerID, tx2, contacts...), peer))
	assert.Len(t, conn.sent, before)
	assert.Equal(t, 3, e.Table().Len())
}

func TestTimeoutEndsTransactionAndBansAddress(t *testing.T) {
	ctx := context.Background()
	e, conn, mock := newTestEngine(t)

	txID, err := e.Send(ctx, bootstrapAddr, PingQuery{})
	require.NoError(t, err)
	require.Equal(t, 1, e.Outstanding())

	mock.Add(2 * time.Second)
	select {
	case fired := <-e.Expired():
		require.Equal(t, txID, fired)
		e.HandleTimeout(ctx, fired)
	case <-time.After(time.Second):
		t.Fatal("timeout never delivered")
	}

	assert.Equal(t, 0, e.Outstanding())
	assert.Equal(t, int64(1), e.Metrics().Timeouts)

	// a contact at the timed-out address is skipped when rediscovered
	peer := netip.MustParseAddrPort("93.184.216.34:6881")
	tx2, err := e.Send(ctx, peer, FindNodeQuery{Target: RandomNodeID()})
	require.NoError(t, err)
	before := len(conn.sent)
	stale := Contact{ID: RandomNodeID(), Addr: bootstrapAddr}
	require.NoError(t, e.HandleDatagram(ctx, foundNodesFrom(t, RandomNodeID(), tx2, stale), peer))
	assert.Len(t, conn.sent, before)
	assert.Equal(t, 0, e.Table().Len())
}

func TestDoubleResolutionIsBenign(t *testing.T) {
	ctx := context.Background()
	e, _, mock := newTestEngine(t)

	// response first: the armed timer must resolve as a no-op afterwards
	txID, err := e.Send(ctx, bootstrapAddr, FindNodeQuery{Target: RandomNodeID()})
	require.NoError(t, err)
	require.NoError(t, e.HandleDatagram(ctx, foundNodesFrom(t, RandomNodeID(), txID), bootstrapAddr))
	require.Equal(t, 0, e.Outstanding())

	mock.Add(2 * time.Second)
	select {
	case fired := <-e.Expired():
		e.HandleTimeout(ctx, fired)
	default:
	}
	e.HandleTimeout(ctx, txID)
	assert.Equal(t, 0, e.Outstanding())
	assert.Equal(t, int64(0), e.Metrics().Timeouts)

	// timeout first: a late response has no transaction to match
	tx2, err := e.Send(ctx, bootstrapAddr, PingQuery{})
	require.NoError(t, err)
	mock.Add(2 * time.Second)
	select {
	case fired := <-e.Expired():
		e.HandleTimeout(ctx, fired)
	case <-time.After(time.Second):
		t.Fatal("timeout never delivered")
	}
	err = e.HandleDatagram(ctx, pongFrom(t, RandomNodeID(), tx2), bootstrapAddr)
	require.ErrorIs(t, err, ErrUnknownTx)
}

func TestUnknownTxReported(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	err := e.HandleDatagram(ctx, pongFrom(t, RandomNodeID(), TxID("zz")), bootstrapAddr)
	require.ErrorIs(t, err, ErrUnknownTx)
	assert.Equal(t, int64(1), e.Metrics().UnknownTx)
}

func TestShortSendArmsNothing(t *testing.T) {
	ctx := context.Background()
	e, conn, mock := newTestEngine(t)

	conn.short = true
	_, err := e.Send(ctx, bootstrapAddr, PingQuery{})
	require.Error(t, err)
	assert.Equal(t, 0, e.Outstanding())

	conn.short = false
	conn.fail = true
	_, err = e.Send(ctx, bootstrapAddr, PingQuery{})
	require.Error(t, err)
	assert.Equal(t, 0, e.Outstanding())

	mock.Add(time.Minute)
	select {
	case <-e.Expired():
		t.Fatal("no timer should have been armed")
	default:
	}
}

func TestOversizedDatagramDropped(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	err := e.HandleDatagram(ctx, make([]byte, MaxDatagramSize+1), bootstrapAddr)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTokenUnsupported)
	assert.Equal(t, int64(1), e.Metrics().DecodeErrors)
}

func TestInboundQueryObservedNotAnswered(t *testing.T) {
	ctx := context.Background()
	e, conn, _ := newTestEngine(t)

	q := &FullQuery{Query: PingQuery{}, SenderID: RandomNodeID(), TxID: TxID("qq")}
	raw, err := q.Encode()
	require.NoError(t, err)

	require.NoError(t, e.HandleDatagram(ctx, raw, bootstrapAddr))
	assert.Empty(t, conn.sent)
	assert.Equal(t, int64(1), e.Metrics().QueriesObserved)
	assert.Equal(t, 0, e.Table().Len())
}

func TestPeerErrorLoggedAndDropped(t *testing.T) {
	ctx := context.Background()
	e, conn, _ := newTestEngine(t)

	raw := encodeRaw(t, map[string]interface{}{
		"y": "e",
		"t": "ee",
		"e": []interface{}{int64(202), "Server Error"},
	})
	require.NoError(t, e.HandleDatagram(ctx, raw, bootstrapAddr))
	assert.Empty(t, conn.sent)
	assert.Equal(t, int64(1), e.Metrics().PeerErrors)
}

func TestPongPromotesPingingSlot(t *testing.T) {
	ctx := context.Background()
	e, conn, _ := newTestEngine(t)

	// discover a contact so it sits in the table as Pinging
	peer := netip.MustParseAddrPort("93.184.216.34:6881")
	txID, err := e.Send(ctx, peer, FindNodeQuery{Target: RandomNodeID()})
	require.NoError(t, err)
	contact := Contact{ID: RandomNodeID(), Addr: netip.MustParseAddrPort("1.2.3.4:6881")}
	require.NoError(t, e.HandleDatagram(ctx, foundNodesFrom(t, RandomNodeID(), txID, contact), peer))

	ref, ok := e.Table().Allocate(contact.ID)
	require.True(t, ok)
	require.Equal(t, StatePinging, e.Table().Slot(ref).State)

	// its pong promotes the slot to Good
	pingPkt := conn.sent[len(conn.sent)-1]
	pingTx := decodeSentQuery(t, pingPkt).TxID
	require.NoError(t, e.HandleDatagram(ctx, pongFrom(t, contact.ID, pingTx), contact.Addr))
	assert.Equal(t, StateGood, e.Table().Slot(ref).State)
}
