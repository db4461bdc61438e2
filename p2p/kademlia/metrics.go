package kademlia

import "sync/atomic"

// Metrics counts protocol events. Counters are atomic so snapshot readers
// never block the dispatch loop.
type Metrics struct {
	queriesSent       atomic.Int64
	queriesObserved   atomic.Int64
	pongs             atomic.Int64
	contactsFound     atomic.Int64
	peerErrors        atomic.Int64
	decodeErrors      atomic.Int64
	unknownTx         atomic.Int64
	timeouts          atomic.Int64
	candidatesDropped atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of the engine counters.
type MetricsSnapshot struct {
	QueriesSent       int64 `json:"queries_sent"`
	QueriesObserved   int64 `json:"queries_observed"`
	Pongs             int64 `json:"pongs"`
	ContactsFound     int64 `json:"contacts_found"`
	PeerErrors        int64 `json:"peer_errors"`
	DecodeErrors      int64 `json:"decode_errors"`
	UnknownTx         int64 `json:"unknown_tx"`
	Timeouts          int64 `json:"timeouts"`
	CandidatesDropped int64 `json:"candidates_dropped"`
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		QueriesSent:       m.queriesSent.Load(),
		QueriesObserved:   m.queriesObserved.Load(),
		Pongs:             m.pongs.Load(),
		ContactsFound:     m.contactsFound.Load(),
		PeerErrors:        m.peerErrors.Load(),
		DecodeErrors:      m.decodeErrors.Load(),
		UnknownTx:         m.unknownTx.Load(),
		Timeouts:          m.timeouts.Load(),
		CandidatesDropped: m.candidatesDropped.Load(),
	}
}
