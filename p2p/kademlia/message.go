package kademlia

import (
	"fmt"
	"math"
	"net/netip"
	"strings"

	"github.com/pkg/errors"
	"github.com/zeebo/bencode"
)

// Decode errors. Decoding is strict: unknown or missing discriminator values
// fail rather than defaulting, and a single bad contact record fails the
// whole message.
var (
	// ErrWrongType means a bencode value had the wrong shape (e.g. an int
	// where a byte string was required).
	ErrWrongType = errors.New("wrong bencode type")
	// ErrWrongDiscrim means the top-level "y" tag did not match the decoder.
	ErrWrongDiscrim = errors.New("wrong message tag")
	// ErrInvalidDiscrim means a discriminator held an unknown value.
	ErrInvalidDiscrim = errors.New("invalid discriminator")
	// ErrOutOfRange means a number did not fit its field (or a port was zero).
	ErrOutOfRange = errors.New("number out of range")
	// ErrWrongLength means a byte string or list had the wrong length.
	ErrWrongLength = errors.New("wrong length")
	// ErrTokenUnsupported means a response carried a get_peers token, which
	// this node has no compatible handling for.
	ErrTokenUnsupported = errors.New("get_peers token responses not supported")
)

// KeyMissingError reports a required dictionary key that was absent.
type KeyMissingError struct {
	Key string
}

func (e *KeyMissingError) Error() string {
	return fmt.Sprintf("required key %q missing", e.Key)
}

// InvalidAddressError reports a contact record whose address is not globally
// routable.
type InvalidAddressError struct {
	Addr netip.Addr
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("address %s is not globally routable", e.Addr)
}

// Query is one of the requests a node may make of another.
type Query interface {
	queryName() string
}

// PingQuery asks a node to confirm it is alive.
type PingQuery struct{}

func (PingQuery) queryName() string { return "ping" }

// FindNodeQuery asks a node for contacts close to Target.
type FindNodeQuery struct {
	Target NodeID
}

func (FindNodeQuery) queryName() string { return "find_node" }

// FullQuery is the complete payload of a query message.
type FullQuery struct {
	Query    Query
	SenderID NodeID
	TxID     TxID
}

func (q *FullQuery) String() string {
	return fmt.Sprintf("%s from %s tx %s", q.Query.queryName(), q.SenderID, q.TxID)
}

// Response is one of the possible replies to a Query. The wire form carries
// no explicit discriminator; the variant is inferred structurally from the
// response args.
type Response interface {
	isResponse()
}

// Pong is the reply to a ping.
type Pong struct{}

func (Pong) isResponse() {}

// FoundNodes is the reply to a find_node, carrying compact contact records.
type FoundNodes struct {
	Contacts []Contact
}

func (FoundNodes) isResponse() {}

// FullResponse is the complete payload of a response message.
type FullResponse struct {
	Response Response
	SenderID NodeID
	TxID     TxID
}

// PeerError is an error reported by one node to another.
type PeerError struct {
	Code    uint32
	Message string
	TxID    TxID
}

func (e *PeerError) String() string {
	return fmt.Sprintf("peer error %d: %s", e.Code, e.Message)
}

// Message is any DHT message that can be received: *FullQuery,
// *FullResponse, or *PeerError, discriminated on the wire by the top-level
// "y" key.
type Message interface {
	isMessage()
}

func (*FullQuery) isMessage()    {}
func (*FullResponse) isMessage() {}
func (*PeerError) isMessage()    {}

// DecodeMessage parses one datagram into a typed message.
func DecodeMessage(raw []byte) (Message, error) {
	var v interface{}
	if err := bencode.DecodeBytes(raw, &v); err != nil {
		return nil, errors.Wrap(err, "parse bencode")
	}
	dict, err := asDict(v)
	if err != nil {
		return nil, err
	}
	y, err := lookupBytes(dict, "y")
	if err != nil {
		return nil, err
	}
	switch string(y) {
	case "q":
		return decodeQuery(dict)
	case "r":
		return decodeResponse(dict)
	case "e":
		return decodePeerError(dict)
	default:
		return nil, ErrInvalidDiscrim
	}
}

// requireTag verifies the top-level "y" discriminator, mirroring the strict
// per-variant check even when the caller already dispatched on it.
func requireTag(dict map[string]interface{}, want string) error {
	y, err := lookupBytes(dict, "y")
	if err != nil {
		return err
	}
	if string(y) != want {
		return ErrWrongDiscrim
	}
	return nil
}

func decodeQuery(dict map[string]interface{}) (*FullQuery, error) {
	if err := requireTag(dict, "q"); err != nil {
		return nil, err
	}
	txID, err := lookupTxID(dict)
	if err != nil {
		return nil, err
	}
	args, err := lookupDict(dict, "a")
	if err != nil {
		return nil, err
	}
	senderID, err := lookupNodeID(args, "id")
	if err != nil {
		return nil, err
	}
	name, err := lookupBytes(dict, "q")
	if err != nil {
		return nil, err
	}

	var query Query
	switch string(name) {
	case "ping":
		query = PingQuery{}
	case "find_node":
		target, err := lookupNodeID(args, "target")
		if err != nil {
			return nil, err
		}
		query = FindNodeQuery{Target: target}
	default:
		return nil, ErrInvalidDiscrim
	}

	return &FullQuery{Query: query, SenderID: senderID, TxID: txID}, nil
}

func decodeResponse(dict map[string]interface{}) (*FullResponse, error) {
	if err := requireTag(dict, "r"); err != nil {
		return nil, err
	}
	txID, err := lookupTxID(dict)
	if err != nil {
		return nil, err
	}
	args, err := lookupDict(dict, "r")
	if err != nil {
		return nil, err
	}
	senderID, err := lookupNodeID(args, "id")
	if err != nil {
		return nil, err
	}

	// No explicit discriminator: a token marks an unimplemented get_peers
	// reply, a nodes blob marks find_node, anything else is a plain pong.
	var response Response
	if _, ok := args["token"]; ok {
		return nil, ErrTokenUnsupported
	} else if raw, ok := args["nodes"]; ok {
		blob, err := asBytes(raw)
		if err != nil {
			return nil, err
		}
		contacts, err := parseContactList(blob)
		if err != nil {
			return nil, err
		}
		response = FoundNodes{Contacts: contacts}
	} else {
		response = Pong{}
	}

	return &FullResponse{Response: response, SenderID: senderID, TxID: txID}, nil
}

func decodePeerError(dict map[string]interface{}) (*PeerError, error) {
	if err := requireTag(dict, "e"); err != nil {
		return nil, err
	}
	txID, err := lookupTxID(dict)
	if err != nil {
		return nil, err
	}
	pair, err := lookupList(dict, "e")
	if err != nil {
		return nil, err
	}
	if len(pair) != 2 {
		return nil, ErrWrongLength
	}
	code, err := asUint32(pair[0])
	if err != nil {
		return nil, err
	}
	msg, err := asBytes(pair[1])
	if err != nil {
		return nil, err
	}
	// peer-supplied text: replace invalid sequences, never fail
	text := strings.ToValidUTF8(string(msg), "�")
	return &PeerError{Code: code, Message: text, TxID: txID}, nil
}

// Encode serializes an outgoing query. Responses and errors are never
// constructed locally.
func (q *FullQuery) Encode() ([]byte, error) {
	args := map[string]interface{}{
		"id": string(q.SenderID[:]),
	}
	if fn, ok := q.Query.(FindNodeQuery); ok {
		args["target"] = string(fn.Target[:])
	}
	dict := map[string]interface{}{
		"y": "q",
		"q": q.Query.queryName(),
		"t": string(q.TxID),
		"a": args,
	}
	out, err := bencode.EncodeBytes(dict)
	if err != nil {
		return nil, errors.Wrap(err, "encode query")
	}
	return out, nil
}

// Generic bencode value unwrapping. zeebo/bencode decodes dictionaries to
// map[string]interface{}, byte strings to string, integers to int64 and
// lists to []interface{}.

func asDict(v interface{}) (map[string]interface{}, error) {
	dict, ok := v.(map[string]interface{})
	if !ok {
		return nil, ErrWrongType
	}
	return dict, nil
}

func asBytes(v interface{}) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, ErrWrongType
	}
	return []byte(s), nil
}

func asList(v interface{}) ([]interface{}, error) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, ErrWrongType
	}
	return list, nil
}

func asUint32(v interface{}) (uint32, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, ErrWrongType
	}
	if n < 0 || n > math.MaxUint32 {
		return 0, ErrOutOfRange
	}
	return uint32(n), nil
}

func lookup(dict map[string]interface{}, key string) (interface{}, error) {
	v, ok := dict[key]
	if !ok {
		return nil, &KeyMissingError{Key: key}
	}
	return v, nil
}

func lookupBytes(dict map[string]interface{}, key string) ([]byte, error) {
	v, err := lookup(dict, key)
	if err != nil {
		return nil, err
	}
	return asBytes(v)
}

func lookupDict(dict map[string]interface{}, key string) (map[string]interface{}, error) {
	v, err := lookup(dict, key)
	if err != nil {
		return nil, err
	}
	return asDict(v)
}

func lookupList(dict map[string]interface{}, key string) ([]interface{}, error) {
	v, err := lookup(dict, key)
	if err != nil {
		return nil, err
	}
	return asList(v)
}

func lookupNodeID(dict map[string]interface{}, key string) (NodeID, error) {
	b, err := lookupBytes(dict, key)
	if err != nil {
		return NodeID{}, err
	}
	return NodeIDFromBytes(b)
}

func lookupTxID(dict map[string]interface{}) (TxID, error) {
	b, err := lookupBytes(dict, "t")
	if err != nil {
		return "", err
	}
	return TxID(b), nil
}
