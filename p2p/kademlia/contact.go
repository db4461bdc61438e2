package kademlia

import (
	"fmt"
	"net/netip"
)

// contactLen is the size of one compact contact record: 20 ID bytes, 4 IPv4
// bytes, 2 big-endian port bytes.
const contactLen = IDLength + 6

// Contact is the wire-derived contact info for one IPv4 node.
type Contact struct {
	ID   NodeID
	Addr netip.AddrPort
}

func (c Contact) String() string {
	return fmt.Sprintf("%s@%s", c.ID, c.Addr)
}

// globallyRoutable reports whether a is an IPv4 address a public DHT peer
// could plausibly live at. Unspecified, loopback, private, link-local,
// multicast and broadcast addresses are all rejected.
func globallyRoutable(a netip.Addr) bool {
	if !a.Is4() {
		return false
	}
	if a.IsUnspecified() || a.IsLoopback() || a.IsPrivate() ||
		a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() || a.IsMulticast() {
		return false
	}
	return a != netip.AddrFrom4([4]byte{255, 255, 255, 255})
}

// parseContact decodes one 26-byte compact contact record. Records with a
// non-routable address or a zero port are rejected.
func parseContact(b []byte) (Contact, error) {
	if len(b) != contactLen {
		return Contact{}, ErrWrongLength
	}
	id, err := NodeIDFromBytes(b[:IDLength])
	if err != nil {
		return Contact{}, ErrWrongLength
	}
	ip := netip.AddrFrom4([4]byte(b[IDLength : IDLength+4]))
	if !globallyRoutable(ip) {
		return Contact{}, &InvalidAddressError{Addr: ip}
	}
	port := uint16(b[IDLength+4])<<8 | uint16(b[IDLength+5])
	if port == 0 {
		return Contact{}, ErrOutOfRange
	}
	return Contact{ID: id, Addr: netip.AddrPortFrom(ip, port)}, nil
}

// parseContactList decodes a concatenation of compact contact records. The
// whole list fails if any record fails.
func parseContactList(b []byte) ([]Contact, error) {
	if len(b)%contactLen != 0 {
		return nil, ErrWrongLength
	}
	contacts := make([]Contact, 0, len(b)/contactLen)
	for off := 0; off < len(b); off += contactLen {
		c, err := parseContact(b[off : off+contactLen])
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, nil
}

// appendCompact appends the 26-byte wire form of c to dst.
func (c Contact) appendCompact(dst []byte) []byte {
	dst = append(dst, c.ID[:]...)
	ip := c.Addr.Addr().As4()
	dst = append(dst, ip[:]...)
	port := c.Addr.Port()
	return append(dst, byte(port>>8), byte(port))
}
