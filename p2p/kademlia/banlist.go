package kademlia

import (
	"net/netip"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// BanList remembers addresses whose ping recently timed out so freshly
// discovered contacts at those addresses are not pinged again right away.
// Entries expire on their own; the routing table is never touched.
type BanList struct {
	c *cache.Cache
}

// NewBanList creates a ban list whose entries last for ttl.
func NewBanList(ttl time.Duration) *BanList {
	return &BanList{c: cache.New(ttl, 2*ttl)}
}

// Add records addr as recently unresponsive.
func (b *BanList) Add(addr netip.AddrPort) {
	b.c.SetDefault(addr.String(), struct{}{})
}

// Banned reports whether addr is currently on the list.
func (b *BanList) Banned(addr netip.AddrPort) bool {
	_, ok := b.c.Get(addr.String())
	return ok
}

// Len returns the number of unexpired entries.
func (b *BanList) Len() int {
	return b.c.ItemCount()
}
