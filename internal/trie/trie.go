// Package trie implements a binary prefix trie for IPv4/IPv6 CIDR membership
// tests, the data structure backing reputation allow/block lists.
package trie

import "net"

type node struct {
	children [2]*node
	terminal bool
}

// Trie is a binary prefix trie holding both an IPv4 and an IPv6 address
// space behind separate roots, since the two families are never compared
// bit-for-bit against one another.
type Trie struct {
	root4 *node
	root6 *node
	count int
}

// New returns an empty trie.
func New() *Trie {
	return &Trie{root4: &node{}, root6: &node{}}
}

// Insert adds a CIDR network to the trie. The prefix length determines how
// many bits of the network address are walked before marking the
// destination node terminal.
func (t *Trie) Insert(network *net.IPNet) {
	bits, isV4 := ipToBits(network.IP)
	ones, _ := network.Mask.Size()
	root := t.root6
	if isV4 {
		root = t.root4
	}

	n := root
	for i := 0; i < ones; i++ {
		bit := bits[i]
		if n.children[bit] == nil {
			n.children[bit] = &node{}
		}
		n = n.children[bit]
	}
	if !n.terminal {
		n.terminal = true
		t.count++
	}
}

// Contains reports whether addr falls within any network previously
// inserted into the trie. Longest-prefix matching falls out of returning
// true at the first terminal node encountered during descent — including
// the root, which represents a /0 match.
func (t *Trie) Contains(addr net.IP) bool {
	bits, isV4 := ipToBits(addr)
	if bits == nil {
		return false
	}
	root := t.root6
	if isV4 {
		root = t.root4
	}

	n := root
	if n.terminal {
		return true
	}
	for _, bit := range bits {
		n = n.children[bit]
		if n == nil {
			return false
		}
		if n.terminal {
			return true
		}
	}
	return false
}

// Len returns the number of distinct terminal (inserted) networks.
func (t *Trie) Len() int {
	return t.count
}

// ipToBits converts an IP address into a flat slice of bits (0 or 1),
// MSB-first per octet, along with whether it is an IPv4 address. Returns a
// nil slice if addr is not a valid IPv4 or IPv6 address.
func ipToBits(addr net.IP) ([]byte, bool) {
	if v4 := addr.To4(); v4 != nil {
		return octetsToBits(v4), true
	}
	if v6 := addr.To16(); v6 != nil {
		return octetsToBits(v6), false
	}
	return nil, false
}

func octetsToBits(octets []byte) []byte {
	bits := make([]byte, 0, len(octets)*8)
	for _, b := range octets {
		for shift := 7; shift >= 0; shift-- {
			bits = append(bits, (b>>uint(shift))&1)
		}
	}
	return bits
}
