// Package upstream selects a backend server for a matched route using
// weighted round robin.
package upstream

import "sync/atomic"

// Server is one upstream backend and its relative weight.
type Server struct {
	Addr   string
	Weight int
}

// Selector picks a backend from a fixed pool using weighted round robin.
type Selector struct {
	Name    string
	servers []Server

	counter         atomic.Uint64
	weightedIndices []int
}

// NewSelector builds a Selector from a named pool of servers. Each
// server's index is repeated Weight times in the internal selection
// list; a server with Weight <= 0 falls back to an equal-weight entry so
// a misconfigured weight never drops a server out of rotation entirely.
func NewSelector(name string, servers []Server) *Selector {
	s := &Selector{Name: name, servers: servers}

	for i, srv := range servers {
		weight := srv.Weight
		if weight <= 0 {
			weight = 1
		}
		for w := 0; w < weight; w++ {
			s.weightedIndices = append(s.weightedIndices, i)
		}
	}
	if len(s.weightedIndices) == 0 {
		for i := range servers {
			s.weightedIndices = append(s.weightedIndices, i)
		}
	}

	return s
}

// Select returns the next backend address in rotation, or ok=false if the
// pool has no servers.
func (s *Selector) Select() (string, bool) {
	if len(s.weightedIndices) == 0 {
		return "", false
	}
	n := s.counter.Add(1)
	idx := s.weightedIndices[int(n-1)%len(s.weightedIndices)]
	return s.servers[idx].Addr, true
}

// Len returns the number of distinct backend servers in the pool.
func (s *Selector) Len() int {
	return len(s.servers)
}
