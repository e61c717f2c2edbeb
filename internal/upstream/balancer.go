package upstream

import (
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/3xpluto/edgeway/internal/model"
)

// Balancer selects a ready Peer by policy (spec.md §4.4). It maintains no
// long-lived "ready set" data structure of its own — readiness is cheap
// to recompute per peer and every peer's Ready() call is independent, so
// the "ready cache" the spec describes is simply "ask each peer, skip the
// ones that say no" evaluated fresh on every Pick. This still satisfies
// the requirement that polling one origin never blocks the pool.
type Balancer struct {
	policy model.LoadBalance
	peers  []*Peer
	rng    *rand.Rand
}

func NewBalancer(policy model.LoadBalance, peers []*Peer) *Balancer {
	return &Balancer{
		policy: policy,
		peers:  peers,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// readyIndices returns the indices of currently-ready peers.
func (b *Balancer) readyIndices(now time.Time) []int {
	out := make([]int, 0, len(b.peers))
	for i, p := range b.peers {
		if p.Ready(now) {
			out = append(out, i)
		}
	}
	return out
}

// Pick selects one ready peer for clientID (used only by the hash
// policy). Returns nil if no peer is currently ready.
func (b *Balancer) Pick(clientID string) *Peer {
	now := time.Now()
	ready := b.readyIndices(now)
	if len(ready) == 0 {
		return nil
	}

	switch b.policy {
	case model.LBHash:
		return b.peers[ready[hashIndex(clientID, len(ready))]]
	case model.LBLoad:
		return b.peers[b.p2c(ready, func(p *Peer) float64 { return p.ewma.Peak() })]
	case model.LBConn:
		return b.peers[b.p2c(ready, func(p *Peer) float64 { return float64(p.limiter.InUse()) })]
	default:
		return b.peers[b.weightedRandom(ready)]
	}
}

// p2c implements power-of-two-choices: sample two ready candidates and
// keep the one with the lower metric value.
func (b *Balancer) p2c(ready []int, metric func(*Peer) float64) int {
	if len(ready) == 1 {
		return ready[0]
	}
	i := ready[b.rng.Intn(len(ready))]
	j := ready[b.rng.Intn(len(ready))]
	if metric(b.peers[i]) <= metric(b.peers[j]) {
		return i
	}
	return j
}

// weightedRandom picks proportionally to Weight; uniform if every ready
// peer has weight zero.
func (b *Balancer) weightedRandom(ready []int) int {
	total := 0
	for _, i := range ready {
		total += b.peers[i].Upstream.Weight
	}
	if total <= 0 {
		return ready[b.rng.Intn(len(ready))]
	}
	roll := b.rng.Intn(total)
	cum := 0
	for _, i := range ready {
		cum += b.peers[i].Upstream.Weight
		if roll < cum {
			return i
		}
	}
	return ready[len(ready)-1]
}

// hashIndex deterministically maps a client identity onto one of n ready
// slots (spec.md §4.4 "hash the X-Client-Id header... modulo the number
// of ready origins").
func hashIndex(clientID string, n int) int {
	if n <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return int(h.Sum32() % uint32(n))
}
