package uploadgate

import (
	"hash/maphash"
	"sync"
)

const lockStripes = 256

// stripedMutex serializes commits per identity. Identities hashing to the same
// stripe share a lock, which only coarsens the exclusive section.
type stripedMutex struct {
	seed    maphash.Seed
	stripes [lockStripes]sync.Mutex
}

func newStripedMutex() *stripedMutex {
	return &stripedMutex{seed: maphash.MakeSeed()}
}

// lock acquires the stripe of id and returns its unlock func.
func (s *stripedMutex) lock(id Identity) func() {
	m := &s.stripes[maphash.String(s.seed, string(id))%lockStripes]
	m.Lock()
	return m.Unlock
}
