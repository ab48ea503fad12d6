package engine

// Meter tracks cumulative live allocation for one root state and enforces an
// optional ceiling. The guest's allocator consults it before every growth;
// a rejected growth surfaces inside the VM as an allocation failure, which
// the VM turns into its own out-of-memory error.
//
// Mutated only from the goroutine driving the root, so no locking.
type Meter struct {
	used uint64
	max  uint64
}

func NewMeter(max uint64) *Meter {
	return &Meter{max: max}
}

// Reserve accounts a realloc from osize to nsize bytes. It reports false
// when the growth would push live allocation past the ceiling; shrinks and
// frees always succeed.
func (m *Meter) Reserve(osize, nsize uint64) bool {
	if nsize <= osize {
		m.used -= osize - nsize
		return true
	}
	grow := nsize - osize
	if m.max > 0 && m.used+grow > m.max {
		return false
	}
	m.used += grow
	return true
}

func (m *Meter) Used() uint64 { return m.used }

func (m *Meter) Max() uint64 { return m.max }

// SetMax adjusts the ceiling. Lowering it below current usage does not fail
// existing allocations; only future growth is rejected.
func (m *Meter) SetMax(max uint64) { m.max = max }
