package cache

const pageSize = 4096

// Memory is a sparse byte-addressable memory. Untouched bytes read as zero.
type Memory struct {
	pages map[uint64][]byte
}

// NewMemory creates an empty Memory.
func NewMemory() *Memory {
	return &Memory{pages: make(map[uint64][]byte)}
}

func (m *Memory) page(addr uint64, create bool) []byte {
	base := addr / pageSize
	p, ok := m.pages[base]
	if !ok && create {
		p = make([]byte, pageSize)
		m.pages[base] = p
	}
	return p
}

// Read8 reads one byte.
func (m *Memory) Read8(addr uint64) byte {
	p := m.page(addr, false)
	if p == nil {
		return 0
	}
	return p[addr%pageSize]
}

// Write8 writes one byte.
func (m *Memory) Write8(addr uint64, value byte) {
	m.page(addr, true)[addr%pageSize] = value
}

// Read64 reads a little-endian 64-bit value.
func (m *Memory) Read64(addr uint64) uint64 {
	var v uint64
	for i := uint64(0); i < 8; i++ {
		v |= uint64(m.Read8(addr+i)) << (8 * i)
	}
	return v
}

// Write64 writes a little-endian 64-bit value.
func (m *Memory) Write64(addr uint64, value uint64) {
	for i := uint64(0); i < 8; i++ {
		m.Write8(addr+i, byte(value>>(8*i)))
	}
}

// Access records one request accepted by a MemoryBacking.
type Access struct {
	Addr    uint64
	IsWrite bool
}

// MemoryBacking wraps a Memory as a BackingStore. It can be told to refuse
// requests to model a busy memory controller.
type MemoryBacking struct {
	memory     *Memory
	refuse     int
	refuseAddr map[uint64]int
	history    []Access
}

// NewMemoryBacking creates a new MemoryBacking adapter.
func NewMemoryBacking(memory *Memory) *MemoryBacking {
	return &MemoryBacking{
		memory:     memory,
		refuseAddr: make(map[uint64]int),
	}
}

// RefuseNext makes the next n requests fail with ErrBusy.
func (m *MemoryBacking) RefuseNext(n int) {
	m.refuse = n
}

// RefuseAt makes the next n requests to addr fail with ErrBusy.
func (m *MemoryBacking) RefuseAt(addr uint64, n int) {
	m.refuseAddr[addr] = n
}

// History returns every accepted request in order.
func (m *MemoryBacking) History() []Access {
	return m.history
}

// ClearHistory forgets the accepted requests.
func (m *MemoryBacking) ClearHistory() {
	m.history = nil
}

func (m *MemoryBacking) busy(addr uint64) bool {
	if m.refuse > 0 {
		m.refuse--
		return true
	}
	if m.refuseAddr[addr] > 0 {
		m.refuseAddr[addr]--
		return true
	}
	return false
}

// Read fetches data from the backing memory.
func (m *MemoryBacking) Read(addr uint64, size int) ([]byte, error) {
	if m.busy(addr) {
		return nil, ErrBusy
	}
	m.history = append(m.history, Access{Addr: addr})

	data := make([]byte, size)
	for i := 0; i < size; i++ {
		data[i] = m.memory.Read8(addr + uint64(i))
	}
	return data, nil
}

// Write stores data to the backing memory.
func (m *MemoryBacking) Write(addr uint64, data []byte) error {
	if m.busy(addr) {
		return ErrBusy
	}
	m.history = append(m.history, Access{Addr: addr, IsWrite: true})

	for i, b := range data {
		m.memory.Write8(addr+uint64(i), b)
	}
	return nil
}
