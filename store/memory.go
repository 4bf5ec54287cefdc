package store

import "sync"

// MemoryAdapter is an Adapter without a disk, for tests and caches.
type MemoryAdapter struct {
	lock    sync.Mutex
	records map[RecordID][]byte
	staged  map[RecordID][]byte // nil value is a deletion
	root    RecordID
	newRoot *RecordID
	seq     RecordID
	// Fail, if set, is returned by every Commit.
	Fail error
}

func NewMemory() *MemoryAdapter {
	return &MemoryAdapter{
		records: make(map[RecordID][]byte),
		staged:  make(map[RecordID][]byte),
	}
}

func (m *MemoryAdapter) Insert(data []byte) (RecordID, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.seq++
	m.staged[m.seq] = append([]byte{}, data...)
	return m.seq, nil
}

func (m *MemoryAdapter) Update(id RecordID, data []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.staged[id] = append([]byte{}, data...)
	return nil
}

func (m *MemoryAdapter) Fetch(id RecordID) ([]byte, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if val, ok := m.staged[id]; ok {
		return val, nil
	}
	return m.records[id], nil
}

func (m *MemoryAdapter) Delete(id RecordID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.staged[id] = nil
	return nil
}

func (m *MemoryAdapter) Commit() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.Fail != nil {
		return ioFailure("commit", m.Fail)
	}
	for id, val := range m.staged {
		if val == nil {
			delete(m.records, id)
		} else {
			m.records[id] = val
		}
	}
	if m.newRoot != nil {
		m.root = *m.newRoot
	}
	m.staged = make(map[RecordID][]byte)
	m.newRoot = nil
	return nil
}

func (m *MemoryAdapter) Rollback() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.staged = make(map[RecordID][]byte)
	m.newRoot = nil
	return nil
}

func (m *MemoryAdapter) Root() (RecordID, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.newRoot != nil {
		return *m.newRoot, nil
	}
	return m.root, nil
}

func (m *MemoryAdapter) SetRoot(id RecordID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.newRoot = &id
	return nil
}

func (m *MemoryAdapter) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.records)
}

func (m *MemoryAdapter) Close() error {
	return nil
}
