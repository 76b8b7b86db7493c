package async

import "sync"

// Metadata is the extra-metadata container of a RegisteredJob. Request
// handlers set keys on it before enqueueing; ReadyJob takes a snapshot and
// resets it in one step so a key is carried by exactly one job.
type Metadata struct {
	mu     sync.Mutex
	values map[string]interface{}
}

// NewMetadata creates a container holding a copy of initial.
func NewMetadata(initial map[string]interface{}) *Metadata {
	return &Metadata{values: copyMap(initial)}
}

// Set stores a key for the next job.
func (m *Metadata) Set(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

// Update merges values into the container.
func (m *Metadata) Update(values map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.values[k] = v
	}
}

// Snapshot returns a copy without clearing.
func (m *Metadata) Snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyMap(m.values)
}

// Take returns the current contents and clears the container.
func (m *Metadata) Take() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	taken := m.values
	m.values = make(map[string]interface{})
	return taken
}

// Len returns the number of stored keys.
func (m *Metadata) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}
