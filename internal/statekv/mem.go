package statekv

import "sync"

// Mem is an in-memory KV for tests and storage-less runs.
type Mem struct {
	mu sync.Mutex
	m  map[string]string
}

// NewMem returns an empty in-memory KV.
func NewMem() *Mem {
	return &Mem{m: make(map[string]string)}
}

func (k *Mem) Get(key string) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[key]
	return v, ok, nil
}

func (k *Mem) Set(key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = value
	return nil
}

func (k *Mem) Delete(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, key)
	return nil
}

func (k *Mem) Keys() ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	keys := make([]string, 0, len(k.m))
	for key := range k.m {
		keys = append(keys, key)
	}
	return keys, nil
}

func (k *Mem) Close() error {
	return nil
}
