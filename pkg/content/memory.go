package content

import (
	"context"
	"errors"
	"sync"

	"quorumchain/pkg/canonical"
	"quorumchain/pkg/fault"
	"quorumchain/pkg/types"
)

// ErrInjected is returned by injected upload and download failures.
var ErrInjected = errors.New("injected failure")

// MemoryStore is a deterministic in-process Store. Ids are "mem-" plus the
// sha256 of the bytes. Failures can be injected to exercise retry paths.
type MemoryStore struct {
	mu            sync.Mutex
	objects       map[types.ContentID][]byte
	failUploads   int
	failDownloads int
	uploadCalls   int
	downloadCalls int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[types.ContentID][]byte)}
}

// MemoryID is the id MemoryStore assigns to data.
func MemoryID(data []byte) types.ContentID {
	return types.ContentID("mem-" + canonical.HashBytes(data))
}

func (m *MemoryStore) Upload(ctx context.Context, data []byte) (types.ContentID, error) {
	if err := ctx.Err(); err != nil {
		return "", fault.Storage("upload", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.uploadCalls++
	if m.failUploads != 0 {
		if m.failUploads > 0 {
			m.failUploads--
		}
		return "", fault.Storage("upload", ErrInjected)
	}

	id := MemoryID(data)
	if _, ok := m.objects[id]; !ok {
		m.objects[id] = append([]byte(nil), data...)
	}
	return id, nil
}

func (m *MemoryStore) Download(ctx context.Context, id types.ContentID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Storage("download "+string(id), err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.downloadCalls++
	if m.failDownloads != 0 {
		if m.failDownloads > 0 {
			m.failDownloads--
		}
		return nil, fault.Storage("download "+string(id), ErrInjected)
	}

	data, ok := m.objects[id]
	if !ok {
		return nil, fault.Storage("download "+string(id), errors.New("content not found"))
	}
	return append([]byte(nil), data...), nil
}

// FailUploads makes the next n uploads fail; a negative n fails every
// upload until reset with 0.
func (m *MemoryStore) FailUploads(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUploads = n
}

// FailDownloads is the download counterpart of FailUploads.
func (m *MemoryStore) FailDownloads(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDownloads = n
}

// Len is the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Calls counts every upload and download attempted, failed or not.
func (m *MemoryStore) Calls() (uploads, downloads int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploadCalls, m.downloadCalls
}
