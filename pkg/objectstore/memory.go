package objectstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-memory Client used by tests and as a reference
// implementation of the capability contract. It counts calls so tests can
// assert which remote operations a component issued.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject

	// Call counters, readable via the *Calls methods.
	listCalls   atomic.Int64
	getCalls    atomic.Int64
	putCalls    atomic.Int64
	deleteCalls atomic.Int64
	headCalls   atomic.Int64

	// FailPut, FailGet make the matching operations fail for keys in the
	// set, to exercise retry and partial-failure paths.
	FailPut map[string]error
	FailGet map[string]error
}

type memObject struct {
	data    []byte
	modTime time.Time
	etag    string
}

var _ Client = (*Memory)(nil)

// NewMemory returns an empty in-memory client.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string]memObject),
		FailPut: make(map[string]error),
		FailGet: make(map[string]error),
	}
}

// Seed stores an object directly, bypassing counters.
func (m *Memory) Seed(key string, data []byte, modTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: append([]byte(nil), data...), modTime: modTime, etag: etagFor(data)}
}

// Bytes returns a copy of the stored object data, if present.
func (m *Memory) Bytes(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Keys returns the sorted keys of all stored objects.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Memory) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	m.listCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var infos []ObjectInfo
	for key, obj := range m.objects {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		infos = append(infos, ObjectInfo{
			Key:          key,
			Size:         int64(len(obj.data)),
			LastModified: obj.modTime,
			ETag:         obj.etag,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (m *Memory) Get(ctx context.Context, key string, rng *Range) (io.ReadCloser, error) {
	m.getCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	if err, ok := m.FailGet[key]; ok {
		m.mu.RUnlock()
		return nil, NewError("get", key, err)
	}
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, NewError("get", key, ErrNotFound)
	}

	data := obj.data
	if rng != nil {
		start, end := rng.Start, rng.End
		if start < 0 || start >= int64(len(data)) {
			return io.NopCloser(bytes.NewReader(nil)), nil
		}
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		data = data[start : end+1]
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), nil
}

func (m *Memory) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	m.putCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	failErr, shouldFail := m.FailPut[key]
	m.mu.Unlock()
	if shouldFail {
		return "", NewError("put", key, failErr)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", NewError("put", key, err)
	}

	etag := etagFor(data)
	m.mu.Lock()
	m.objects[key] = memObject{data: data, modTime: time.Now(), etag: etag}
	m.mu.Unlock()
	return etag, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.deleteCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	m.headCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, NewError("head", key, ErrNotFound)
	}
	return &ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		LastModified: obj.modTime,
		ETag:         obj.etag,
	}, nil
}

// ListCalls returns how many List calls were issued.
func (m *Memory) ListCalls() int64 { return m.listCalls.Load() }

// GetCalls returns how many Get calls were issued.
func (m *Memory) GetCalls() int64 { return m.getCalls.Load() }

// PutCalls returns how many Put calls were issued.
func (m *Memory) PutCalls() int64 { return m.putCalls.Load() }

// DeleteCalls returns how many Delete calls were issued.
func (m *Memory) DeleteCalls() int64 { return m.deleteCalls.Load() }

// HeadCalls returns how many Head calls were issued.
func (m *Memory) HeadCalls() int64 { return m.headCalls.Load() }

// MutatingCalls returns the total number of Put and Delete calls.
func (m *Memory) MutatingCalls() int64 {
	return m.putCalls.Load() + m.deleteCalls.Load()
}

func etagFor(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// MemoryMultipart extends Memory with the multipart capability. Parts are
// held per upload until completion assembles them into the object, so a
// test can assert that aborted uploads leave nothing behind.
type MemoryMultipart struct {
	*Memory

	mpMu    sync.Mutex
	uploads map[string]*memUpload
	nextID  int

	initiateCalls   atomic.Int64
	uploadPartCalls atomic.Int64
	completeCalls   atomic.Int64
	abortCalls      atomic.Int64

	// FailPart makes UploadPart fail for the given part numbers.
	FailPart map[int]error

	// completedParts records the part numbers in the order they were
	// passed to CompleteMultipartUpload.
	completedParts []int
}

type memUpload struct {
	key   string
	parts map[int][]byte
	etags map[int]string
}

var _ Client = (*MemoryMultipart)(nil)
var _ MultipartClient = (*MemoryMultipart)(nil)

// NewMemoryMultipart returns an empty multipart-capable in-memory client.
func NewMemoryMultipart() *MemoryMultipart {
	return &MemoryMultipart{
		Memory:   NewMemory(),
		uploads:  make(map[string]*memUpload),
		FailPart: make(map[int]error),
	}
}

func (m *MemoryMultipart) InitiateMultipartUpload(ctx context.Context, key string) (string, error) {
	m.initiateCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mpMu.Lock()
	defer m.mpMu.Unlock()
	m.nextID++
	id := fmt.Sprintf("upload-%d", m.nextID)
	m.uploads[id] = &memUpload{
		key:   key,
		parts: make(map[int][]byte),
		etags: make(map[int]string),
	}
	return id, nil
}

func (m *MemoryMultipart) UploadPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	m.uploadPartCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mpMu.Lock()
	failErr, shouldFail := m.FailPart[partNumber]
	up, ok := m.uploads[uploadID]
	m.mpMu.Unlock()
	if shouldFail {
		return "", NewError("upload part", key, failErr)
	}
	if !ok {
		return "", NewError("upload part", key, ErrNotFound)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", NewError("upload part", key, err)
	}
	etag := etagFor(data)

	m.mpMu.Lock()
	up.parts[partNumber] = data
	up.etags[partNumber] = etag
	m.mpMu.Unlock()
	return etag, nil
}

func (m *MemoryMultipart) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error {
	m.completeCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mpMu.Lock()
	defer m.mpMu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return NewError("complete multipart", key, ErrNotFound)
	}

	var data []byte
	for _, p := range parts {
		m.completedParts = append(m.completedParts, p.Number)
		body, ok := up.parts[p.Number]
		if !ok || up.etags[p.Number] != p.ETag {
			return NewError("complete multipart", key, fmt.Errorf("unknown part %d", p.Number))
		}
		data = append(data, body...)
	}
	delete(m.uploads, uploadID)

	m.mu.Lock()
	m.objects[up.key] = memObject{data: data, modTime: time.Now(), etag: etagFor(data)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryMultipart) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	m.abortCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mpMu.Lock()
	defer m.mpMu.Unlock()
	if _, ok := m.uploads[uploadID]; !ok {
		return NewError("abort multipart", key, ErrNotFound)
	}
	delete(m.uploads, uploadID)
	return nil
}

// InitiateCalls returns how many multipart uploads were started.
func (m *MemoryMultipart) InitiateCalls() int64 { return m.initiateCalls.Load() }

// UploadPartCalls returns how many parts were uploaded.
func (m *MemoryMultipart) UploadPartCalls() int64 { return m.uploadPartCalls.Load() }

// CompleteCalls returns how many uploads were completed.
func (m *MemoryMultipart) CompleteCalls() int64 { return m.completeCalls.Load() }

// AbortCalls returns how many uploads were aborted.
func (m *MemoryMultipart) AbortCalls() int64 { return m.abortCalls.Load() }

// CompletedParts returns the part numbers in completion order.
func (m *MemoryMultipart) CompletedParts() []int {
	m.mpMu.Lock()
	defer m.mpMu.Unlock()
	return append([]int(nil), m.completedParts...)
}

// PendingUploads returns the number of started-but-unfinished uploads.
func (m *MemoryMultipart) PendingUploads() int {
	m.mpMu.Lock()
	defer m.mpMu.Unlock()
	return len(m.uploads)
}
