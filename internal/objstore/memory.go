package objstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by tests. It honors conditional-put
// semantics and supports scripted failures via Fail.
type MemStore struct {
	mu      sync.Mutex
	objects map[string]memObject
	uploads map[string]*memUpload
	rev     int

	// Fail, when set, is consulted before every operation; a non-nil return
	// is surfaced as the operation's error. op is "put", "get", "head",
	// "list", "delete", "putif" or "multipart".
	Fail func(op, key string) error

	// PutCount tallies successful Put/PutIf calls, for idempotency tests.
	PutCount int
}

type memObject struct {
	data     []byte
	etag     string
	modified time.Time
}

type memUpload struct {
	key       string
	parts     map[int][]byte
	initiated time.Time
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		objects: make(map[string]memObject),
		uploads: make(map[string]*memUpload),
	}
}

func (m *MemStore) fail(op, key string) error {
	if m.Fail != nil {
		return m.Fail(op, key)
	}
	return nil
}

func (m *MemStore) nextETag() string {
	m.rev++
	return fmt.Sprintf("\"v%d\"", m.rev)
}

func (m *MemStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	if err := m.fail("put", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = memObject{data: cp, etag: m.nextETag(), modified: time.Now().UTC()}
	m.PutCount++
	return nil
}

func (m *MemStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	if err := m.fail("get", key); err != nil {
		return nil, "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, obj.etag, nil
}

func (m *MemStore) Head(ctx context.Context, key string) (HeadInfo, error) {
	if err := m.fail("head", key); err != nil {
		return HeadInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return HeadInfo{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return HeadInfo{Size: int64(len(obj.data)), ETag: obj.etag, LastModified: obj.modified}, nil
}

func (m *MemStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := m.fail("list", prefix); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemStore) Delete(ctx context.Context, key string) error {
	if err := m.fail("delete", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemStore) PutIf(ctx context.Context, key string, data []byte, etag string, opts PutOptions) (string, error) {
	if err := m.fail("putif", key); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, exists := m.objects[key]
	if etag == "" {
		if exists {
			return "", fmt.Errorf("%w: %s exists", ErrPrecondition, key)
		}
	} else if !exists || obj.etag != etag {
		return "", fmt.Errorf("%w: %s etag mismatch", ErrPrecondition, key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	next := m.nextETag()
	m.objects[key] = memObject{data: cp, etag: next, modified: time.Now().UTC()}
	m.PutCount++
	return next, nil
}

func (m *MemStore) MultipartBegin(ctx context.Context, key string, opts PutOptions) (string, error) {
	if err := m.fail("multipart", key); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("upload-%d", len(m.uploads)+1)
	m.uploads[id] = &memUpload{key: key, parts: make(map[int][]byte), initiated: time.Now().UTC()}
	return id, nil
}

func (m *MemStore) MultipartPutPart(ctx context.Context, key, uploadID string, number int, data []byte) (string, error) {
	if err := m.fail("multipart", key); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return "", fmt.Errorf("%w: upload %s", ErrNotFound, uploadID)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	up.parts[number] = cp
	return fmt.Sprintf("\"part-%d\"", number), nil
}

func (m *MemStore) MultipartComplete(ctx context.Context, key, uploadID string, parts []Part) error {
	if err := m.fail("multipart", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return fmt.Errorf("%w: upload %s", ErrNotFound, uploadID)
	}
	var data []byte
	for _, p := range parts {
		chunk, ok := up.parts[p.Number]
		if !ok {
			return fmt.Errorf("upload %s missing part %d", uploadID, p.Number)
		}
		data = append(data, chunk...)
	}
	m.objects[key] = memObject{data: data, etag: m.nextETag(), modified: time.Now().UTC()}
	m.PutCount++
	delete(m.uploads, uploadID)
	return nil
}

func (m *MemStore) MultipartAbort(ctx context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, uploadID)
	return nil
}

func (m *MemStore) ListMultipartUploads(ctx context.Context, prefix string) ([]UploadInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var infos []UploadInfo
	for id, up := range m.uploads {
		if strings.HasPrefix(up.key, prefix) {
			infos = append(infos, UploadInfo{Key: up.key, UploadID: id, Initiated: up.initiated})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].UploadID < infos[j].UploadID })
	return infos, nil
}

// Keys lists all stored object keys, for assertions.
func (m *MemStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OpenUploads reports in-flight multipart uploads, for assertions.
func (m *MemStore) OpenUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}
