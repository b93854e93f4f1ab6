package imagesvc

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/mkrupp/resizecache/internal/domain"
	"github.com/mkrupp/resizecache/internal/infra/config"
	"github.com/mkrupp/resizecache/internal/repo/blob"
	"github.com/mkrupp/resizecache/internal/repo/index"
)

// journal records the order of writes across repositories.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = append(j.entries, entry)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	return append([]string(nil), j.entries...)
}

// mockBlobRepository implements blob.Repository for testing.
type mockBlobRepository struct {
	mu       sync.Mutex
	name     string
	blobs    map[domain.BlobKey]*domain.Blob
	fetches  int
	stores   int
	storeErr error
	journal  *journal
}

var _ blob.Repository = (*mockBlobRepository)(nil)

func newMockBlobRepo(name string, j *journal) *mockBlobRepository {
	return &mockBlobRepository{name: name, blobs: make(map[domain.BlobKey]*domain.Blob), journal: j}
}

func (m *mockBlobRepository) Exists(_ context.Context, key domain.BlobKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.blobs[key]

	return ok
}

func (m *mockBlobRepository) Store(ctx context.Context, b *domain.Blob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if m.storeErr != nil {
		return m.storeErr
	}

	if _, ok := m.blobs[b.Key]; ok {
		return fmt.Errorf("%w: %s", domain.ErrBlobExists, b.Key)
	}

	m.stores++
	m.blobs[b.Key] = domain.NewBlob(b.Key, append([]byte(nil), b.Body...), b.ContentType)
	m.journal.add(m.name + ":store:" + b.Key.String())

	return nil
}

func (m *mockBlobRepository) Fetch(_ context.Context, key domain.BlobKey) (*domain.Blob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetches++

	b, ok := m.blobs[key]
	if !ok {
		return nil, domain.ErrBlobNotFound
	}

	return b, nil
}

func (m *mockBlobRepository) counts() (fetches, stores int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.fetches, m.stores
}

// mockIndexRepository implements index.Repository for testing.
type mockIndexRepository struct {
	mu        sync.Mutex
	records   map[string]bool
	lookups   int
	inserts   int
	lookupErr error
	insertErr error
	journal   *journal
}

var _ index.Repository = (*mockIndexRepository)(nil)

func newMockIndexRepo(j *journal) *mockIndexRepository {
	return &mockIndexRepository{records: make(map[string]bool), journal: j}
}

func (m *mockIndexRepository) Lookup(_ context.Context, sourceID string, key domain.ContentKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lookups++

	if m.lookupErr != nil {
		return false, m.lookupErr
	}

	return m.records[sourceID+"|"+key.String()], nil
}

func (m *mockIndexRepository) Insert(_ context.Context, sourceID string, key domain.ContentKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.insertErr != nil {
		return m.insertErr
	}

	m.inserts++
	m.records[sourceID+"|"+key.String()] = true
	m.journal.add("index:insert:" + key.String())

	return nil
}

func (m *mockIndexRepository) Close() error {
	return nil
}

func (m *mockIndexRepository) counts() (lookups, inserts int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lookups, m.inserts
}

// countingTransformer counts calls to the wrapped Transformer.
type countingTransformer struct {
	mu      sync.Mutex
	next    Transformer
	calls   int
	gate    chan struct{} // if set, Transform blocks until it is closed
	entered chan struct{}
}

func (c *countingTransformer) Transform(raw []byte, spec domain.TransformSpec) ([]byte, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	if c.entered != nil {
		select {
		case c.entered <- struct{}{}:
		default:
		}
	}

	if c.gate != nil {
		<-c.gate
	}

	return c.next.Transform(raw, spec) //nolint:wrapcheck
}

func (c *countingTransformer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls
}

type testFixture struct {
	svc         *BlobImageService
	raw         *mockBlobRepository
	derived     *mockBlobRepository
	index       *mockIndexRepository
	transformer *countingTransformer
	journal     *journal
}

func newTestFixture(t *testing.T, defaults ...domain.TransformSpec) *testFixture {
	t.Helper()

	j := &journal{}
	raw := newMockBlobRepo("raw", j)
	derived := newMockBlobRepo("derived", j)
	idx := newMockIndexRepo(j)

	factory := func(_ context.Context, bucket string) (blob.Repository, error) {
		if bucket == "raw" {
			return raw, nil
		}

		return derived, nil
	}

	svc, err := NewBlobImageService(context.Background(), factory, idx, config.AppConfig{
		DefaultTransformations: defaults,
		RawBucket:              "raw",
		TransformedBucket:      "derived",
	}, ImageConfig{
		Interpolator:     "catmullrom",
		KeyEncoding:      KeyEncodingLegacy,
		MaxPixels:        DefaultMaxPixels,
		EventConcurrency: 2,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	transformer := &countingTransformer{next: svc.engine}
	svc.engine = transformer

	return &testFixture{svc: svc, raw: raw, derived: derived, index: idx, transformer: transformer, journal: j}
}

func (f *testFixture) putRaw(t *testing.T, key domain.BlobKey, body []byte) {
	t.Helper()

	f.raw.mu.Lock()
	defer f.raw.mu.Unlock()

	f.raw.blobs[key] = domain.NewBlob(key, body, "")
}

// encodeTestPNG renders a deterministic gradient of the given size.
func encodeTestPNG(t *testing.T, width, height int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 0xFF})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	return buf.Bytes()
}
