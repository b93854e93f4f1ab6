package imagesvc

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrupp/resizecache/internal/domain"
)

func TestProcessBatch_MissThenHit(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t)
	f.putRaw(t, "cat.png", encodeTestPNG(t, 100, 100))

	spec := domain.NewTransformSpec(50, 50)

	keys, err := f.svc.ProcessBatch(context.Background(), "cat.png", []domain.TransformSpec{spec})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, sha1Hex("cat.png5050"), keys[0])

	derived, err := f.svc.FetchDerived(context.Background(), keys[0])
	require.NoError(t, err)
	assert.Equal(t, domain.ContentTypePNG, derived.ContentType)

	img, err := png.Decode(bytes.NewReader(derived.Body))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 50, 50), img.Bounds())

	again, err := f.svc.ProcessBatch(context.Background(), "cat.png", []domain.TransformSpec{spec})
	require.NoError(t, err)
	assert.Equal(t, keys, again)

	_, stores := f.derived.counts()
	_, inserts := f.index.counts()

	assert.Equal(t, 1, f.transformer.count(), "a hit is not transformed again")
	assert.Equal(t, 1, stores)
	assert.Equal(t, 1, inserts)
}

func TestProcessBatch_OrderAcrossHitsAndMisses(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t)
	f.putRaw(t, "cat.png", encodeTestPNG(t, 64, 48))

	small := domain.NewTransformSpec(8, 8)
	wide := domain.NewTransformSpec(32, 4)
	tall := domain.NewTransformSpec(4, 32)

	_, err := f.svc.ProcessBatch(context.Background(), "cat.png", []domain.TransformSpec{wide})
	require.NoError(t, err)

	keys, err := f.svc.ProcessBatch(context.Background(), "cat.png", []domain.TransformSpec{small, wide, tall, small})
	require.NoError(t, err)

	assert.Equal(t, []domain.ContentKey{
		DeriveKeyLegacy("cat.png", small),
		DeriveKeyLegacy("cat.png", wide),
		DeriveKeyLegacy("cat.png", tall),
		DeriveKeyLegacy("cat.png", small),
	}, keys)

	assert.Equal(t, 3, f.transformer.count())

	fetches, _ := f.raw.counts()
	assert.Equal(t, 2, fetches, "raw is fetched once per batch")
}

func TestProcessBatch_BlobBeforeIndex(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t)
	f.putRaw(t, "cat.png", encodeTestPNG(t, 20, 20))

	specs := []domain.TransformSpec{domain.NewTransformSpec(10, 10), domain.NewTransformSpec(5, 5)}

	keys, err := f.svc.ProcessBatch(context.Background(), "cat.png", specs)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"derived:store:" + keys[0].String(),
		"index:insert:" + keys[0].String(),
		"derived:store:" + keys[1].String(),
		"index:insert:" + keys[1].String(),
	}, f.journal.list())
}

func TestProcessBatch_Empty(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t)

	keys, err := f.svc.ProcessBatch(context.Background(), "cat.png", nil)
	require.NoError(t, err)
	assert.Empty(t, keys)

	fetches, _ := f.raw.counts()
	assert.Zero(t, fetches)
}

func TestProcessBatch_Failures(t *testing.T) {
	t.Parallel()

	t.Run("invalid spec", func(t *testing.T) {
		t.Parallel()

		f := newTestFixture(t)
		f.putRaw(t, "cat.png", encodeTestPNG(t, 10, 10))

		_, err := f.svc.ProcessBatch(context.Background(), "cat.png",
			[]domain.TransformSpec{domain.NewTransformSpec(5, 5), domain.NewTransformSpec(0, 5)})
		require.ErrorIs(t, err, domain.ErrInvalidTransformSpec)

		fetches, _ := f.raw.counts()
		assert.Zero(t, fetches)
		assert.Empty(t, f.journal.list())
	})

	t.Run("missing raw", func(t *testing.T) {
		t.Parallel()

		f := newTestFixture(t)

		_, err := f.svc.ProcessBatch(context.Background(), "ghost.png", []domain.TransformSpec{domain.NewTransformSpec(5, 5)})
		require.ErrorIs(t, err, domain.ErrStorageRead)
		require.ErrorIs(t, err, domain.ErrBlobNotFound)
	})

	t.Run("corrupt raw", func(t *testing.T) {
		t.Parallel()

		f := newTestFixture(t)
		f.putRaw(t, "cat.png", []byte("\x89PNG\r\n\x1a\ngarbage"))

		specs := []domain.TransformSpec{
			domain.NewTransformSpec(5, 5),
			domain.NewTransformSpec(8, 2),
			domain.NewTransformSpec(1, 9),
		}

		keys, err := f.svc.ProcessBatch(context.Background(), "cat.png", specs)
		require.ErrorIs(t, err, domain.ErrDecode)
		assert.Nil(t, keys)
		assert.Empty(t, f.journal.list(), "nothing is written")

		for _, spec := range specs {
			key := DeriveKeyLegacy("cat.png", spec)
			assert.False(t, f.derived.Exists(context.Background(), key.BlobKey()), spec.String())

			hit, err := f.index.Lookup(context.Background(), "cat.png", key)
			require.NoError(t, err)
			assert.False(t, hit, spec.String())
		}
	})

	t.Run("index lookup", func(t *testing.T) {
		t.Parallel()

		f := newTestFixture(t)
		f.putRaw(t, "cat.png", encodeTestPNG(t, 10, 10))
		f.index.lookupErr = errors.Join(domain.ErrIndexQuery, errors.New("disk I/O error"))

		_, err := f.svc.ProcessBatch(context.Background(), "cat.png", []domain.TransformSpec{domain.NewTransformSpec(5, 5)})
		require.ErrorIs(t, err, domain.ErrIndexQuery)
		assert.Zero(t, f.transformer.count())
	})

	t.Run("blob store", func(t *testing.T) {
		t.Parallel()

		f := newTestFixture(t)
		f.putRaw(t, "cat.png", encodeTestPNG(t, 10, 10))
		f.derived.storeErr = errors.New("no space left on device")

		_, err := f.svc.ProcessBatch(context.Background(), "cat.png", []domain.TransformSpec{domain.NewTransformSpec(5, 5)})
		require.ErrorIs(t, err, domain.ErrStorageWrite)

		_, inserts := f.index.counts()
		assert.Zero(t, inserts, "no record without a blob")
	})

	t.Run("index insert", func(t *testing.T) {
		t.Parallel()

		f := newTestFixture(t)
		f.putRaw(t, "cat.png", encodeTestPNG(t, 10, 10))
		f.index.insertErr = errors.Join(domain.ErrStorageWrite, errors.New("database is locked"))

		_, err := f.svc.ProcessBatch(context.Background(), "cat.png", []domain.TransformSpec{domain.NewTransformSpec(5, 5)})
		require.ErrorIs(t, err, domain.ErrStorageWrite)

		_, stores := f.derived.counts()
		assert.Equal(t, 1, stores, "an orphaned blob is left behind")
	})

	t.Run("index insert retried", func(t *testing.T) {
		t.Parallel()

		f := newTestFixture(t)
		f.putRaw(t, "cat.png", encodeTestPNG(t, 10, 10))
		f.index.insertErr = errors.Join(domain.ErrStorageWrite, errors.New("database is locked"))

		specs := []domain.TransformSpec{domain.NewTransformSpec(5, 5)}

		_, err := f.svc.ProcessBatch(context.Background(), "cat.png", specs)
		require.ErrorIs(t, err, domain.ErrStorageWrite)

		f.index.mu.Lock()
		f.index.insertErr = nil
		f.index.mu.Unlock()

		// the orphaned blob is reused and the record written
		keys, err := f.svc.ProcessBatch(context.Background(), "cat.png", specs)
		require.NoError(t, err)
		assert.Equal(t, []domain.ContentKey{DeriveKeyLegacy("cat.png", specs[0])}, keys)

		_, stores := f.derived.counts()
		_, inserts := f.index.counts()
		assert.Equal(t, 1, stores)
		assert.Equal(t, 1, inserts)
	})

	t.Run("canceled", func(t *testing.T) {
		t.Parallel()

		f := newTestFixture(t)
		f.putRaw(t, "cat.png", encodeTestPNG(t, 10, 10))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := f.svc.ProcessBatch(ctx, "cat.png", []domain.TransformSpec{domain.NewTransformSpec(5, 5)})
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, f.transformer.count())
	})
}

func TestProcessBatch_ConcurrentMissesShareWork(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t)
	f.putRaw(t, "cat.png", encodeTestPNG(t, 40, 40))

	f.transformer.gate = make(chan struct{})
	f.transformer.entered = make(chan struct{}, 1)

	spec := []domain.TransformSpec{domain.NewTransformSpec(20, 20)}

	var wg sync.WaitGroup

	results := make([][]domain.ContentKey, 2)
	errs := make([]error, 2)

	run := func(i int) {
		defer wg.Done()

		results[i], errs[i] = f.svc.ProcessBatch(context.Background(), "cat.png", spec)
	}

	wg.Add(1)

	go run(0)

	<-f.transformer.entered

	wg.Add(1)

	go run(1)

	require.Eventually(t, func() bool {
		lookups, _ := f.index.counts()

		return lookups == 2
	}, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	close(f.transformer.gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, 1, f.transformer.count())

	_, stores := f.derived.counts()
	assert.Equal(t, 1, stores)
}

func TestProcessBatch_JoinedCallerOutlivesCanceledLeader(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t)
	f.putRaw(t, "cat.png", encodeTestPNG(t, 40, 40))

	f.transformer.gate = make(chan struct{})
	f.transformer.entered = make(chan struct{}, 1)

	spec := []domain.TransformSpec{domain.NewTransformSpec(20, 20)}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)

	go func() {
		_, err := f.svc.ProcessBatch(leaderCtx, "cat.png", spec)
		leaderErr <- err
	}()

	<-f.transformer.entered

	var (
		keys        []domain.ContentKey
		followerErr error
		done        = make(chan struct{})
	)

	go func() {
		defer close(done)

		keys, followerErr = f.svc.ProcessBatch(context.Background(), "cat.png", spec)
	}()

	require.Eventually(t, func() bool {
		lookups, _ := f.index.counts()

		return lookups == 2
	}, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	cancelLeader()
	require.ErrorIs(t, <-leaderErr, context.Canceled)

	close(f.transformer.gate)
	<-done

	require.NoError(t, followerErr)
	assert.Equal(t, []domain.ContentKey{DeriveKeyLegacy("cat.png", spec[0])}, keys)
	assert.Equal(t, 1, f.transformer.count())

	_, inserts := f.index.counts()
	assert.Equal(t, 1, inserts, "the work of the canceled caller completes")
}

func TestFetchTransformed(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t)
	f.putRaw(t, "cat.png", encodeTestPNG(t, 30, 30))

	spec := domain.NewTransformSpec(12, 6)

	first, created, err := f.svc.FetchTransformed(context.Background(), "cat.png", spec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, DeriveKeyLegacy("cat.png", spec).BlobKey(), first.Key)

	second, created, err := f.svc.FetchTransformed(context.Background(), "cat.png", spec)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Body, second.Body)

	_, err = f.svc.FetchDerived(context.Background(), "0000000000000000000000000000000000000000")
	require.ErrorIs(t, err, domain.ErrBlobNotFound)
}

func TestProcessObjectCreated(t *testing.T) {
	t.Parallel()

	defaults := []domain.TransformSpec{domain.NewTransformSpec(8, 8), domain.NewTransformSpec(16, 4)}

	t.Run("processes every record", func(t *testing.T) {
		t.Parallel()

		f := newTestFixture(t, defaults...)
		f.putRaw(t, "cat.png", encodeTestPNG(t, 32, 32))
		f.putRaw(t, "dog.png", encodeTestPNG(t, 24, 24))
		f.putRaw(t, "owl.png", encodeTestPNG(t, 16, 16))

		processed, err := f.svc.ProcessObjectCreated(context.Background(), domain.ObjectCreatedEvent{
			Records: []domain.ObjectCreatedRecord{
				domain.NewObjectCreatedRecord("raw", "cat.png"),
				domain.NewObjectCreatedRecord("raw", "dog.png"),
				domain.NewObjectCreatedRecord("raw", "owl.png"),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, processed)
		assert.Equal(t, 6, f.transformer.count())

		for _, source := range []string{"cat.png", "dog.png", "owl.png"} {
			for _, spec := range defaults {
				assert.True(t, f.derived.Exists(context.Background(), DeriveKeyLegacy(source, spec).BlobKey()), source)
			}
		}
	})

	t.Run("unknown bucket", func(t *testing.T) {
		t.Parallel()

		f := newTestFixture(t, defaults...)
		f.putRaw(t, "cat.png", encodeTestPNG(t, 32, 32))

		_, err := f.svc.ProcessObjectCreated(context.Background(), domain.ObjectCreatedEvent{
			Records: []domain.ObjectCreatedRecord{
				domain.NewObjectCreatedRecord("raw", "cat.png"),
				domain.NewObjectCreatedRecord("elsewhere", "cat.png"),
			},
		})
		require.ErrorIs(t, err, domain.ErrUnknownBucket)
		assert.Zero(t, f.transformer.count(), "rejected before any work")
	})

	t.Run("missing key", func(t *testing.T) {
		t.Parallel()

		f := newTestFixture(t, defaults...)

		_, err := f.svc.ProcessObjectCreated(context.Background(), domain.ObjectCreatedEvent{
			Records: []domain.ObjectCreatedRecord{domain.NewObjectCreatedRecord("raw", "")},
		})
		require.ErrorIs(t, err, domain.ErrMissingField)
	})

	t.Run("failing record", func(t *testing.T) {
		t.Parallel()

		f := newTestFixture(t, defaults...)
		f.putRaw(t, "cat.png", encodeTestPNG(t, 32, 32))

		processed, err := f.svc.ProcessObjectCreated(context.Background(), domain.ObjectCreatedEvent{
			Records: []domain.ObjectCreatedRecord{
				domain.NewObjectCreatedRecord("raw", "cat.png"),
				domain.NewObjectCreatedRecord("raw", "ghost.png"),
			},
		})
		require.ErrorIs(t, err, domain.ErrBlobNotFound)
		assert.Zero(t, processed)
	})
}

func TestReceiveUpload(t *testing.T) {
	t.Parallel()

	defaults := []domain.TransformSpec{domain.NewTransformSpec(10, 10)}

	f := newTestFixture(t, defaults...)
	body := encodeTestPNG(t, 40, 20)

	keys, err := f.svc.ReceiveUpload(context.Background(), "upload-1", body)
	require.NoError(t, err)
	assert.Equal(t, []domain.ContentKey{DeriveKeyLegacy("upload-1", defaults[0])}, keys)

	stored, err := f.raw.Fetch(context.Background(), "upload-1")
	require.NoError(t, err)
	assert.Equal(t, MIMETypePNG, stored.ContentType)
	assert.Equal(t, body, stored.Body)

	_, err = f.svc.ReceiveUpload(context.Background(), "upload-2", []byte("plain text"))
	require.ErrorIs(t, err, domain.ErrImageTypeUnsupported)
	assert.False(t, f.raw.Exists(context.Background(), "upload-2"))

	assert.Equal(t, defaults, f.svc.DefaultTransformations())
}

func TestReceiveUpload_RejectsSecondUpload(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t, domain.NewTransformSpec(10, 10))
	first := encodeTestPNG(t, 40, 20)

	keys, err := f.svc.ReceiveUpload(context.Background(), "upload-1", first)
	require.NoError(t, err)

	_, err = f.svc.ReceiveUpload(context.Background(), "upload-1", encodeTestPNG(t, 7, 300))
	require.ErrorIs(t, err, domain.ErrBlobExists)
	assert.NotErrorIs(t, err, domain.ErrStorageWrite)

	stored, err := f.raw.Fetch(context.Background(), "upload-1")
	require.NoError(t, err)
	assert.Equal(t, first, stored.Body, "the raw image is immutable")
	assert.Equal(t, 1, f.transformer.count())

	again, err := f.svc.ProcessBatch(context.Background(), "upload-1", f.svc.DefaultTransformations())
	require.NoError(t, err)
	assert.Equal(t, keys, again)
}
