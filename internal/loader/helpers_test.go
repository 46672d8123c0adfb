package loader

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/any-hub/mediacache/internal/cache"
	"github.com/any-hub/mediacache/internal/cachekey"
	"github.com/any-hub/mediacache/internal/fetch"
	"github.com/any-hub/mediacache/internal/loader/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type testEnv struct {
	resolver *cache.Resolver
	store    cache.Store
	meta     *cache.MetaIndex
	ctrl     *gomock.Controller
	fetcher  *mocks.MockFetcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	resolver, err := cache.NewResolver(t.TempDir(), "media")
	require.NoError(t, err)
	store, err := cache.NewStore(resolver)
	require.NoError(t, err)
	meta, err := cache.OpenMetaIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	ctrl := gomock.NewController(t)
	return &testEnv{
		resolver: resolver,
		store:    store,
		meta:     meta,
		ctrl:     ctrl,
		fetcher:  mocks.NewMockFetcher(ctrl),
	}
}

func (e *testEnv) locator(raw string) cache.Locator {
	key := cachekey.NewDeriver(nil, e.meta).Derive(raw)
	return cache.Locator{Key: key.Hash, Extension: key.Extension}
}

func (e *testEnv) coordinator(t *testing.T, raw string, mutate ...func(*Options)) *Coordinator {
	t.Helper()
	opts := Options{
		Locator: raw,
		Key:     e.locator(raw),
		Store:   e.store,
		Fetcher: e.fetcher,
		Meta:    e.meta,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	c := New(opts)
	t.Cleanup(c.Cancel)
	return c
}

func makePayload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func response(body io.Reader, length int64, mimeType string) *fetch.Response {
	rc, ok := body.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(body)
	}
	return &fetch.Response{
		Meta: fetch.Meta{ContentLength: length, MimeType: mimeType, StatusCode: 200},
		Body: rc,
	}
}

// writeChunks 按 size 切分写入管道，最后按 closeErr 关闭。
func writeChunks(pw *io.PipeWriter, data []byte, size int, closeErr error) {
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		if _, err := pw.Write(data[:n]); err != nil {
			return
		}
		data = data[n:]
	}
	if closeErr != nil {
		pw.CloseWithError(closeErr)
		return
	}
	pw.Close()
}

type readResult struct {
	data []byte
	err  error
}

func readAllTimeout(t *testing.T, r io.Reader) ([]byte, error) {
	t.Helper()
	ch := make(chan readResult, 1)
	go func() {
		data, err := io.ReadAll(r)
		ch <- readResult{data: data, err: err}
	}()
	select {
	case res := <-ch:
		return res.data, res.err
	case <-time.After(5 * time.Second):
		t.Fatalf("read timed out")
		return nil, nil
	}
}

func waitDone(t *testing.T, c *Coordinator) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "coordinator did not reach a terminal state")
	return err
}

// failingStore 包装 Store，使写入器在超过 limit 字节后 Append 失败。
type failingStore struct {
	cache.Store
	limit int64
}

func (s failingStore) OpenForAppend(ctx context.Context, locator cache.Locator) (cache.Writer, error) {
	w, err := s.Store.OpenForAppend(ctx, locator)
	if err != nil {
		return nil, err
	}
	return &failingWriter{Writer: w, limit: s.limit}, nil
}

type failingWriter struct {
	cache.Writer
	limit int64
}

func (w *failingWriter) Append(p []byte) error {
	if w.Size()+int64(len(p)) > w.limit {
		return errors.New("no space left on device")
	}
	return w.Writer.Append(p)
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

type recordingObserver struct {
	states chan State
}

func (o *recordingObserver) CoordinatorStateChanged(_ string, state State, _ error) {
	select {
	case o.states <- state:
	default:
	}
}
