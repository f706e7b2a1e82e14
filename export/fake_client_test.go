package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foresturquhart/searchexport/models"
)

// fakeIndex serves a sorted in-memory index through the SearchClient interface
type fakeIndex struct {
	mu sync.Mutex

	ids     []string
	calls   int
	cursors []models.Cursor

	delay     time.Duration
	fetchHook func(call int, cursor models.Cursor) error

	exists      bool
	existsKnown bool
	probe       models.ProbeResult

	// written reports how many lines the sink has received so far
	written      func() int64
	produced     int64
	peakInFlight int64
	dirtyFetches int
}

func fixtureID(i int) string {
	return fmt.Sprintf("doc-%06d", i)
}

func newFakeIndex(k int) *fakeIndex {
	ids := make([]string, k)
	for i := range ids {
		ids[i] = fixtureID(i + 1)
	}

	return &fakeIndex{
		ids:         ids,
		exists:      true,
		existsKnown: true,
		probe:       models.ProbeResult{Status: models.ProbeAvailable, Flavor: "provisioned"},
	}
}

func (f *fakeIndex) FetchPage(ctx context.Context, index string, pageSize int, cursor models.Cursor) (models.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.cursors = append(f.cursors, cursor)

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return models.Page{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return models.Page{}, err
	}

	if f.fetchHook != nil {
		if err := f.fetchHook(f.calls, cursor); err != nil {
			return models.Page{}, err
		}
	}

	if f.written != nil && f.produced != f.written() {
		f.dirtyFetches++
	}

	start := 0
	if len(cursor) > 0 {
		after, ok := cursor[0].(string)
		if !ok {
			return models.Page{}, fmt.Errorf("unexpected cursor %v", cursor)
		}
		start = sort.SearchStrings(f.ids, after)
		if start < len(f.ids) && f.ids[start] == after {
			start++
		}
	}

	end := start + pageSize
	if end > len(f.ids) {
		end = len(f.ids)
	}

	docs := make([]models.Document, 0, end-start)
	for i, id := range f.ids[start:end] {
		docs = append(docs, models.Document{
			ID:     id,
			Source: json.RawMessage(fmt.Sprintf(`{"id":%q,"payload":{"n":%d,"tags":["a","b"]}}`, id, start+i)),
			Sort:   models.Cursor{id},
		})
	}

	f.produced += int64(len(docs))
	if f.written != nil {
		if inFlight := f.produced - f.written(); inFlight > f.peakInFlight {
			f.peakInFlight = inFlight
		}
	}

	page := models.Page{Documents: docs}
	if len(docs) > 0 {
		page.Next = docs[len(docs)-1].Sort
	}

	return page, nil
}

func (f *fakeIndex) Count(ctx context.Context, index string) int64 {
	return int64(len(f.ids))
}

func (f *fakeIndex) IndexExists(ctx context.Context, index string) (bool, bool) {
	return f.exists, f.existsKnown
}

func (f *fakeIndex) Probe(ctx context.Context) models.ProbeResult {
	return f.probe
}

func (f *fakeIndex) fetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// lineCounter discards everything written to it but counts the lines
type lineCounter struct {
	lines atomic.Int64
}

func (c *lineCounter) Write(p []byte) (int, error) {
	c.lines.Add(int64(bytes.Count(p, []byte{'\n'})))
	return len(p), nil
}

// failingWriter accepts limit bytes and fails every write after that
type failingWriter struct {
	w     io.Writer
	limit int
	n     int
}

var errDiskFull = errors.New("no space left on device")

func (f *failingWriter) Write(p []byte) (int, error) {
	if f.n+len(p) > f.limit {
		return 0, errDiskFull
	}
	f.n += len(p)
	return f.w.Write(p)
}

// fakeUploader records uploads and keeps a copy of the uploaded bytes
type fakeUploader struct {
	mu      sync.Mutex
	err     error
	block   bool // wait for the context instead of uploading
	calls   int
	bucket  string
	key     string
	content []byte
	objects map[string][]byte
}

func (u *fakeUploader) UploadFile(ctx context.Context, bucket, key, path string) (string, error) {
	u.mu.Lock()
	u.calls++
	block, err := u.block, u.err
	u.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	u.bucket = bucket
	u.key = key
	u.content = content
	if u.objects == nil {
		u.objects = make(map[string][]byte)
	}
	u.objects[key] = content

	return fmt.Sprintf("s3://%s/%s", bucket, key), nil
}
