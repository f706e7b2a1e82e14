package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"reflect"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/foresturquhart/searchexport/models"
	"github.com/foresturquhart/searchexport/utils"
	"github.com/rs/zerolog/log"
)

// State is the position of an Exporter in its pagination loop
type State string

// Exporter states
const (
	StateIdle     State = "idle"
	StateFetching State = "fetching"
	StateWriting  State = "writing"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

// Default retry settings for transient fetch failures
const (
	DefaultFetchRetries  = 3
	DefaultRetryInterval = 500 * time.Millisecond
	maxRetryInterval     = 10 * time.Second
)

// Progress is reported after every page that was fully written
type Progress struct {
	Index  string
	State  State
	Pages  int
	Count  int64
	Total  int64 // -1 when the index size is unknown
	Cursor models.Cursor
}

// Summary describes how far an export got. On failure it still reflects the last page
// that was completely written, so Cursor is safe to resume after.
type Summary struct {
	State  State
	Pages  int
	Count  int64
	Cursor models.Cursor
}

// Options tune a single Exporter
type Options struct {
	PageSize      int
	Retries       int           // extra attempts after a transient fetch failure
	RetryInterval time.Duration // first backoff interval
	Total         int64         // advisory document total for progress reports
	Progress      func(Progress)
}

// Exporter walks an index page by page and appends every document as one JSON line
type Exporter struct {
	client  models.SearchClient
	opts    Options
	metrics *exportMetrics

	state  State
	pages  int
	count  int64
	cursor models.Cursor
}

// NewExporter creates an exporter in the idle state
func NewExporter(client models.SearchClient, opts Options) *Exporter {
	if opts.PageSize <= 0 {
		opts.PageSize = models.DefaultPageSize
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}

	return &Exporter{
		client:  client,
		opts:    opts,
		metrics: newExportMetrics(),
		state:   StateIdle,
	}
}

// State returns the current state of the exporter
func (e *Exporter) State() State {
	return e.state
}

func (e *Exporter) summary() Summary {
	return Summary{
		State:  e.state,
		Pages:  e.pages,
		Count:  e.count,
		Cursor: e.cursor,
	}
}

// Export writes every document of index sorted after the given cursor to w, one per
// line. Each page is flushed, and synced when w supports it, before the next page is
// requested. The sort field must be a strict total order; a cursor that fails to
// advance stops the export with an ordering violation.
func (e *Exporter) Export(ctx context.Context, index string, after models.Cursor, w io.Writer) (Summary, error) {
	if e.state != StateIdle {
		return e.summary(), fmt.Errorf("%w: exporter already used", utils.ErrInvalidInput)
	}

	e.cursor = after
	bw := bufio.NewWriterSize(w, 64*1024)

	for {
		if err := ctx.Err(); err != nil {
			return e.fail(fmt.Errorf("export interrupted: %w", err))
		}

		e.state = StateFetching
		page, err := e.fetch(ctx, index)
		if err != nil {
			return e.fail(err)
		}

		if len(page.Documents) == 0 {
			e.state = StateDone
			log.Debug().Str("index", index).Int64("count", e.count).Int("pages", e.pages).Msg("Pagination complete")
			return e.summary(), nil
		}

		if err := checkAdvance(e.cursor, page.Next); err != nil {
			return e.fail(utils.Classify(models.ClassOrderingViolation, "advance cursor", err))
		}

		e.state = StateWriting
		if err := writePage(bw, w, page.Documents); err != nil {
			return e.fail(utils.Classify(models.ClassStorageWrite, "write page", err))
		}

		e.pages++
		e.count += int64(len(page.Documents))
		e.cursor = page.Next
		e.metrics.recordPage(ctx, index, len(page.Documents))

		if e.opts.Progress != nil {
			e.opts.Progress(Progress{
				Index:  index,
				State:  e.state,
				Pages:  e.pages,
				Count:  e.count,
				Total:  e.opts.Total,
				Cursor: e.cursor,
			})
		}
	}
}

func (e *Exporter) fail(err error) (Summary, error) {
	e.state = StateFailed
	return e.summary(), err
}

// fetch requests the next page, retrying transient failures with exponential backoff
func (e *Exporter) fetch(ctx context.Context, index string) (models.Page, error) {
	operation := func() (models.Page, error) {
		page, err := e.client.FetchPage(ctx, index, e.opts.PageSize, e.cursor)
		if err != nil {
			if ctx.Err() != nil || !utils.IsRetryable(err) {
				return page, backoff.Permanent(err)
			}
			return page, err
		}
		return page, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.opts.RetryInterval
	policy.MaxInterval = maxRetryInterval

	page, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(e.opts.Retries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			e.metrics.recordRetry(ctx, index)
			log.Warn().Err(err).Str("index", index).Dur("wait", wait).Msg("Page fetch failed, retrying")
		}),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		return models.Page{}, err
	}

	return page, nil
}

type syncer interface {
	Sync() error
}

func writePage(bw *bufio.Writer, w io.Writer, docs []models.Document) error {
	for _, doc := range docs {
		line := doc.Source
		if len(line) == 0 {
			line = json.RawMessage("{}")
		} else if bytes.ContainsAny(line, "\r\n") {
			var buf bytes.Buffer
			if err := json.Compact(&buf, line); err != nil {
				return fmt.Errorf("document %q is not valid JSON: %w", doc.ID, err)
			}
			line = buf.Bytes()
		}

		if _, err := bw.Write(line); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}

	if err := bw.Flush(); err != nil {
		return err
	}

	if s, ok := w.(syncer); ok {
		return s.Sync()
	}

	return nil
}

// checkAdvance rejects a next cursor that does not sort strictly after prev
func checkAdvance(prev, next models.Cursor) error {
	if len(next) == 0 {
		return fmt.Errorf("%w: page without a cursor", utils.ErrOrderingViolation)
	}
	if len(prev) == 0 {
		return nil
	}

	if cmp, ok := CompareCursors(next, prev); ok {
		if cmp <= 0 {
			return fmt.Errorf("%w: cursor %v does not advance past %v", utils.ErrOrderingViolation, next, prev)
		}
		return nil
	}

	if reflect.DeepEqual(next, prev) {
		return fmt.Errorf("%w: cursor %v repeated", utils.ErrOrderingViolation, next)
	}

	return nil
}

// CompareCursors orders two cursors element by element. ok is false when the values
// are not mutually comparable.
func CompareCursors(a, b models.Cursor) (int, bool) {
	for i := 0; i < len(a) && i < len(b); i++ {
		cmp, ok := compareValues(a[i], b[i])
		if !ok {
			return 0, false
		}
		if cmp != 0 {
			return cmp, true
		}
	}

	switch {
	case len(a) < len(b):
		return -1, true
	case len(a) > len(b):
		return 1, true
	default:
		return 0, true
	}
}

func compareValues(a, b any) (int, bool) {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}

	an, aok := numberValue(a)
	bn, bok := numberValue(b)
	if !aok || !bok {
		return 0, false
	}

	if an.small && bn.small {
		return compareInt(an.i, bn.i), true
	}
	return an.rat().Cmp(bn.rat()), true
}

// number holds a sort value exactly. Values outside int64, such as unsigned_long or
// fractional ones, are kept as rationals so distinct values never compare equal.
type number struct {
	i     int64
	small bool // i holds the value
	r     *big.Rat
}

func (n number) rat() *big.Rat {
	if n.small {
		return new(big.Rat).SetInt64(n.i)
	}
	return n.r
}

func numberValue(v any) (number, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return number{i: i, small: true}, true
		}
		r, ok := new(big.Rat).SetString(n.String())
		if !ok {
			return number{}, false
		}
		return number{r: r}, true
	case int:
		return number{i: int64(n), small: true}, true
	case int64:
		return number{i: n, small: true}, true
	case uint64:
		return number{r: new(big.Rat).SetInt(new(big.Int).SetUint64(n))}, true
	case float64:
		r := new(big.Rat).SetFloat64(n)
		if r == nil {
			return number{}, false
		}
		return number{r: r}, true
	default:
		return number{}, false
	}
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
