package search

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	elastic_search "github.com/elastic/go-elasticsearch/v8/typedapi/core/search"
	"github.com/elastic/go-elasticsearch/v8/typedapi/types"
	"github.com/elastic/go-elasticsearch/v8/typedapi/types/enums/sortorder"
	"github.com/foresturquhart/searchexport/models"
	"github.com/foresturquhart/searchexport/utils"
)

// PageQuery describes a single search_after page request over a whole index
type PageQuery struct {
	SortField string
	Size      int
	After     models.Cursor
}

// NewPageQuery validates the page parameters and fills in the default sort field
func NewPageQuery(sortField string, size int, after models.Cursor) (*PageQuery, error) {
	if size <= 0 || size > models.MaxPageSize {
		return nil, fmt.Errorf("%w: page size %d outside 1..%d", utils.ErrInvalidInput, size, models.MaxPageSize)
	}

	if sortField == "" {
		sortField = models.DefaultSortField
	}

	return &PageQuery{
		SortField: sortField,
		Size:      size,
		After:     after,
	}, nil
}

// Body returns the raw JSON request body
func (q *PageQuery) Body() ([]byte, error) {
	body := map[string]any{
		"size":  q.Size,
		"query": map[string]any{"match_all": map[string]any{}},
		"sort": []any{
			map[string]any{
				q.SortField: map[string]any{"order": "asc"},
			},
		},
		"track_total_hits": false,
	}

	// Never use from/size offsets: they stop working past the result window
	if len(q.After) > 0 {
		body["search_after"] = q.After
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error encoding page query: %w", err)
	}

	return payload, nil
}

// Request returns the equivalent typed Elasticsearch request
func (q *PageQuery) Request() *elastic_search.Request {
	sortDirection := sortorder.Asc

	req := &elastic_search.Request{
		Size:  utils.NewPointer(q.Size),
		Query: &types.Query{MatchAll: &types.MatchAllQuery{}},
		Sort: []types.SortCombinations{
			types.SortOptions{
				SortOptions: map[string]types.FieldSort{
					q.SortField: {
						Order: &sortDirection,
					},
				},
			},
		},
	}

	if len(q.After) > 0 {
		after := make([]types.FieldValue, len(q.After))
		for i, v := range q.After {
			after[i] = v
		}
		req.SearchAfter = after
	}

	return req
}

type pageResponse struct {
	Hits struct {
		Hits []models.Document `json:"hits"`
	} `json:"hits"`
}

// DecodePage reads a search response body into a Page. Sort values keep their exact
// JSON number representation so they can be sent back verbatim as search_after.
func DecodePage(r io.Reader) (models.Page, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var res pageResponse
	if err := dec.Decode(&res); err != nil {
		return models.Page{}, fmt.Errorf("error parsing search response: %w", err)
	}

	return pageFromDocuments(res.Hits.Hits)
}

func pageFromDocuments(docs []models.Document) (models.Page, error) {
	if len(docs) == 0 {
		return models.Page{}, nil
	}

	last := docs[len(docs)-1]
	if len(last.Sort) == 0 {
		return models.Page{}, fmt.Errorf("%w: hit %q carries no sort values", utils.ErrOrderingViolation, last.ID)
	}

	for i := range docs {
		if len(docs[i].Source) == 0 {
			// A hit without _source still has to produce one line
			docs[i].Source = json.RawMessage("{}")
		} else {
			docs[i].Source = compact(docs[i].Source)
		}
	}

	return models.Page{
		Documents: docs,
		Next:      append(models.Cursor(nil), last.Sort...),
	}, nil
}

// compact strips insignificant whitespace so every document fits on a single line
func compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
