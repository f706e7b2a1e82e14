package elastic

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/foresturquhart/searchexport/models"
	"github.com/foresturquhart/searchexport/search"
	"github.com/foresturquhart/searchexport/utils"
	"github.com/rs/zerolog/log"
)

// Elastic is a SearchClient backed by an Elasticsearch cluster
type Elastic struct {
	client *elasticsearch.TypedClient
	config models.ClientConfig
}

// Ensure Elastic implements models.SearchClient
var _ models.SearchClient = (*Elastic)(nil)

// NewElastic creates and configures a new Elasticsearch client
func NewElastic(cfg models.ClientConfig) (*Elastic, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: search endpoint is missing", utils.ErrInvalidInput)
	}

	config := elasticsearch.Config{
		Addresses:    []string{cfg.Endpoint},
		APIKey:       cfg.APIKey,
		DisableRetry: true,
	}

	client, err := elasticsearch.NewTypedClient(config)
	if err != nil {
		return nil, fmt.Errorf("unable to create Elasticsearch client: %w", err)
	}

	return &Elastic{client: client, config: cfg}, nil
}

func (e *Elastic) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.config.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.config.RequestTimeout)
}

// FetchPage runs one sorted search_after query against the index
func (e *Elastic) FetchPage(ctx context.Context, index string, pageSize int, cursor models.Cursor) (models.Page, error) {
	query, err := search.NewPageQuery(e.config.SortField, pageSize, cursor)
	if err != nil {
		return models.Page{}, err
	}

	reqCtx, cancel := e.requestContext(ctx)
	defer cancel()

	// Perform instead of Do so sort values are decoded without float rounding
	res, err := e.client.Search().Index(index).Request(query.Request()).Perform(reqCtx)
	if err != nil {
		return models.Page{}, utils.TransportError(ctx, "search", err)
	}

	defer func() {
		if closeErr := res.Body.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("Failed to close Elasticsearch response body")
		}
	}()

	if res.StatusCode >= 300 {
		return models.Page{}, utils.ResponseError("search", res.StatusCode, res.Body)
	}

	page, err := search.DecodePage(res.Body)
	if err != nil {
		if errors.Is(err, utils.ErrOrderingViolation) {
			return models.Page{}, utils.Classify(models.ClassOrderingViolation, "search", err)
		}
		return models.Page{}, utils.TransportError(ctx, "search", err)
	}

	return page, nil
}

// Count returns the number of documents in the index, or -1 when unavailable
func (e *Elastic) Count(ctx context.Context, index string) int64 {
	reqCtx, cancel := e.requestContext(ctx)
	defer cancel()

	res, err := e.client.Count().Index(index).Do(reqCtx)
	if err != nil {
		log.Debug().Err(err).Str("index", index).Msg("Count request failed")
		return -1
	}

	return res.Count
}

// IndexExists checks for the index
func (e *Elastic) IndexExists(ctx context.Context, index string) (bool, bool) {
	reqCtx, cancel := e.requestContext(ctx)
	defer cancel()

	exists, err := e.client.Indices.Exists(index).Do(reqCtx)
	if err != nil {
		return false, false
	}

	return exists, true
}

// Probe reads cluster metadata from the root endpoint
func (e *Elastic) Probe(ctx context.Context) models.ProbeResult {
	reqCtx, cancel := e.requestContext(ctx)
	defer cancel()

	info, err := e.client.Info().Do(reqCtx)
	if err == nil {
		return models.ProbeResult{
			Status:  models.ProbeAvailable,
			Flavor:  "elasticsearch",
			Version: info.Version.Int,
			Cluster: info.ClusterName,
		}
	}

	catCtx, catCancel := e.requestContext(ctx)
	defer catCancel()

	res, catErr := e.client.Cat.Indices().Perform(catCtx)
	if catErr == nil {
		defer res.Body.Close()

		if res.StatusCode == http.StatusOK {
			return models.ProbeResult{
				Status: models.ProbeMetadataUnavailable,
				Flavor: "elasticsearch",
				Error:  err.Error(),
			}
		}
		catErr = fmt.Errorf("index listing returned status %d", res.StatusCode)
	}

	return models.ProbeResult{
		Status: models.ProbeUnreachable,
		Error:  fmt.Sprintf("%v; %v", err, catErr),
	}
}
