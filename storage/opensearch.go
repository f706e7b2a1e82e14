package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/foresturquhart/searchexport/models"
	"github.com/foresturquhart/searchexport/search"
	"github.com/foresturquhart/searchexport/utils"
	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	requestsigner "github.com/opensearch-project/opensearch-go/v2/signer/awsv2"
	"github.com/rs/zerolog/log"
)

// Signing service names
const (
	ServiceServerless  = "aoss"
	ServiceProvisioned = "es"
)

// OpenSearch is a SearchClient backed by an OpenSearch domain or serverless collection
type OpenSearch struct {
	client *opensearch.Client
	config models.ClientConfig
}

// Ensure OpenSearch implements models.SearchClient
var _ models.SearchClient = (*OpenSearch)(nil)

// SigningService returns the SigV4 service name for an endpoint
func SigningService(endpoint string) string {
	host := endpoint
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		host = parsed.Host
	}
	if strings.Contains(host, ServiceServerless) {
		return ServiceServerless
	}
	return ServiceProvisioned
}

// NewOpenSearch creates and configures a new OpenSearch client. The connection is not
// verified here; use Probe for an advisory check.
func NewOpenSearch(cfg models.ClientConfig) (*OpenSearch, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: search endpoint is missing", utils.ErrInvalidInput)
	}

	// Retries are left to the exporter, which knows the fetch budget
	config := opensearch.Config{
		Addresses:    []string{cfg.Endpoint},
		DisableRetry: true,
	}

	// Sign requests whenever credentials are available
	if cfg.CredentialsProvider != nil {
		service := cfg.Service
		if service == "" {
			service = SigningService(cfg.Endpoint)
		}

		signer, err := requestsigner.NewSignerWithService(aws.Config{
			Region:      cfg.Region,
			Credentials: cfg.CredentialsProvider,
		}, service)
		if err != nil {
			return nil, fmt.Errorf("unable to create request signer: %w", err)
		}

		config.Signer = signer
	}

	client, err := opensearch.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("unable to create OpenSearch client: %w", err)
	}

	return &OpenSearch{client: client, config: cfg}, nil
}

func (o *OpenSearch) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.config.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.config.RequestTimeout)
}

// FetchPage runs one sorted search_after query against the index
func (o *OpenSearch) FetchPage(ctx context.Context, index string, pageSize int, cursor models.Cursor) (models.Page, error) {
	query, err := search.NewPageQuery(o.config.SortField, pageSize, cursor)
	if err != nil {
		return models.Page{}, err
	}

	body, err := query.Body()
	if err != nil {
		return models.Page{}, err
	}

	reqCtx, cancel := o.requestContext(ctx)
	defer cancel()

	req := opensearchapi.SearchRequest{
		Index: []string{index},
		Body:  bytes.NewReader(body),
	}

	res, err := req.Do(reqCtx, o.client)
	if err != nil {
		return models.Page{}, utils.TransportError(ctx, "search", err)
	}
	defer closeBody(res.Body)

	if res.IsError() {
		return models.Page{}, utils.ResponseError("search", res.StatusCode, res.Body)
	}

	page, err := search.DecodePage(res.Body)
	if err != nil {
		if errors.Is(err, utils.ErrOrderingViolation) {
			return models.Page{}, utils.Classify(models.ClassOrderingViolation, "search", err)
		}
		// A body cut short by the connection is worth another attempt
		return models.Page{}, utils.TransportError(ctx, "search", err)
	}

	return page, nil
}

// Count returns the number of documents in the index, or -1 when unavailable
func (o *OpenSearch) Count(ctx context.Context, index string) int64 {
	reqCtx, cancel := o.requestContext(ctx)
	defer cancel()

	res, err := opensearchapi.CountRequest{Index: []string{index}}.Do(reqCtx, o.client)
	if err != nil {
		log.Debug().Err(err).Str("index", index).Msg("Count request failed")
		return -1
	}
	defer closeBody(res.Body)

	if res.IsError() {
		log.Debug().Int("status", res.StatusCode).Str("index", index).Msg("Count request rejected")
		return -1
	}

	var body struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return -1
	}

	return body.Count
}

// IndexExists checks for the index. Serverless collections may refuse the check, in
// which case known is false.
func (o *OpenSearch) IndexExists(ctx context.Context, index string) (bool, bool) {
	reqCtx, cancel := o.requestContext(ctx)
	defer cancel()

	res, err := opensearchapi.IndicesExistsRequest{Index: []string{index}}.Do(reqCtx, o.client)
	if err != nil {
		return false, false
	}
	defer closeBody(res.Body)

	switch res.StatusCode {
	case http.StatusOK:
		return true, true
	case http.StatusNotFound:
		return false, true
	default:
		return false, false
	}
}

// Probe asks the root endpoint for cluster metadata and falls back to listing indices,
// which serverless collections answer even when the root returns 404.
func (o *OpenSearch) Probe(ctx context.Context) models.ProbeResult {
	infoCtx, cancel := o.requestContext(ctx)
	defer cancel()

	res, err := opensearchapi.InfoRequest{}.Do(infoCtx, o.client)
	if err == nil {
		defer closeBody(res.Body)

		if !res.IsError() {
			var info struct {
				ClusterName string `json:"cluster_name"`
				Version     struct {
					Number string `json:"number"`
				} `json:"version"`
			}
			if decodeErr := json.NewDecoder(res.Body).Decode(&info); decodeErr == nil {
				return models.ProbeResult{
					Status:  models.ProbeAvailable,
					Flavor:  "provisioned",
					Version: info.Version.Number,
					Cluster: info.ClusterName,
				}
			}
		}
		err = fmt.Errorf("root info returned status %d", res.StatusCode)
	}

	catCtx, catCancel := o.requestContext(ctx)
	defer catCancel()

	catRes, catErr := opensearchapi.CatIndicesRequest{Format: "json"}.Do(catCtx, o.client)
	if catErr == nil {
		defer closeBody(catRes.Body)

		if !catRes.IsError() {
			return models.ProbeResult{
				Status: models.ProbeMetadataUnavailable,
				Flavor: "serverless",
				Error:  err.Error(),
			}
		}
		catErr = fmt.Errorf("index listing returned status %d", catRes.StatusCode)
	}

	return models.ProbeResult{
		Status: models.ProbeUnreachable,
		Error:  fmt.Sprintf("%v; %v", err, catErr),
	}
}

func closeBody(body io.ReadCloser) {
	if body == nil {
		return
	}
	if err := body.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close OpenSearch response body")
	}
}
