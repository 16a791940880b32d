package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/modaworks/tryon/internal/tryon"
)

const defaultGenerateTimeout = 5 * time.Minute

// HTTPGenerator calls an external generation endpoint. The endpoint
// receives the job params verbatim and answers with image references.
type HTTPGenerator struct {
	endpoint string
	client   *http.Client
}

// NewHTTPGenerator wires an HTTPGenerator.
func NewHTTPGenerator(endpoint string, client *http.Client) (*HTTPGenerator, error) {
	if endpoint == "" {
		return nil, errors.New("worker: generation endpoint is required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultGenerateTimeout}
	}
	return &HTTPGenerator{endpoint: endpoint, client: client}, nil
}

type generateResponse struct {
	ImageRefs      []string `json:"image_refs"`
	CostCredits    int64    `json:"cost_credits"`
	DurationMillis int64    `json:"duration_millis"`
}

// Generate posts the params and decodes the generation result.
func (generator *HTTPGenerator) Generate(ctx context.Context, params tryon.Params) (tryon.Result, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return tryon.Result{}, fmt.Errorf("encode params: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, generator.endpoint, bytes.NewReader(payload))
	if err != nil {
		return tryon.Result{}, err
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := generator.client.Do(request)
	if err != nil {
		return tryon.Result{}, fmt.Errorf("generation call: %w", err)
	}
	defer func() { _ = response.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return tryon.Result{}, fmt.Errorf("read generation response: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		return tryon.Result{}, fmt.Errorf("generation returned %d: %s", response.StatusCode, bytes.TrimSpace(body))
	}
	var decoded generateResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return tryon.Result{}, fmt.Errorf("decode generation response: %w", err)
	}
	if len(decoded.ImageRefs) == 0 {
		return tryon.Result{}, errors.New("generation produced no images")
	}
	return tryon.Result{
		ImageRefs:      decoded.ImageRefs,
		CostCredits:    decoded.CostCredits,
		DurationMillis: decoded.DurationMillis,
	}, nil
}
