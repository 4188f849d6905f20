package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/storefront-ops/remedy/breaker"
	"github.com/storefront-ops/remedy/common"
)

// maxResponseBytes bounds how much of an analyzer response is read.
const maxResponseBytes = 1 << 20

// ClientConfig holds the analyzer endpoint settings.
type ClientConfig struct {
	URL string
	// Timeout bounds one RPC attempt.
	Timeout time.Duration
	// MaxRetries bounds transient-error retries per Analyze call.
	MaxRetries uint64
}

// Client calls the analyzer over HTTP. Transient failures are retried
// with exponential backoff inside the circuit breaker; an open breaker
// fails the call immediately and the pipeline falls back.
type Client struct {
	config  ClientConfig
	http    *http.Client
	breaker *breaker.Breaker
	logger  *common.ContextLogger
}

// NewClient builds an analyzer client. br may be nil to run unguarded.
func NewClient(config ClientConfig, br *breaker.Breaker, logger *common.ContextLogger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 2
	}
	return &Client{
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		breaker: br,
		logger:  logger,
	}
}

// Analyze posts the signal batch and decodes the hypothesis. The caller
// decides what a failure means; this client only reports it.
func (c *Client) Analyze(ctx context.Context, req Request) (*Hypothesis, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, common.NewInputError("analyzer.Analyze", fmt.Sprintf("failed to encode request: %v", err))
	}

	var hyp *Hypothesis
	attempt := func(ctx context.Context) error {
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.config.MaxRetries), ctx)
		return backoff.Retry(func() error {
			h, err := c.post(ctx, body)
			if err != nil {
				return err
			}
			hyp = h
			return nil
		}, policy)
	}

	if c.breaker != nil {
		err = c.breaker.Do(ctx, attempt)
	} else {
		err = attempt(ctx)
	}
	if err != nil {
		return nil, err
	}
	return hyp, nil
}

func (c *Client) post(ctx context.Context, body []byte) (*Hypothesis, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(common.NewInputError("analyzer.Analyze", err.Error()))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, common.NewDependencyError("analyzer.Analyze", "analyzer request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, common.NewDependencyError("analyzer.Analyze", "failed to read analyzer response", err)
	}
	if resp.StatusCode >= 500 {
		return nil, common.NewDependencyError("analyzer.Analyze",
			fmt.Sprintf("analyzer returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(common.NewDependencyError("analyzer.Analyze",
			fmt.Sprintf("analyzer returned %d", resp.StatusCode), nil))
	}

	hyp := &Hypothesis{}
	if err := json.Unmarshal(raw, hyp); err != nil {
		return nil, backoff.Permanent(common.NewDependencyError("analyzer.Analyze",
			fmt.Sprintf("malformed analyzer response: %v", err), nil))
	}
	return hyp, nil
}
