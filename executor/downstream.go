package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/storefront-ops/remedy/common"
	"github.com/storefront-ops/remedy/model"
)

// HTTPDownstreamConfig holds the platform remediation API settings.
type HTTPDownstreamConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// HTTPDownstream talks to the platform's remediation API. The action id
// travels as the idempotency key, so a retried request is a no-op on the
// platform side.
type HTTPDownstream struct {
	config HTTPDownstreamConfig
	http   *http.Client
}

// NewHTTPDownstream builds the platform client.
func NewHTTPDownstream(config HTTPDownstreamConfig) *HTTPDownstream {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &HTTPDownstream{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}
}

type actionRequest struct {
	ActionID   uuid.UUID     `json:"action_id"`
	Type       string        `json:"type"`
	Parameters model.JSONMap `json:"parameters,omitempty"`
	Rollback   model.JSONMap `json:"rollback,omitempty"`
}

// Execute applies the action on the platform.
func (d *HTTPDownstream) Execute(ctx context.Context, action *model.Action) (model.JSONMap, error) {
	req := actionRequest{
		ActionID:   action.ID,
		Type:       string(action.Type),
		Parameters: action.Parameters,
	}
	return d.post(ctx, d.config.BaseURL+"/v1/remediations", req)
}

// Lookup asks the platform for the prior result of an action.
func (d *HTTPDownstream) Lookup(ctx context.Context, actionID uuid.UUID) (model.JSONMap, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		d.config.BaseURL+"/v1/remediations/"+actionID.String(), nil)
	if err != nil {
		return nil, false, common.NewInputError("executor.Lookup", err.Error())
	}
	d.authorize(httpReq)

	resp, err := d.http.Do(httpReq)
	if err != nil {
		return nil, false, common.NewDependencyError("executor.Lookup", "platform request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, common.NewDependencyError("executor.Lookup",
			fmt.Sprintf("platform returned %d", resp.StatusCode), nil)
	}
	result, err := decodeResult(resp.Body)
	if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

// Rollback undoes a previously applied action using its rollback data.
func (d *HTTPDownstream) Rollback(ctx context.Context, action *model.Action) error {
	req := actionRequest{
		ActionID: action.ID,
		Type:     string(action.Type),
		Rollback: action.RollbackData,
	}
	_, err := d.post(ctx, d.config.BaseURL+"/v1/remediations/"+action.ID.String()+"/rollback", req)
	return err
}

func (d *HTTPDownstream) post(ctx context.Context, url string, payload actionRequest) (model.JSONMap, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, common.NewInputError("executor.post", err.Error())
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, common.NewInputError("executor.post", err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	d.authorize(httpReq)

	resp, err := d.http.Do(httpReq)
	if err != nil {
		return nil, common.NewDependencyError("executor.post", "platform request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, common.NewDependencyError("executor.post",
			fmt.Sprintf("platform returned %d", resp.StatusCode), nil)
	}
	return decodeResult(resp.Body)
}

func (d *HTTPDownstream) authorize(req *http.Request) {
	if d.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.config.Token)
	}
}

func decodeResult(r io.Reader) (model.JSONMap, error) {
	result := model.JSONMap{}
	if err := json.NewDecoder(r).Decode(&result); err != nil && err != io.EOF {
		return nil, common.NewDependencyError("executor.decodeResult",
			fmt.Sprintf("malformed platform response: %v", err), nil)
	}
	return result, nil
}
