package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/Leafline/compliance-sync/worker"
)

// apiClient posts queued operations to the compliance API gateway as JSON.
// The gateway owns the authority's actual protocol, this client only moves
// the envelope. 4xx responses are semantic rejections, everything else is
// transient.
type apiClient struct {
	baseURL string
	hc      *http.Client
}

// newClientFromENV builds the client from COMPLIANCE_API_URL
func newClientFromENV() worker.Client {
	return &apiClient{
		baseURL: os.Getenv("COMPLIANCE_API_URL"),
		hc:      &http.Client{},
	}
}

type submitEnvelope struct {
	LicenseNumber  string          `json:"licenseNumber"`
	StateCode      string          `json:"stateCode"`
	Sandbox        bool            `json:"sandbox"`
	EntityType     string          `json:"entityType"`
	OperationType  string          `json:"operationType"`
	EntityID       string          `json:"entityId"`
	ExternalID     string          `json:"externalId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

type submitResponse struct {
	ExternalID    string `json:"externalId"`
	ExternalLabel string `json:"externalLabel"`
	ErrorCode     string `json:"errorCode"`
	ErrorMessage  string `json:"errorMessage"`
}

// Submit implements worker.Client
func (c *apiClient) Submit(ctx context.Context,
	req *worker.SubmitRequest) (*worker.SubmitResult, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("COMPLIANCE_API_URL is not set")
	}

	b, err := json.Marshal(&submitEnvelope{
		LicenseNumber:  req.LicenseNumber,
		StateCode:      req.StateCode,
		Sandbox:        req.Sandbox,
		EntityType:     req.EntityType,
		OperationType:  req.OperationType,
		EntityID:       req.EntityID,
		ExternalID:     req.ExternalID,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        json.RawMessage(req.Payload),
	})
	if err != nil {
		return nil, err
	}

	hr, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/submissions", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("X-Vendor-Key", req.VendorKeyEncrypted)
	hr.Header.Set("X-User-Key", req.UserKeyEncrypted)
	hr.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.hc.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var sr submitResponse
	if len(body) > 0 {
		// A non JSON body still surfaces through the APIError's response
		_ = json.Unmarshal(body, &sr)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &worker.SubmitResult{
			ExternalID:    sr.ExternalID,
			ExternalLabel: sr.ExternalLabel,
			ResponseBody:  string(body),
		}, nil
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		// Rate limits and timeouts are transient despite the 4xx class
		return nil, &worker.APIError{
			Message:      errMessage(sr.ErrorMessage, resp.Status),
			Code:         sr.ErrorCode,
			ResponseBody: string(body),
		}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &worker.APIError{
			Message:      errMessage(sr.ErrorMessage, resp.Status),
			Code:         sr.ErrorCode,
			ResponseBody: string(body),
			Semantic:     true,
		}
	default:
		return nil, &worker.APIError{
			Message:      errMessage(sr.ErrorMessage, resp.Status),
			Code:         sr.ErrorCode,
			ResponseBody: string(body),
		}
	}
}

func errMessage(msg, status string) string {
	if msg != "" {
		return msg
	}
	return status
}
