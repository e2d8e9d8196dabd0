// rest.go implements Client over the HTTP APIs the training services share:
// classifier create/update, status probe, classify, and delete. Each service
// differs in its payload contents, not in this surface, so one implementation
// configured with a backend name and base URL serves all of them.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/classml/classml/internal/db/models"
)

// RESTClient talks to one training service over HTTP.
type RESTClient struct {
	backendName string
	// baseURL is the fallback endpoint when a credential set carries no URL.
	baseURL string
	client  *http.Client
}

// NewRESTClient creates a client for one training service. requestTimeout is
// the fixed per-call timeout; once a submission is sent it cannot be
// recalled, only timed out.
func NewRESTClient(backendName, baseURL string, requestTimeout time.Duration) *RESTClient {
	return &RESTClient{
		backendName: backendName,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		client:      &http.Client{Timeout: requestTimeout},
	}
}

type trainResponse struct {
	ClassifierID string    `json:"classifier_id"`
	Status       string    `json:"status"`
	Created      time.Time `json:"created"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Train implements Client.
func (c *RESTClient) Train(ctx context.Context, creds *models.CredentialSet, classifierID string, req *TrainRequest) (*TrainResult, error) {
	body := map[string]any{
		"name":     req.Name,
		"language": req.Language,
		"labels":   req.Labels,
		"training": req.Payload,
	}

	method := http.MethodPost
	url := c.endpoint(creds, "/v1/classifiers")
	if classifierID != "" {
		method = http.MethodPut
		url = c.endpoint(creds, "/v1/classifiers/"+classifierID)
	}

	var resp trainResponse
	if err := c.do(ctx, creds, method, url, body, &resp); err != nil {
		return nil, err
	}

	created := resp.Created
	if created.IsZero() {
		created = time.Now()
	}
	return &TrainResult{
		ClassifierID: resp.ClassifierID,
		Status:       resp.Status,
		CreatedAt:    created,
	}, nil
}

// ProbeStatus implements Client.
func (c *RESTClient) ProbeStatus(ctx context.Context, creds *models.CredentialSet, classifierID string) (string, error) {
	var resp statusResponse
	err := c.do(ctx, creds, http.MethodGet, c.endpoint(creds, "/v1/classifiers/"+classifierID), nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Classify implements Client.
func (c *RESTClient) Classify(ctx context.Context, creds *models.CredentialSet, classifierID string, input string) ([]Classification, error) {
	body := map[string]any{"input": input}

	var resp struct {
		Classes []Classification `json:"classes"`
	}
	err := c.do(ctx, creds, http.MethodPost, c.endpoint(creds, "/v1/classifiers/"+classifierID+"/classify"), body, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Classes, nil
}

// Delete implements Client.
func (c *RESTClient) Delete(ctx context.Context, creds *models.CredentialSet, classifierID string) error {
	return c.do(ctx, creds, http.MethodDelete, c.endpoint(creds, "/v1/classifiers/"+classifierID), nil, nil)
}

// endpoint prefers the credential set's own URL; pooled credentials for
// region-sharded services each point at their own region.
func (c *RESTClient) endpoint(creds *models.CredentialSet, path string) string {
	base := c.baseURL
	if creds != nil && creds.URL != "" {
		base = strings.TrimSuffix(creds.URL, "/")
	}
	return base + path
}

// do runs one HTTP exchange and decodes either the success body into out or
// the error body into a typed *Error.
func (c *RESTClient) do(ctx context.Context, creds *models.CredentialSet, method, url string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s backend: encode request: %w", c.backendName, err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("%s backend: build request: %w", c.backendName, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req, creds)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s backend: %w", c.backendName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.decodeError(resp)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s backend: decode response: %w", c.backendName, err)
		}
	}
	return nil
}

// authorize applies the credential set's auth flavour to the request.
func (c *RESTClient) authorize(req *http.Request, creds *models.CredentialSet) {
	if creds == nil {
		return
	}
	switch creds.CredsType {
	case models.CredsTypeUserPass:
		req.SetBasicAuth(creds.Username, creds.Password)
	default:
		req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	}
}

// decodeError turns a non-2xx response into a typed *Error. Bodies that fail
// to parse still produce an Error carrying the status code, so the pool's
// status-code fallbacks apply.
func (c *RESTClient) decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var parsed errorResponse
	_ = json.Unmarshal(raw, &parsed)

	message := parsed.Message
	if message == "" {
		message = parsed.Error
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	return &Error{
		Backend:    c.backendName,
		StatusCode: resp.StatusCode,
		Code:       parsed.Code,
		Message:    message,
	}
}
