package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/driftsync/internal/entity"
	"github.com/MarcoPoloResearchLab/driftsync/internal/syncerr"
	"go.uber.org/zap"
)

const (
	defaultCallTimeout = 15 * time.Second
	headerChangeID     = "X-Change-ID"
)

var (
	errMissingBaseURL     = errors.New("remote base url is required")
	errMissingTokenSource = errors.New("token source is required")
	noOpLogger            = zap.NewNop()
)

type pushRequestPayload struct {
	ChangeID  string     `json:"change_id"`
	Operation string     `json:"operation"`
	Entity    wireEntity `json:"entity"`
}

type wireEntity struct {
	LocalID     string  `json:"local_id"`
	ServerID    *string `json:"server_id,omitempty"`
	UpdatedAtMs int64   `json:"updated_at_ms"`
	PayloadJSON string  `json:"payload_json"`
	Deleted     bool    `json:"deleted,omitempty"`
}

type conflictResponsePayload struct {
	Remote RemoteEntity `json:"remote"`
}

type pullResponsePayload struct {
	Entities []RemoteEntity `json:"entities"`
}

// HTTPClientConfig describes the dependencies required to build an HTTPClient.
type HTTPClientConfig struct {
	BaseURL     string
	Tokens      TokenSource
	HTTPClient  *http.Client
	CallTimeout time.Duration
	Logger      *zap.Logger
}

// HTTPClient implements Client against the driftsync remote API. Every call
// carries a per-call timeout and a bearer token; failures are classified at
// this boundary, so callers only ever see syncerr values.
type HTTPClient struct {
	baseURL     string
	tokens      TokenSource
	httpClient  *http.Client
	callTimeout time.Duration
	logger      *zap.Logger
}

// NewHTTPClient validates the configuration and constructs an HTTPClient.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid remote base url: %w", err)
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokenSource
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &HTTPClient{
		baseURL:     base,
		tokens:      cfg.Tokens,
		httpClient:  httpClient,
		callTimeout: callTimeout,
		logger:      logger,
	}, nil
}

// Push sends one operation for one entity. On HTTP 409 the returned
// RemoteEntity holds the server's current copy and the error is classified as
// a conflict.
func (c *HTTPClient) Push(ctx context.Context, entityType entity.EntityType, operation entity.Operation, record entity.Entity, changeID string) (RemoteEntity, error) {
	payload := pushRequestPayload{
		ChangeID:  changeID,
		Operation: operation.String(),
		Entity: wireEntity{
			LocalID:     record.LocalID,
			ServerID:    record.ServerID,
			UpdatedAtMs: record.UpdatedAtMs,
			PayloadJSON: record.PayloadJSON,
			Deleted:     record.IsDeleted,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return RemoteEntity{}, syncerr.Wrap(syncerr.KindClient, "push payload encoding failed", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/v1/sync/%s/push", c.baseURL, url.PathEscape(entityType.String()))
	request, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return RemoteEntity{}, syncerr.Wrap(syncerr.KindClient, "push request construction failed", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(headerChangeID, changeID)
	if err := c.authorize(request); err != nil {
		return RemoteEntity{}, err
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return RemoteEntity{}, syncerr.Classify(err)
	}
	defer response.Body.Close() //nolint:errcheck

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return RemoteEntity{}, syncerr.Classify(err)
	}

	if response.StatusCode == http.StatusConflict {
		var conflict conflictResponsePayload
		if decodeErr := json.Unmarshal(responseBody, &conflict); decodeErr != nil {
			return RemoteEntity{}, syncerr.FromHTTPStatus(response.StatusCode, "", retryAfterHint(response))
		}
		return conflict.Remote, syncerr.FromHTTPStatus(response.StatusCode, "", retryAfterHint(response))
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return RemoteEntity{}, syncerr.FromHTTPStatus(response.StatusCode, strings.TrimSpace(string(responseBody)), retryAfterHint(response))
	}

	var remote RemoteEntity
	if err := json.Unmarshal(responseBody, &remote); err != nil {
		return RemoteEntity{}, syncerr.Wrap(syncerr.KindUnknown, "push response decoding failed", err)
	}
	return remote, nil
}

// Pull fetches remote entities of one type modified after sinceMs.
func (c *HTTPClient) Pull(ctx context.Context, entityType entity.EntityType, sinceMs int64) ([]RemoteEntity, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/v1/sync/%s/pull?since=%d", c.baseURL, url.PathEscape(entityType.String()), sinceMs)
	request, err := http.NewRequestWithContext(callCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindClient, "pull request construction failed", err)
	}
	if err := c.authorize(request); err != nil {
		return nil, err
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, syncerr.Classify(err)
	}
	defer response.Body.Close() //nolint:errcheck

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, 8<<20))
	if err != nil {
		return nil, syncerr.Classify(err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, syncerr.FromHTTPStatus(response.StatusCode, strings.TrimSpace(string(responseBody)), retryAfterHint(response))
	}

	var payload pullResponsePayload
	if err := json.Unmarshal(responseBody, &payload); err != nil {
		return nil, syncerr.Wrap(syncerr.KindUnknown, "pull response decoding failed", err)
	}
	return payload.Entities, nil
}

func (c *HTTPClient) authorize(request *http.Request) error {
	token, err := c.tokens.Token()
	if err != nil {
		return syncerr.Wrap(syncerr.KindAuthentication, "token acquisition failed", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func retryAfterHint(response *http.Response) time.Duration {
	raw := response.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
