package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/trialsync/internal/syncerr"
)

type HTTPOptions struct {
	Client *http.Client
	// Timeout bounds a request when Client is nil.
	Timeout time.Duration
}

// HTTPSource makes exactly one request per call; retries are the caller's
// business.
type HTTPSource struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type deltaResponse struct {
	Records []Record `json:"records"`
}

func NewHTTPSource(baseURL, token string, opts HTTPOptions) *HTTPSource {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPSource{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: client,
	}
}

func (s *HTTPSource) BaseURL() string {
	return s.baseURL
}

func (s *HTTPSource) FetchDelta(ctx context.Context, table string, since int64, limit int) ([]Record, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out deltaResponse
	path := fmt.Sprintf("/v1/tables/%s/changes?%s", url.PathEscape(table), q.Encode())
	if err := s.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (s *HTTPSource) FetchOne(ctx context.Context, table, id string) (Record, error) {
	var out Record
	path := fmt.Sprintf("/v1/tables/%s/records/%s", url.PathEscape(table), url.PathEscape(id))
	if err := s.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return Record{}, err
	}
	if out.ID == "" {
		out.ID = id
	}
	return out, nil
}

func (s *HTTPSource) Push(ctx context.Context, table string, change Push) (Ack, error) {
	var out Ack
	path := fmt.Sprintf("/v1/tables/%s/records/%s", url.PathEscape(table), url.PathEscape(change.ID))
	err := s.doJSON(ctx, http.MethodPut, path, change, &out)
	if err != nil {
		if conflict, ok := err.(*ConflictError); ok {
			conflict.Table = table
			conflict.RecordID = change.ID
		}
		return Ack{}, err
	}
	return out, nil
}

func (s *HTTPSource) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return syncerr.New(syncerr.KindInvalidInput, method+" "+requestPath, err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+requestPath, bodyReader)
	if err != nil {
		return syncerr.New(syncerr.KindInvalidInput, method+" "+requestPath, err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	req.Header.Set("X-Correlation-Id", correlationID())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return syncerr.New(syncerr.KindNetworkUnavailable, method+" "+requestPath, err)
	}
	payloadBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return syncerr.New(syncerr.KindNetworkUnavailable, method+" "+requestPath, readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payloadBytes) == 0 {
			return nil
		}
		if err := json.Unmarshal(payloadBytes, out); err != nil {
			return syncerr.FromStatus(method+" "+requestPath, resp.StatusCode, fmt.Errorf("decode response: %w", err))
		}
		return nil
	}
	if resp.StatusCode == http.StatusConflict {
		return &ConflictError{}
	}
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payloadBytes, &errPayload)
	if errPayload.Message == "" {
		errPayload.Message = strings.TrimSpace(string(payloadBytes))
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
		Wait:       parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

func correlationID() string {
	return "sync_" + uuid.NewString()
}

func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := ts.Sub(now); delta > 0 {
			return delta
		}
	}
	return 0
}
