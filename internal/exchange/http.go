package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"
)

// restClient is the HTTP plumbing shared by every venue adapter. Signing is
// venue-specific and applied by the caller through headers/query before do.
type restClient struct {
	venue      string
	baseURL    string
	httpClient *http.Client
	// now is injectable so signing tests are deterministic.
	now func() time.Time
}

func newRESTClient(venue, baseURL string, timeout time.Duration) *restClient {
	return &restClient{
		venue:      venue,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// request describes one venue call.
type request struct {
	method  string
	path    string
	query   url.Values
	headers map[string]string
	body    []byte
}

// do executes the request and decodes the JSON response into out. Non-2xx
// statuses and transport failures become *APIError; venue-level error codes
// inside a 200 body are the adapter's job to detect.
func (c *restClient) do(ctx context.Context, req request, out interface{}) error {
	endpoint := c.baseURL + req.path
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}

	var body io.Reader
	if len(req.body) > 0 {
		body = bytes.NewReader(req.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, body)
	if err != nil {
		return &APIError{Venue: c.venue, Message: fmt.Sprintf("failed to build request: %v", err)}
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}
	if len(req.body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &APIError{Venue: c.venue, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Venue: c.venue, HTTPStatus: resp.StatusCode, Message: fmt.Sprintf("failed to read response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Venue: c.venue, HTTPStatus: resp.StatusCode, Message: string(respBody)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &APIError{Venue: c.venue, HTTPStatus: resp.StatusCode, Message: fmt.Sprintf("failed to parse response: %v", err)}
		}
	}
	return nil
}

// apiErr builds a venue-level error from a 200 response whose body signals
// failure.
func (c *restClient) apiErr(code, message string) *APIError {
	return &APIError{Venue: c.venue, HTTPStatus: http.StatusOK, VenueCode: code, Message: message}
}

// signHMACSHA256Hex signs payload with HMAC-SHA256, hex-encoded.
func signHMACSHA256Hex(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// signHMACSHA256Base64 signs payload with HMAC-SHA256, base64-encoded.
func signHMACSHA256Base64(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// signHMACSHA512Hex signs payload with HMAC-SHA512, hex-encoded.
func signHMACSHA512Hex(secret, payload string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalQuery renders params as a deterministic k=v&k=v string, sorted by
// key, without URL escaping surprises between signing and sending.
func canonicalQuery(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte('&')
		}
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(params.Get(k))
	}
	return buf.String()
}
