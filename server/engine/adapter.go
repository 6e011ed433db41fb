package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nkayisi/tm20-terminal/server/storage"
	"github.com/nkayisi/tm20-terminal/utils"
)

// Remote error kinds, handled distinctly by the engines.
const (
	ErrKindAuth        = `auth`
	ErrKindRateLimited = `rate_limited`
	ErrKindServer      = `server_error`
	ErrKindClient      = `client_error`
	ErrKindNetwork     = `network`
)

// RemoteError carries the classification the engines branch on.
type RemoteError struct {
	Kind       string
	Status     int
	RetryAfter time.Duration
	Msg        string
}

func (e *RemoteError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf(`%s (HTTP %d): %s`, e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf(`%s: %s`, e.Kind, e.Msg)
}

// Adapter is the generic REST client for one third-party back-office.
type Adapter struct {
	cfg    *storage.ThirdPartyConfig
	client *http.Client
}

func NewAdapter(cfg *storage.ThirdPartyConfig) *Adapter {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (a *Adapter) buildURL(endpoint string, params map[string]string) string {
	full := strings.TrimRight(a.cfg.BaseURL, `/`)
	if len(endpoint) > 0 {
		full += `/` + strings.TrimLeft(endpoint, `/`)
	}
	if len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, v)
		}
		full += `?` + q.Encode()
	}
	return full
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set(`Content-Type`, `application/json`)
	switch a.cfg.AuthType {
	case storage.AuthBearer:
		req.Header.Set(`Authorization`, `Bearer `+a.cfg.AuthToken)
	case storage.AuthAPIKey:
		name := a.cfg.AuthHeaderName
		if len(name) == 0 {
			name = `X-API-Key`
		}
		req.Header.Set(name, a.cfg.AuthToken)
	case storage.AuthBasic:
		// auth_token holds "user:pass"
		req.Header.Set(`Authorization`, `Basic `+base64.StdEncoding.EncodeToString([]byte(a.cfg.AuthToken)))
	}
	if len(a.cfg.ExtraHeaders) > 0 && a.cfg.ExtraHeaders != `{}` {
		extra := map[string]string{}
		if err := utils.JSON.UnmarshalFromString(a.cfg.ExtraHeaders, &extra); err == nil {
			for k, v := range extra {
				req.Header.Set(k, v)
			}
		}
	}
}

// checkStatus maps an HTTP outcome onto the error taxonomy. 2xx and
// 3xx pass.
func checkStatus(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &RemoteError{Kind: ErrKindAuth, Status: resp.StatusCode, Msg: `authentication rejected`}
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 60 * time.Second
		if secs, err := strconv.Atoi(resp.Header.Get(`Retry-After`)); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
		return &RemoteError{Kind: ErrKindRateLimited, Status: resp.StatusCode, RetryAfter: retryAfter, Msg: `rate limited`}
	case resp.StatusCode >= 500:
		return &RemoteError{Kind: ErrKindServer, Status: resp.StatusCode, Msg: truncate(string(body), 500)}
	default:
		return &RemoteError{Kind: ErrKindClient, Status: resp.StatusCode, Msg: truncate(string(body), 500)}
	}
}

func (a *Adapter) do(req *http.Request) (*http.Response, []byte, error) {
	a.setHeaders(req)
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, &RemoteError{Kind: ErrKindNetwork, Msg: err.Error()}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	return resp, body, nil
}

// TestConnection probes the users endpoint; any routable response
// short of an auth rejection or a server failure counts as reachable.
func (a *Adapter) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.buildURL(a.cfg.UsersEndpoint, nil), nil)
	if err != nil {
		return err
	}
	resp, body, err := a.do(req)
	if err != nil {
		return err
	}
	return checkStatus(resp, body)
}

// FetchUsers pulls the user list, tolerating the envelope variants
// the back-offices actually produce: a bare list, or a list under
// users/data/employees/items.
func (a *Adapter) FetchUsers(ctx context.Context, params map[string]string) ([]map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.buildURL(a.cfg.UsersEndpoint, params), nil)
	if err != nil {
		return nil, err
	}
	resp, body, err := a.do(req)
	if err != nil {
		return nil, err
	}
	if err = checkStatus(resp, body); err != nil {
		return nil, err
	}
	return parseUsersResponse(body)
}

var envelopeKeys = []string{`users`, `data`, `employees`, `items`}

func parseUsersResponse(body []byte) ([]map[string]any, error) {
	var root any
	if err := utils.JSON.Unmarshal(body, &root); err != nil {
		return nil, &RemoteError{Kind: ErrKindClient, Msg: `response is not JSON`}
	}
	var list []any
	switch v := root.(type) {
	case []any:
		list = v
	case map[string]any:
		for _, key := range envelopeKeys {
			if inner, ok := v[key].([]any); ok {
				list = inner
				break
			}
		}
		if list == nil {
			return nil, &RemoteError{Kind: ErrKindClient, Msg: `no user list in response envelope`}
		}
	default:
		return nil, &RemoteError{Kind: ErrKindClient, Msg: `unexpected response shape`}
	}
	users := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if entry, ok := item.(map[string]any); ok {
			users = append(users, entry)
		}
	}
	return users, nil
}

// SendAttendance posts one batch. Success is 200/201/202.
func (a *Adapter) SendAttendance(ctx context.Context, batch []map[string]any) error {
	payload := map[string]any{
		`attendance`: batch,
		`source`:     `tm20_biometric`,
		`timestamp`:  time.Now().UTC().Format(time.RFC3339),
		`count`:      len(batch),
	}
	body, err := utils.JSON.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.buildURL(a.cfg.AttendanceEndpoint, nil), bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, respBody, err := a.do(req)
	if err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return nil
	}
	if err = checkStatus(resp, respBody); err != nil {
		return err
	}
	// a 3xx is not a delivery
	return &RemoteError{Kind: ErrKindClient, Status: resp.StatusCode, Msg: `unexpected status`}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
