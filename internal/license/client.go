// Package license talks to the remote license service: it fetches the
// application certificate and exchanges key-request messages for content
// key responses.
package license

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cesargomez89/offlinevault/internal/constants"
	"github.com/cesargomez89/offlinevault/internal/domain"
	"github.com/cesargomez89/offlinevault/internal/httpclient"
	"github.com/cesargomez89/offlinevault/internal/logger"
)

// Request carries everything one license call needs.
type Request struct {
	AssetID     string
	AccessToken string
	ContentID   string
	Message     []byte
	Persistable bool
}

type Response struct {
	ValidUntil *time.Time
	Key        []byte
}

type requestBody struct {
	SPC     string `json:"spc"`
	AssetID string `json:"assetId"`
}

type Cache interface {
	GetCache(ctx context.Context, key string) ([]byte, error)
	SetCache(ctx context.Context, key string, data []byte, ttl time.Duration) error
	DeleteCache(ctx context.Context, key string) error
}

type Client struct {
	http           *httpclient.Client
	cache          Cache
	logger         *logger.Logger
	baseURL        string
	certificateURL string
	certTTL        time.Duration
	group          singleflight.Group
}

// NewClient builds a license client. cache may be nil, in which case the
// certificate is fetched on every call that is not already in flight.
func NewClient(baseURL, certificateURL string, hc *httpclient.Client, cache Cache, log *logger.Logger) *Client {
	if hc == nil {
		hc = httpclient.NewClient(nil, constants.DefaultRequestGap)
	}
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		http:           hc,
		cache:          cache,
		logger:         log.WithComponent("license"),
		baseURL:        strings.TrimRight(baseURL, "/"),
		certificateURL: certificateURL,
		certTTL:        constants.DefaultCertificateTTL,
	}
}

// LicenseURL builds the endpoint for one asset.
func (c *Client) LicenseURL(assetID, accessToken string, persistable bool) string {
	q := url.Values{}
	q.Set("access_token", accessToken)
	q.Set("drm_type", constants.DRMTypeFairPlay)
	q.Set("download", strconv.FormatBool(persistable))
	return c.baseURL + fmt.Sprintf(constants.LicensePathFormat, url.PathEscape(assetID)) + "?" + q.Encode()
}

// RequestLicense sends one key-request message. It never retries; every
// failure is a *domain.LicenseServiceError. A rejected request drops the
// cached certificate so the next message is built from a fresh one.
func (c *Client) RequestLicense(ctx context.Context, req Request) (*Response, error) {
	fail := func(status int, retryAfter time.Duration, err error) error {
		return &domain.LicenseServiceError{
			ContentID:  req.ContentID,
			StatusCode: status,
			RetryAfter: retryAfter,
			Err:        err,
		}
	}

	body, err := json.Marshal(requestBody{
		SPC:     base64.StdEncoding.EncodeToString(req.Message),
		AssetID: req.ContentID,
	})
	if err != nil {
		return nil, fail(0, 0, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.LicenseURL(req.AssetID, req.AccessToken, req.Persistable), bytes.NewReader(body))
	if err != nil {
		return nil, fail(0, 0, err)
	}
	httpReq.Header.Set("Content-Type", constants.MimeTypeJSON)

	resp, err := c.http.Do(ctx, httpReq)
	if err != nil {
		return nil, fail(0, 0, err)
	}
	defer resp.Body.Close() //nolint:errcheck // deferred cleanup

	data, err := io.ReadAll(io.LimitReader(resp.Body, constants.MaxLicenseResponseSize))
	if err != nil {
		return nil, fail(resp.StatusCode, 0, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		if rejected(resp.StatusCode) {
			c.forgetCertificate(ctx)
		}
		return nil, fail(resp.StatusCode, httpclient.ParseRetryAfter(resp), errors.New(msg))
	}
	if len(data) == 0 {
		return nil, fail(resp.StatusCode, 0, errors.New("empty license response"))
	}

	out := &Response{Key: data}
	if v := resp.Header.Get(constants.HeaderLicenseValidity); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			out.ValidUntil = &t
		}
	}
	return out, nil
}

func rejected(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}

func (c *Client) forgetCertificate(ctx context.Context) {
	if c.cache == nil {
		return
	}
	if err := c.cache.DeleteCache(context.WithoutCancel(ctx), constants.CertificateCacheKey); err != nil {
		c.logger.Warn("Failed to drop cached certificate", "error", err)
	}
}

// Certificate returns the application certificate, cached for a day and
// fetched at most once at a time.
func (c *Client) Certificate(ctx context.Context) ([]byte, error) {
	if c.cache != nil {
		data, err := c.cache.GetCache(ctx, constants.CertificateCacheKey)
		if err == nil && data != nil {
			return data, nil
		}
	}

	v, err, _ := c.group.Do(constants.CertificateCacheKey, func() (any, error) {
		return c.fetchCertificate(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Client) fetchCertificate(ctx context.Context) ([]byte, error) {
	fail := func(status int, err error) error {
		return &domain.LicenseServiceError{StatusCode: status, Err: fmt.Errorf("certificate: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.certificateURL, nil)
	if err != nil {
		return nil, fail(0, err)
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, fail(0, err)
	}
	defer resp.Body.Close() //nolint:errcheck // deferred cleanup

	if resp.StatusCode != http.StatusOK {
		return nil, fail(resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, constants.MaxLicenseResponseSize))
	if err != nil {
		return nil, fail(resp.StatusCode, err)
	}
	if len(data) == 0 {
		return nil, fail(resp.StatusCode, errors.New("empty certificate"))
	}

	if c.cache != nil {
		_ = c.cache.SetCache(ctx, constants.CertificateCacheKey, data, c.certTTL)
	}
	return data, nil
}
