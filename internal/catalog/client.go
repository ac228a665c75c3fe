// Package catalog talks to the remote content server: item metadata,
// download URL resolution and authenticated byte streams.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ZebulonRouseFrantzich/rombox/internal/credential"
	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"
	"github.com/ZebulonRouseFrantzich/rombox/internal/fetch"
	"github.com/ZebulonRouseFrantzich/rombox/internal/logging"
)

const (
	itemPath = "/api/roms/"

	// maxMetadataBytes bounds a metadata response body.
	maxMetadataBytes = 4 << 20
)

// Authenticator supplies bearer tokens. refresh forces a new session.
type Authenticator interface {
	Token(ctx context.Context, serverURL string, refresh bool) (string, error)
}

// Config configures a Client.
type Config struct {
	ServerURL string
	// Deferred allows an empty ServerURL; calls fail with NotConfigured
	// until SetServerURL is called.
	Deferred   bool
	Auth       Authenticator // nil sends no Authorization header
	HTTPClient *http.Client
	UserAgent  string
	Logger     logging.Logger
}

// Client is safe for concurrent use.
type Client struct {
	mu        sync.RWMutex
	base      string // scheme://host[:port][/path], no trailing slash
	serverKey string // normalized server URL used for credentials and sessions

	auth      Authenticator
	client    *http.Client
	userAgent string
	log       logging.Logger
}

// New creates a client. A missing or malformed ServerURL is InvalidArgument
// unless Deferred is set and the URL is empty.
func New(cfg Config) (*Client, error) {
	c := &Client{
		auth:      cfg.Auth,
		client:    cfg.HTTPClient,
		userAgent: cfg.UserAgent,
		log:       logging.OrNop(cfg.Logger),
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	if c.userAgent == "" {
		c.userAgent = fetch.DefaultUserAgent
	}
	if cfg.ServerURL == "" && cfg.Deferred {
		return c, nil
	}
	if err := c.SetServerURL(cfg.ServerURL); err != nil {
		return nil, err
	}
	return c, nil
}

// SetServerURL points the client at a server.
func (c *Client) SetServerURL(raw string) error {
	base, err := credential.BaseURL(raw)
	if err != nil {
		return err
	}
	key, err := credential.NormalizeServerURL(raw)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.base, c.serverKey = base, key
	c.mu.Unlock()
	return nil
}

// ServerURL returns the normalized server URL, or "" when unset.
func (c *Client) ServerURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverKey
}

func (c *Client) endpoint() (base, key string, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.base == "" {
		return "", "", fault.Newf(fault.NotConfigured, "catalog", "no server URL configured")
	}
	return c.base, c.serverKey, nil
}

// flexID accepts a JSON number or string.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a number or string: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

type itemResponse struct {
	ID           flexID `json:"id"`
	Name         string `json:"name"`
	FSName       string `json:"fs_name"`
	PlatformID   flexID `json:"platform_id"`
	PlatformSlug string `json:"platform_slug"`
	Size         int64  `json:"fs_size_bytes"`
	SHA256       string `json:"sha256_hash"`
	SHA1         string `json:"sha1_hash"`
	MD5          string `json:"md5_hash"`
	CRC          string `json:"crc_hash"`
	Multi        bool   `json:"multi"`
}

// ItemDetails is the metadata of one remote item.
type ItemDetails struct {
	ID           string
	Name         string
	FileName     string
	PlatformID   string
	PlatformSlug string
	Size         int64
	// Hash is the strongest digest the server reported, prefixed with its
	// algorithm ("sha256:…"), or empty when none was reported.
	Hash  string
	Multi bool
}

func (r itemResponse) details() *ItemDetails {
	d := &ItemDetails{
		ID:           string(r.ID),
		Name:         r.Name,
		FileName:     r.FSName,
		PlatformID:   string(r.PlatformID),
		PlatformSlug: r.PlatformSlug,
		Size:         r.Size,
		Multi:        r.Multi,
	}
	for _, h := range []struct {
		algo  fetch.Algorithm
		value string
	}{
		{fetch.SHA256, r.SHA256},
		{fetch.SHA1, r.SHA1},
		{fetch.MD5, r.MD5},
		{fetch.CRC32, r.CRC},
	} {
		if v := strings.TrimSpace(h.value); v != "" {
			if dg, err := fetch.ParseDigest(string(h.algo) + ":" + v); err == nil {
				d.Hash = dg.String()
				break
			}
		}
	}
	if d.Name == "" {
		d.Name = strings.TrimSuffix(d.FileName, pathExt(d.FileName))
	}
	return d
}

func pathExt(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[i:]
	}
	return ""
}

// GetItemDetails fetches metadata for a remote item.
func (c *Client) GetItemDetails(ctx context.Context, remoteItemID string) (*ItemDetails, error) {
	const op = "catalog.GetItemDetails"
	if strings.TrimSpace(remoteItemID) == "" {
		return nil, fault.Newf(fault.InvalidArgument, op, "remote item id is required")
	}
	base, key, err := c.endpoint()
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, op, key, base+itemPath+url.PathEscape(remoteItemID), 0)
	if err != nil {
		return nil, annotate(err, key, remoteItemID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(op, resp).WithItem(key, remoteItemID)
	}

	var item itemResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataBytes)).Decode(&item); err != nil {
		if fe := fault.FromContext(ctx, op, err); fe != nil {
			return nil, fe.WithItem(key, remoteItemID)
		}
		return nil, fault.New(fault.Transient, op, fmt.Errorf("decode item: %w", err)).WithItem(key, remoteItemID)
	}
	d := item.details()
	if d.ID == "" {
		d.ID = remoteItemID
	}
	c.log.Debug("fetched item details", "server", key, "item", remoteItemID, "name", d.Name, "hash", d.Hash != "")
	return d, nil
}

// ResolveDownloadURL returns the content URL for a remote item.
func (c *Client) ResolveDownloadURL(ctx context.Context, remoteItemID string) (string, error) {
	d, err := c.GetItemDetails(ctx, remoteItemID)
	if err != nil {
		return "", err
	}
	return c.DownloadURL(d)
}

// DownloadURL builds the content URL from already fetched details.
func (c *Client) DownloadURL(d *ItemDetails) (string, error) {
	base, key, err := c.endpoint()
	if err != nil {
		return "", err
	}
	if d.FileName == "" {
		return "", fault.Newf(fault.NotFound, "catalog.ResolveDownloadURL", "item has no downloadable file").WithItem(key, d.ID)
	}
	return base + itemPath + url.PathEscape(d.ID) + "/content/" + url.PathEscape(d.FileName), nil
}

// Open streams content from rawURL starting at offset. The bearer token is
// only attached when rawURL belongs to the configured server.
func (c *Client) Open(ctx context.Context, rawURL string, offset int64) (*fetch.Stream, error) {
	const op = "catalog.Open"
	base, key, err := c.endpoint()
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(rawURL, base+"/") {
		return (&fetch.HTTPSource{Client: c.client, UserAgent: c.userAgent}).Open(ctx, rawURL, offset)
	}

	resp, err := c.do(ctx, op, key, rawURL, offset)
	if err != nil {
		return nil, annotate(err, key, "")
	}
	stream, err := fetch.StreamFromResponse(resp, offset)
	if err != nil {
		resp.Body.Close()
		return nil, annotate(err, key, "")
	}
	return stream, nil
}

// do sends an authenticated GET, re-authenticating once on 401. A second
// 401 is returned as Unauthorized.
func (c *Client) do(ctx context.Context, op, key, rawURL string, offset int64) (*http.Response, error) {
	token, err := c.token(ctx, key, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, op, rawURL, token, offset)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || c.auth == nil {
		return resp, nil
	}
	resp.Body.Close()

	c.log.Debug("session rejected, re-authenticating", "server", key)
	token, err = c.token(ctx, key, true)
	if err != nil {
		return nil, err
	}
	resp, err = c.send(ctx, op, rawURL, token, offset)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, fault.Newf(fault.Unauthorized, op, "session rejected after re-authentication")
	}
	return resp, nil
}

func (c *Client) token(ctx context.Context, key string, refresh bool) (string, error) {
	if c.auth == nil {
		return "", nil
	}
	return c.auth.Token(ctx, key, refresh)
}

func (c *Client) send(ctx context.Context, op, rawURL, token string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fault.New(fault.InvalidArgument, op, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json, application/octet-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if fe := fault.FromContext(ctx, op, err); fe != nil {
			return nil, fe
		}
		return nil, fault.New(fault.Transient, op, err)
	}
	return resp, nil
}

func statusError(op string, resp *http.Response) *fault.Error {
	return &fault.Error{
		Kind:    fetch.StatusKind(resp.StatusCode),
		Op:      op,
		Message: fmt.Sprintf("HTTP %d", resp.StatusCode),
	}
}

func annotate(err error, serverURL, itemID string) error {
	return fault.As(err, fault.Transient, "catalog").WithItem(serverURL, itemID)
}
