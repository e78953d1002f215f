// Package stockphoto proxies the stock-photo search API the editor's
// image picker browses with infinite scroll.
package stockphoto

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

type Photo struct {
	ID            int    `json:"id"`
	PageURL       string `json:"pageURL"`
	Tags          string `json:"tags"`
	PreviewURL    string `json:"previewURL"`
	WebformatURL  string `json:"webformatURL"`
	LargeImageURL string `json:"largeImageURL"`
	User          string `json:"user"`
	UserImageURL  string `json:"userImageURL"`
}

type Result struct {
	Total     int     `json:"total"`
	TotalHits int     `json:"totalHits"`
	Hits      []Photo `json:"hits"`
}

type Client struct {
	endpoint string
	key      string
	perPage  int
	http     *http.Client
}

func NewClient(endpoint, key string, perPage int) *Client {
	if perPage <= 0 {
		perPage = 20
	}
	return &Client{endpoint: endpoint, key: key, perPage: perPage, http: http.DefaultClient}
}

// WithHTTPClient overrides the underlying HTTP client, for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// Search fetches one page of photos. Page numbering starts at 1;
// category and order may be empty for the API defaults.
func (c *Client) Search(ctx context.Context, query, category, order string, page int) (*Result, error) {
	if page < 1 {
		page = 1
	}

	params := url.Values{}
	params.Set("key", c.key)
	params.Set("q", query)
	params.Set("image_type", "photo")
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(c.perPage))
	if category != "" {
		params.Set("category", category)
	}
	if order != "" {
		params.Set("order", order)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stock photo API returned %d: %s", resp.StatusCode, string(data))
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode stock photo response: %w", err)
	}
	return &result, nil
}

// HasMore reports whether another page exists after the given one.
func (c *Client) HasMore(result *Result, page int) bool {
	return result != nil && page*c.perPage < result.TotalHits
}

// Download fetches a chosen photo so it can be re-hosted on the asset
// store like a local file.
func (c *Client) Download(ctx context.Context, photoURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, photoURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download photo: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
