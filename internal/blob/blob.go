// Package blob talks to the asset host the posts' featured images live
// on. Uploads authenticate with a short-lived signed token minted by a
// serverless function; deletes go through a function as well, so the
// private API key never leaves the backend boundary.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/knowspace/knowspace/internal/functions"
)

// Asset is a stored file reference: the opaque ID used for deletes and
// the public URL documents embed.
type Asset struct {
	FileID string `json:"fileId"`
	URL    string `json:"url"`
}

// Upload is a pending upload: a file (or remote source downloaded into
// a reader) waiting to be pushed to the asset host.
type Upload struct {
	Name   string
	Reader io.Reader
}

type Store interface {
	Upload(ctx context.Context, name string, r io.Reader) (*Asset, error)
	Delete(ctx context.Context, fileID string) error
}

// authToken is the short-lived signed credential the auth function
// returns.
type authToken struct {
	Token     string `json:"token"`
	Expire    int64  `json:"expire"`
	Signature string `json:"signature"`
}

type Client struct {
	fns            *functions.Client
	uploadURL      string
	publicKey      string
	authFunction   string
	deleteFunction string
	http           *http.Client
}

func NewClient(fns *functions.Client, uploadURL, publicKey, authFunction, deleteFunction string) *Client {
	return &Client{
		fns:            fns,
		uploadURL:      uploadURL,
		publicKey:      publicKey,
		authFunction:   authFunction,
		deleteFunction: deleteFunction,
		http:           http.DefaultClient,
	}
}

// WithHTTPClient overrides the underlying HTTP client, for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

func (c *Client) fetchToken(ctx context.Context) (*authToken, error) {
	exec, err := c.fns.Execute(ctx, c.authFunction, "{}", false)
	if err != nil {
		return nil, fmt.Errorf("fetch upload token: %w", err)
	}
	var tok authToken
	if err := json.Unmarshal([]byte(exec.ResponseBody), &tok); err != nil {
		return nil, fmt.Errorf("decode upload token: %w", err)
	}
	return &tok, nil
}

func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (*Asset, error) {
	tok, err := c.fetchToken(ctx)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", name)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("read upload body: %w", err)
	}
	_ = form.WriteField("fileName", name)
	_ = form.WriteField("publicKey", c.publicKey)
	_ = form.WriteField("token", tok.Token)
	_ = form.WriteField("expire", strconv.FormatInt(tok.Expire, 10))
	_ = form.WriteField("signature", tok.Signature)
	if err := form.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("asset host returned %d: %s", resp.StatusCode, string(data))
	}

	var asset Asset
	if err := json.Unmarshal(data, &asset); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	if asset.FileID == "" {
		return nil, fmt.Errorf("asset host returned no file id")
	}
	return &asset, nil
}

func (c *Client) Delete(ctx context.Context, fileID string) error {
	body, _ := json.Marshal(map[string]string{"fileId": fileID})
	exec, err := c.fns.Execute(ctx, c.deleteFunction, string(body), false)
	if err != nil {
		return fmt.Errorf("delete asset %s: %w", fileID, err)
	}
	if exec.Status == functions.ExecutionFailed || exec.StatusCode >= 400 {
		return fmt.Errorf("delete asset %s: function returned %d: %s", fileID, exec.StatusCode, exec.ResponseBody)
	}
	return nil
}
