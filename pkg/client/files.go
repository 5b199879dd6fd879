package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

func (c *Client) ListFiles(ctx context.Context, id, dir string) ([]FileEntry, error) {
	var out []FileEntry
	return out, c.do(ctx, http.MethodGet, serverPath(id, "files"), pathQuery(dir), nil, &out)
}

func (c *Client) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, serverPath(id, "files", "content"), pathQuery(path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.checkResponse(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) WriteFile(ctx context.Context, id, path string, data []byte) error {
	req, err := c.newRequest(ctx, http.MethodPut, serverPath(id, "files", "content"), pathQuery(path), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	return c.send(req, nil)
}

// Upload streams r to path and returns the number of bytes stored.
func (c *Client) Upload(ctx context.Context, id, path string, r io.Reader) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodPost, serverPath(id, "files", "upload"), pathQuery(path), r)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	var out bytesResponse
	resp, err := c.stream.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.checkResponse(resp); err != nil {
		return 0, err
	}
	if err := decodeJSON(resp.Body, &out); err != nil {
		return 0, err
	}
	return out.Bytes, nil
}

func (c *Client) Mkdir(ctx context.Context, id, path string) error {
	return c.do(ctx, http.MethodPost, serverPath(id, "files", "mkdir"), pathQuery(path), nil, nil)
}

func (c *Client) RemoveFile(ctx context.Context, id, path string) error {
	return c.do(ctx, http.MethodDelete, serverPath(id, "files"), pathQuery(path), nil, nil)
}

// Extract unpacks a zip archive already in the server directory into dest
// and returns the number of files written.
func (c *Client) Extract(ctx context.Context, id, archive, dest string) (int, error) {
	var out filesResponse
	err := c.do(ctx, http.MethodPost, serverPath(id, "files", "extract"), nil, extractRequest{Archive: archive, Dest: dest}, &out)
	return out.Files, err
}
