package client

import (
	"context"
	"io"
	"net/http"
)

func (c *Client) ListBackups(ctx context.Context, id string) ([]Backup, error) {
	var out []Backup
	return out, c.do(ctx, http.MethodGet, serverPath(id, "backups"), nil, nil, &out)
}

func (c *Client) CreateBackup(ctx context.Context, id, description string) (Backup, error) {
	var out Backup
	body, err := jsonBody(backupRequest{Description: description})
	if err != nil {
		return out, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, serverPath(id, "backups"), nil, body)
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	// archiving a large world outlives the unary timeout
	resp, err := c.stream.Do(req)
	if err != nil {
		return out, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.checkResponse(resp); err != nil {
		return out, err
	}
	return out, decodeJSON(resp.Body, &out)
}

func (c *Client) GetBackup(ctx context.Context, id, backupID string) (Backup, error) {
	var out Backup
	return out, c.do(ctx, http.MethodGet, serverPath(id, "backups", backupID), nil, nil, &out)
}

func (c *Client) UpdateBackup(ctx context.Context, id, backupID string, upd BackupUpdate) (Backup, error) {
	var out Backup
	return out, c.do(ctx, http.MethodPatch, serverPath(id, "backups", backupID), nil, upd, &out)
}

func (c *Client) DeleteBackup(ctx context.Context, id, backupID string) error {
	return c.do(ctx, http.MethodDelete, serverPath(id, "backups", backupID), nil, nil, nil)
}

func (c *Client) RestoreBackup(ctx context.Context, id, backupID string) (Runtime, error) {
	var out Runtime
	req, err := c.newRequest(ctx, http.MethodPost, serverPath(id, "backups", backupID, "restore"), nil, nil)
	if err != nil {
		return out, err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return out, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.checkResponse(resp); err != nil {
		return out, err
	}
	return out, decodeJSON(resp.Body, &out)
}

// DownloadBackup copies the archive to w.
func (c *Client) DownloadBackup(ctx context.Context, id, backupID string, w io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, serverPath(id, "backups", backupID, "download"), nil, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.checkResponse(resp); err != nil {
		return 0, err
	}
	return io.Copy(w, resp.Body)
}

// BackupUsage is the total archive size for a server in bytes.
func (c *Client) BackupUsage(ctx context.Context, id string) (int64, error) {
	var out bytesResponse
	err := c.do(ctx, http.MethodGet, serverPath(id, "backup-usage"), nil, nil, &out)
	return out.Bytes, err
}
