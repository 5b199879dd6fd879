package client

import (
	"context"
	"net/http"
)

func (c *Client) ListSchedules(ctx context.Context, id string) ([]Schedule, error) {
	var out []Schedule
	return out, c.do(ctx, http.MethodGet, serverPath(id, "schedules"), nil, nil, &out)
}

func (c *Client) GetSchedule(ctx context.Context, id, scheduleID string) (Schedule, error) {
	var out Schedule
	return out, c.do(ctx, http.MethodGet, serverPath(id, "schedules", scheduleID), nil, nil, &out)
}

func (c *Client) CreateSchedule(ctx context.Context, id string, rec Schedule) (Schedule, error) {
	var out Schedule
	return out, c.do(ctx, http.MethodPost, serverPath(id, "schedules"), nil, rec, &out)
}

func (c *Client) UpdateSchedule(ctx context.Context, id string, rec Schedule) (Schedule, error) {
	var out Schedule
	return out, c.do(ctx, http.MethodPut, serverPath(id, "schedules", rec.ID), nil, rec, &out)
}

func (c *Client) DeleteSchedule(ctx context.Context, id, scheduleID string) error {
	return c.do(ctx, http.MethodDelete, serverPath(id, "schedules", scheduleID), nil, nil, nil)
}

// EnableAutoBackup installs the two-hourly backup schedule.
func (c *Client) EnableAutoBackup(ctx context.Context, id string) (Schedule, error) {
	var out Schedule
	return out, c.do(ctx, http.MethodPost, serverPath(id, "schedules", "auto-backup"), nil, nil, &out)
}
