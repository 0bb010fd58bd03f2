/*
Copyright 2024 PixelMint Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"time"

	"github.com/pixelmint/pixelmint/internal/apierror"
)

// InsertWebhookEvent registers a delivery id if it has not been seen
// before. ON CONFLICT DO NOTHING turns the check-then-insert into a
// single atomic statement; zero affected rows means a duplicate.
func (d Datasource) InsertWebhookEvent(ctx context.Context, webhookID, processID string, ttlHours int) (bool, error) {
	now := time.Now()
	result, err := d.Conn.ExecContext(ctx,
		`INSERT INTO pixelmint.webhook_events (webhook_id, process_id, received_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (webhook_id) DO NOTHING`,
		webhookID, processID, now, now.Add(time.Duration(ttlHours)*time.Hour))
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to register webhook event", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to register webhook event", err)
	}
	return rows > 0, nil
}

// DeleteWebhookEvent removes a single guard row. Used when handling
// fails after the guard insert so the delivery can be retried.
func (d Datasource) DeleteWebhookEvent(ctx context.Context, webhookID string) error {
	_, err := d.Conn.ExecContext(ctx,
		`DELETE FROM pixelmint.webhook_events WHERE webhook_id = $1`, webhookID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to delete webhook event", err)
	}
	return nil
}

// DeleteExpiredWebhookEvents sweeps rows past their expiry and returns
// how many were removed.
func (d Datasource) DeleteExpiredWebhookEvents(ctx context.Context) (int64, error) {
	result, err := d.Conn.ExecContext(ctx,
		`DELETE FROM pixelmint.webhook_events WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "failed to sweep webhook events", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "failed to sweep webhook events", err)
	}
	return rows, nil
}
