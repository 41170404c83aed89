// internal/clients/notification_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"bookwise/internal/circulation"
)

// NotificationClient posts overdue events to the notification workflow's
// webhook. The loan id is sent as Idempotency-Key so the receiver can drop
// redeliveries.
type NotificationClient struct {
	url    string
	caller *caller
}

func NewNotificationClient(url string, timeout time.Duration) *NotificationClient {
	return &NotificationClient{url: url, caller: newCaller("overdue-webhook", timeout)}
}

var _ circulation.OverdueNotifier = (*NotificationClient)(nil)

func (c *NotificationClient) NotifyOverdue(ctx context.Context, event circulation.OverdueEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(circulation.IdempotencyHeader, "overdue:"+event.LoanID.String())

	resp, err := c.caller.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("notify overdue %s: unexpected status code: %d", event.LoanID, resp.StatusCode)
	}
	return nil
}
