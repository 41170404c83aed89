// internal/clients/membership_client.go
package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"bookwise/internal/membership"

	"github.com/google/uuid"
)

// MembershipClient is a membership.Directory backed by the identity
// subsystem's HTTP API.
type MembershipClient struct {
	baseURL string
	caller  *caller
}

func NewMembershipClient(baseURL string, timeout time.Duration) *MembershipClient {
	return &MembershipClient{baseURL: baseURL, caller: newCaller("membership", timeout)}
}

var _ membership.Directory = (*MembershipClient)(nil)

type memberResponse struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
}

func (c *MembershipClient) GetMember(ctx context.Context, id uuid.UUID) (membership.Member, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/members/%s", c.baseURL, id), nil)
	if err != nil {
		return membership.Member{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.caller.do(req)
	if err != nil {
		return membership.Member{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return membership.Member{}, membership.ErrMemberNotFound
	default:
		return membership.Member{}, fmt.Errorf("get member %s: unexpected status code: %d", id, resp.StatusCode)
	}

	var body memberResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return membership.Member{}, fmt.Errorf("decode member %s: %w", id, err)
	}
	return membership.Member{ID: id, Standing: membership.StandingFromStatus(body.Status)}, nil
}
