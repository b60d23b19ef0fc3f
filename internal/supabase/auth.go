package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ksred/supamigrate/internal/models"
)

// DefaultUsersPerPage is the admin API page size used by ListAllUsers
const DefaultUsersPerPage = 50

// CreateUserParams is the body of an admin user creation
type CreateUserParams struct {
	ID           string          `json:"id,omitempty"`
	Email        string          `json:"email,omitempty"`
	Phone        string          `json:"phone,omitempty"`
	EmailConfirm bool            `json:"email_confirm,omitempty"`
	PhoneConfirm bool            `json:"phone_confirm,omitempty"`
	UserMetadata json.RawMessage `json:"user_metadata,omitempty"`
	AppMetadata  json.RawMessage `json:"app_metadata,omitempty"`
}

// ListUsers returns one page of auth users, pages start at 1
func (c *Client) ListUsers(ctx context.Context, page, perPage int) ([]models.AuthUser, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))

	resp, err := c.do(ctx, http.MethodGet, c.endpoint(authPath+"admin/users", q), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Users []models.AuthUser `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode users: %w", err)
	}
	return body.Users, nil
}

// ListAllUsers pages through every auth user of the project
func (c *Client) ListAllUsers(ctx context.Context) ([]models.AuthUser, error) {
	var all []models.AuthUser
	for page := 1; ; page++ {
		users, err := c.ListUsers(ctx, page, DefaultUsersPerPage)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		all = append(all, users...)
		if len(users) < DefaultUsersPerPage {
			break
		}
	}
	return all, nil
}

// CreateUser creates an auth user through the admin API
func (c *Client) CreateUser(ctx context.Context, params CreateUserParams) (*models.AuthUser, error) {
	resp, err := c.do(ctx, http.MethodPost, c.endpoint(authPath+"admin/users", nil), params, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var user models.AuthUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode created user: %w", err)
	}
	return &user, nil
}

// ParamsFromUser builds creation params that preserve the user's id,
// confirmation state and metadata
func ParamsFromUser(u models.AuthUser) CreateUserParams {
	return CreateUserParams{
		ID:           u.ID,
		Email:        u.Email,
		Phone:        u.Phone,
		EmailConfirm: u.EmailConfirmedAt != nil,
		PhoneConfirm: u.PhoneConfirmedAt != nil,
		UserMetadata: u.UserMetadata,
		AppMetadata:  u.AppMetadata,
	}
}
