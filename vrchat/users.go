package vrchat

import (
	"context"
	"net/url"
	"strconv"
)

// LimitedUser is the search-result shape of a VRChat user.
type LimitedUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Bio               string `json:"bio"`
	StatusDescription string `json:"statusDescription"`
}

// User is the full profile shape.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Bio         string `json:"bio"`
}

// SearchUsers searches users by display name.
func (c *Client) SearchUsers(ctx context.Context, token, query string, n int) ([]LimitedUser, error) {
	if n <= 0 {
		n = 10
	}
	q := url.Values{}
	q.Set("search", query)
	q.Set("n", strconv.Itoa(n))
	var users []LimitedUser
	if err := c.getJSON(ctx, token, "/users", q, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// GetUser fetches a user profile by id (usr_...).
func (c *Client) GetUser(ctx context.Context, token, userID string) (*User, error) {
	var user User
	if err := c.getJSON(ctx, token, "/users/"+url.PathEscape(userID), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}
