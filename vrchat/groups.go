package vrchat

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// LimitedGroup is the search-result shape of a VRChat group.
type LimitedGroup struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ShortCode     string `json:"shortCode"`
	Discriminator string `json:"discriminator"`
	OwnerID       string `json:"ownerId"`
	MemberCount   int    `json:"memberCount"`
}

// Shortcode returns the user-facing SHORT.1234 form reviews are keyed by.
func (g LimitedGroup) Shortcode() string {
	return g.ShortCode + "." + g.Discriminator
}

// SearchGroups searches groups by name or shortcode prefix.
func (c *Client) SearchGroups(ctx context.Context, token, query string, n int) ([]LimitedGroup, error) {
	if n <= 0 {
		n = 60
	}
	q := url.Values{}
	q.Set("query", query)
	q.Set("n", strconv.Itoa(n))
	var groups []LimitedGroup
	if err := c.getJSON(ctx, token, "/groups", q, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// FindGroupByShortcode resolves the exact SHORT.1234 identifier users type
// into chat commands. Returns nil when no search result matches exactly.
func (c *Client) FindGroupByShortcode(ctx context.Context, token, shortcode string) (*LimitedGroup, error) {
	code, _, ok := strings.Cut(shortcode, ".")
	if !ok || code == "" {
		return nil, fmt.Errorf("vrchat: malformed group shortcode %q", shortcode)
	}
	groups, err := c.SearchGroups(ctx, token, code, 60)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if strings.EqualFold(g.Shortcode(), shortcode) {
			return &g, nil
		}
	}
	return nil, nil
}
