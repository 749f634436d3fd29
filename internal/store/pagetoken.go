package store

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/Aman-CERP/chunkfusion/internal/errors"
)

// PageCursor is the position after which the next page starts: the sort key
// and id of the last group returned.
type PageCursor struct {
	OrderBy GroupOrder `json:"o"`
	Key     string     `json:"k"`
	ID      string     `json:"i"`
}

// EncodePageToken renders a cursor as an opaque URL-safe token.
func EncodePageToken(c PageCursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodePageToken parses a token issued for orderBy. Tokens that are malformed
// or were issued under a different ordering fail with InvalidPageToken.
func DecodePageToken(token string, orderBy GroupOrder) (PageCursor, error) {
	var c PageCursor
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return c, errors.InvalidPageToken("not base64url")
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, errors.InvalidPageToken("malformed payload")
	}
	if c.ID == "" {
		return c, errors.InvalidPageToken("missing position")
	}
	if c.OrderBy != orderBy {
		return c, errors.InvalidPageToken("issued for order " + string(c.OrderBy))
	}
	return c, nil
}

// GroupSortKey returns the primary sort key of g under order.
func GroupSortKey(g *Group, order GroupOrder) string {
	if order == OrderByName {
		return g.Name
	}
	return FormatTime(g.CreatedAt)
}

// CursorFor returns the cursor positioned at g.
func CursorFor(g *Group, order GroupOrder) PageCursor {
	return PageCursor{OrderBy: order, Key: GroupSortKey(g, order), ID: g.ID}
}

// FormatTime renders t in a fixed-width UTC form that sorts lexicographically.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse("2006-01-02T15:04:05.000000000Z", s)
}

// NormalizeGroupQuery applies listing defaults.
func NormalizeGroupQuery(q GroupQuery) (GroupQuery, error) {
	switch q.OrderBy {
	case "":
		q.OrderBy = OrderByCreatedAt
	case OrderByCreatedAt, OrderByName:
	default:
		return q, errors.InvalidArgument("unknown group order " + string(q.OrderBy))
	}
	if q.PageSize < 0 {
		return q, errors.InvalidArgument("page size must not be negative")
	}
	if q.PageSize == 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	return q, nil
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 1000
)
