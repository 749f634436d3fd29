package store

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/chunkfusion/internal/errors"
)

func TestPageToken_RoundTrip(t *testing.T) {
	g := &Group{ID: "g-7", Name: "beta", CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 6, time.UTC)}

	for _, order := range []GroupOrder{OrderByCreatedAt, OrderByName} {
		token := EncodePageToken(CursorFor(g, order))

		c, err := DecodePageToken(token, order)
		require.NoError(t, err)
		assert.Equal(t, "g-7", c.ID)
		assert.Equal(t, GroupSortKey(g, order), c.Key)
	}
}

func TestPageToken_Rejects(t *testing.T) {
	valid := EncodePageToken(PageCursor{OrderBy: OrderByName, Key: "a", ID: "x"})

	tests := []struct {
		name  string
		token string
		order GroupOrder
	}{
		{"not base64", "***", OrderByName},
		{"not json", base64.RawURLEncoding.EncodeToString([]byte("nope")), OrderByName},
		{"missing id", EncodePageToken(PageCursor{OrderBy: OrderByName, Key: "a"}), OrderByName},
		{"other ordering", valid, OrderByCreatedAt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePageToken(tt.token, tt.order)
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeInvalidPageToken, errors.GetCode(err))
		})
	}
}

func TestFormatTime_SortsLexicographically(t *testing.T) {
	early := time.Date(2025, 1, 1, 0, 0, 0, 5, time.UTC)
	late := time.Date(2025, 1, 1, 0, 0, 0, 40, time.UTC)

	assert.Less(t, FormatTime(early), FormatTime(late))

	parsed, err := ParseTime(FormatTime(late))
	require.NoError(t, err)
	assert.True(t, late.Equal(parsed))
}

func TestNormalizeGroupQuery(t *testing.T) {
	q, err := NormalizeGroupQuery(GroupQuery{})
	require.NoError(t, err)
	assert.Equal(t, OrderByCreatedAt, q.OrderBy)
	assert.Equal(t, DefaultPageSize, q.PageSize)

	q, err = NormalizeGroupQuery(GroupQuery{PageSize: 5000})
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, q.PageSize)

	_, err = NormalizeGroupQuery(GroupQuery{OrderBy: "size"})
	assert.True(t, errors.IsInvalidArgument(err))

	_, err = NormalizeGroupQuery(GroupQuery{PageSize: -1})
	assert.True(t, errors.IsInvalidArgument(err))
}
