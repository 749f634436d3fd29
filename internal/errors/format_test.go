package errors

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatForUser_BasicError(t *testing.T) {
	err := NotFound("group", "g1")

	result := FormatForUser(err, false)

	assert.Contains(t, result, `group "g1" not found`)
	assert.Contains(t, result, "[ERR_207_NOT_FOUND]")
	assert.NotContains(t, result, "kind:")
}

func TestFormatForUser_DebugIncludesDetails(t *testing.T) {
	err := StoreUnavailable("similarity_query", errors.New("dial tcp: refused")).
		WithSuggestion("Check that the database is reachable")

	result := FormatForUser(err, true)

	assert.Contains(t, result, "Suggestion: Check that the database is reachable")
	assert.Contains(t, result, "op: similarity_query")
	assert.Contains(t, result, "cause: dial tcp: refused")
}

func TestFormatForUser_StandardError(t *testing.T) {
	assert.Equal(t, "something went wrong", FormatForUser(errors.New("something went wrong"), false))
	assert.Empty(t, FormatForUser(nil, false))
}

func TestFormatJSON_BasicError(t *testing.T) {
	// Given: an error with details
	err := DimensionMismatch(768, 384).WithSuggestion("Re-embed with the group's model")

	// When: formatting as JSON
	data, jsonErr := FormatJSON(err)
	require.NoError(t, jsonErr)

	var result map[string]any
	require.NoError(t, json.Unmarshal(data, &result))

	// Then: contains expected fields
	assert.Equal(t, ErrCodeDimensionMismatch, result["code"])
	assert.Equal(t, string(CategoryValidation), result["category"])
	assert.Equal(t, string(SeverityError), result["severity"])
	assert.Equal(t, "Re-embed with the group's model", result["suggestion"])

	details, ok := result["details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "768", details["expected"])
}

func TestFormatJSON_StandardError(t *testing.T) {
	data, jsonErr := FormatJSON(errors.New("generic error"))
	require.NoError(t, jsonErr)

	var result map[string]any
	require.NoError(t, json.Unmarshal(data, &result))

	assert.Equal(t, ErrCodeInternal, result["code"])
	assert.Equal(t, "generic error", result["message"])
}

func TestFormatJSON_NilError(t *testing.T) {
	data, err := FormatJSON(nil)

	assert.NoError(t, err)
	assert.Equal(t, "null", strings.TrimSpace(string(data)))
}

func TestFormatForCLI_ShortFormat(t *testing.T) {
	err := InvalidArgument("page size must be positive").WithSuggestion("Pass --page-size 50")

	result := FormatForCLI(err)

	assert.Contains(t, result, "page size must be positive")
	assert.Contains(t, result, "Hint: Pass --page-size 50")
	assert.Contains(t, result, "ERR_401_INVALID_ARGUMENT")
	lines := strings.Split(strings.TrimSpace(result), "\n")
	assert.LessOrEqual(t, len(lines), 5)
}

func TestFormatForLog_IncludesDetails(t *testing.T) {
	fields := FormatForLog(NotFound("chunk", "c9"))

	assert.Equal(t, ErrCodeNotFound, fields["error_code"])
	assert.Equal(t, "chunk", fields["detail_kind"])
	assert.Equal(t, "c9", fields["detail_id"])
	assert.Equal(t, map[string]any{"error": "plain"}, FormatForLog(errors.New("plain")))
}
