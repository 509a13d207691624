package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeDebug(t *testing.T) {
	long := strings.Repeat("x", maxDebugStringLen+10)
	in := map[string]any{
		"queries": []string{"vegan bakers", long},
		"request": map[string]any{
			"API_KEY":       "sk-123",
			"Authorization": "Bearer abc",
			"limit":         20,
		},
		"note": long,
	}

	out := SanitizeDebug(in)

	req := out["request"].(map[string]any)
	assert.Equal(t, redactedValue, req["API_KEY"])
	assert.Equal(t, redactedValue, req["Authorization"])
	assert.Equal(t, 20, req["limit"])

	queries := out["queries"].([]any)
	assert.Equal(t, "vegan bakers", queries[0])
	assert.True(t, strings.HasSuffix(queries[1].(string), truncatedSuffix))
	assert.Len(t, out["note"].(string), maxDebugStringLen+len(truncatedSuffix))

	assert.Equal(t, "sk-123", in["request"].(map[string]any)["API_KEY"], "input is not modified")
}

func TestSanitizeDebug_Empty(t *testing.T) {
	assert.Nil(t, SanitizeDebug(nil))
	assert.Nil(t, SanitizeDebug(map[string]any{}))
}

func TestCreatorProfile_Key(t *testing.T) {
	assert.Equal(t, "vegan_bakes", (&CreatorProfile{Account: " @Vegan_Bakes "}).Key())
	assert.Equal(t, "abc123", (&CreatorProfile{ID: "ABC123"}).Key())
}
