package requestid

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

var uuidPattern = regexp.MustCompile(`^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`)

func TestGenerateRequestID(t *testing.T) {
	tests := []struct {
		name     string
		customID string
		pattern  string // empty expects a UUID
	}{
		{name: "empty returns UUID", customID: ""},
		{name: "only invalid characters returns UUID", customID: "@#$%^&*()"},
		{name: "simple", customID: "viewer-42", pattern: `^[a-f0-9]{5}-viewer-42$`},
		{name: "special characters dropped", customID: "page@3#tile!", pattern: `^[a-f0-9]{5}-page3tile$`},
		{name: "spaces become hyphens", customID: "open doc 7", pattern: `^[a-f0-9]{5}-open-doc-7$`},
		{name: "hyphen runs collapsed", customID: "a-----b", pattern: `^[a-f0-9]{5}-a-b$`},
		{name: "edge hyphens trimmed", customID: "---thumb---", pattern: `^[a-f0-9]{5}-thumb$`},
		{name: "truncated to max length", customID: strings.Repeat("a", 100), pattern: `^[a-f0-9]{5}-a{30}$`},
		{name: "case preserved", customID: "RenderJob", pattern: `^[a-f0-9]{5}-RenderJob$`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := GenerateRequestID(tt.customID)
			assert.LessOrEqual(t, len(id), MaxRequestIDLength)

			if tt.pattern == "" {
				assert.Regexp(t, uuidPattern, id)
			} else {
				assert.Regexp(t, tt.pattern, id)
			}
		})
	}
}

func TestGenerateRequestID_Uniqueness(t *testing.T) {
	// 16^5 prefixes; 100 draws keeps the collision chance well under 1%
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateRequestID("render")
		require.False(t, seen[id], "duplicate request ID %s", id)
		seen[id] = true
	}
}

func TestRandomPrefix(t *testing.T) {
	assert.Regexp(t, `^[a-f0-9]{5}$`, randomPrefix())
}

func TestFromRequest(t *testing.T) {
	t.Run("uses header", func(t *testing.T) {
		var ctx fasthttp.RequestCtx
		ctx.Request.Header.Set(Header, "client 9")

		id := FromRequest(&ctx)
		assert.Regexp(t, `^[a-f0-9]{5}-client-9$`, id)
		assert.Equal(t, id, string(ctx.Response.Header.Peek(Header)))
	})

	t.Run("generates when missing", func(t *testing.T) {
		var ctx fasthttp.RequestCtx

		id := FromRequest(&ctx)
		assert.Regexp(t, uuidPattern, id)
		assert.Equal(t, id, string(ctx.Response.Header.Peek(Header)))
	})
}
