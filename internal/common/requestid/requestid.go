package requestid

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// Header carries the request ID on requests and responses
const Header = "X-Request-ID"

const (
	// MaxRequestIDLength matches the UUID string length
	MaxRequestIDLength = 36
	PrefixLength       = 5
	// MaxCustomIDLength leaves room for the prefix and its hyphen
	MaxCustomIDLength = MaxRequestIDLength - PrefixLength - 1
)

var (
	invalidChars       = regexp.MustCompile(`[^a-zA-Z0-9-]+`)
	consecutiveHyphens = regexp.MustCompile(`-+`)
)

// GenerateRequestID returns a UUID, or "{5 random hex}-{sanitized customID}"
// when customID has any usable characters. Result is at most 36 characters.
func GenerateRequestID(customID string) string {
	sanitized := invalidChars.ReplaceAllString(strings.ReplaceAll(customID, " ", "-"), "")
	sanitized = strings.Trim(consecutiveHyphens.ReplaceAllString(sanitized, "-"), "-")

	if sanitized == "" {
		return uuid.New().String()
	}
	if len(sanitized) > MaxCustomIDLength {
		sanitized = sanitized[:MaxCustomIDLength]
	}
	return randomPrefix() + "-" + sanitized
}

// FromRequest derives the ID for a request from its X-Request-ID header and
// echoes it on the response
func FromRequest(ctx *fasthttp.RequestCtx) string {
	id := GenerateRequestID(string(ctx.Request.Header.Peek(Header)))
	ctx.Response.Header.Set(Header, id)
	return id
}

func randomPrefix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return uuid.New().String()[:PrefixLength]
	}
	return hex.EncodeToString(b)[:PrefixLength]
}
