package providerhttp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	htmlPolicyOnce sync.Once
	htmlPolicy     *bluemonday.Policy

	md = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)
)

func policy() *bluemonday.Policy {
	htmlPolicyOnce.Do(func() {
		htmlPolicy = bluemonday.UGCPolicy()
		htmlPolicy.AddTargetBlankToFullyQualifiedLinks(true)
	})
	return htmlPolicy
}

// SanitizeHTML strips scripts, event handlers and other unsafe markup from
// a provider-supplied HTML body before it is stored.
func SanitizeHTML(body string) string {
	if body == "" {
		return ""
	}
	return policy().Sanitize(body)
}

// RenderHTML converts a plain or markdown text body to sanitized HTML for
// providers that require an HTML part.
func RenderHTML(text string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("render body: %w", err)
	}
	return policy().Sanitize(buf.String()), nil
}

// DecodeBase64URL decodes base64url data with or without padding, as found
// in Gmail message parts.
func DecodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64url: %w", err)
	}
	return data, nil
}

// EncodeBase64URL encodes data as unpadded base64url.
func EncodeBase64URL(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}
