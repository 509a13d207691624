package enrich

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// CleanText strips markup the provider leaves in bios and captions and
// collapses whitespace. Plain text passes through unchanged apart from spacing.
func CleanText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.Join(strings.Fields(s), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.Join(strings.Fields(s), " ")
	}
	doc.Find("script, style, noscript").Remove()
	doc.Find("br").ReplaceWithHtml(" ")
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// CanonicalURL returns the normalized profile URL of an Instagram or TikTok
// profile, or "" when the URL is not one.
func CanonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Host)
	path := strings.TrimRight(u.Path, "/")
	if path == "" {
		return ""
	}
	switch {
	case strings.HasSuffix(host, "instagram.com"):
	case strings.HasSuffix(host, "tiktok.com"):
		if !strings.HasPrefix(path, "/@") {
			path = "/@" + strings.TrimPrefix(path, "/")
		}
	default:
		return ""
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + host + path
}

// ProfileURL builds the profile URL from the platform and account when the
// search result carried none.
func ProfileURL(platform, account, existing string) string {
	if c := CanonicalURL(existing); c != "" {
		return c
	}
	account = strings.TrimPrefix(strings.TrimSpace(account), "@")
	if account == "" {
		return ""
	}
	switch strings.ToLower(platform) {
	case "tiktok":
		return "https://www.tiktok.com/@" + account
	case "instagram", "":
		return "https://www.instagram.com/" + account
	default:
		return ""
	}
}
