// Package urlx resolves resource references to canonical URLs, classifies
// them into storage categories and computes document-relative references.
package urlx

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Category is the storage bucket a resource is filed under.
type Category string

const (
	CSS    Category = "css"
	JS     Category = "js"
	Images Category = "images"
	Fonts  Category = "fonts"
	Media  Category = "media"
	Other  Category = "other"
)

// Categories lists every category in directory-creation order.
var Categories = []Category{CSS, JS, Images, Fonts, Media, Other}

// ErrUnsupportedScheme is returned by Resolve for anything but http(s).
var ErrUnsupportedScheme = errors.New("urlx: only http and https references are fetched")

var extCategory = map[string]Category{
	".css": CSS,

	".js":  JS,
	".mjs": JS,

	".png":  Images,
	".jpg":  Images,
	".jpeg": Images,
	".gif":  Images,
	".svg":  Images,
	".webp": Images,
	".avif": Images,
	".ico":  Images,
	".bmp":  Images,

	".woff":  Fonts,
	".woff2": Fonts,
	".ttf":   Fonts,
	".eot":   Fonts,
	".otf":   Fonts,

	".mp4":  Media,
	".webm": Media,
	".ogg":  Media,
	".mp3":  Media,
	".wav":  Media,
}

var defaultExt = map[Category]string{
	CSS:    ".css",
	JS:     ".js",
	Images: ".png",
	Fonts:  ".woff2",
	Media:  ".mp4",
	Other:  ".bin",
}

// DefaultExt returns the extension appended to generated names that have none.
func DefaultExt(c Category) string {
	if ext, ok := defaultExt[c]; ok {
		return ext
	}
	return ".bin"
}

// ShouldIgnore reports whether ref can never name a fetchable resource:
// empty values, same-document fragments and non-network schemes.
func ShouldIgnore(ref string) bool {
	ref = strings.TrimSpace(strings.ToLower(ref))
	if ref == "" || strings.HasPrefix(ref, "#") {
		return true
	}
	for _, scheme := range []string{"data:", "javascript:", "mailto:", "tel:", "sms:", "about:", "blob:", "chrome:"} {
		if strings.HasPrefix(ref, scheme) {
			return true
		}
	}
	return false
}

// Resolve joins ref onto base and returns the canonical URL: absolute, with
// the fragment removed and the path escaping left exactly as written.
func Resolve(ref string, base *url.URL) (string, error) {
	ref = strings.TrimSpace(ref)
	rel, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("urlx: parse %q: %w", ref, err)
	}
	abs := base.ResolveReference(rel)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", ErrUnsupportedScheme
	}
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs.String(), nil
}

// Fragment returns the "#..." suffix of ref, or "".
func Fragment(ref string) string {
	if i := strings.IndexByte(ref, '#'); i >= 0 {
		return ref[i:]
	}
	return ""
}

// Classify picks a category from the URL's extension first and the
// response content type second.
func Classify(rawURL, contentType string) Category {
	if u, err := url.Parse(rawURL); err == nil {
		if c, ok := extCategory[strings.ToLower(path.Ext(u.Path))]; ok {
			return c
		}
	}

	ct := strings.ToLower(contentType)
	switch {
	case ct == "":
		return Other
	case strings.Contains(ct, "text/css"):
		return CSS
	case strings.Contains(ct, "javascript"):
		return JS
	case strings.Contains(ct, "image"):
		return Images
	case strings.Contains(ct, "font"):
		return Fonts
	case strings.Contains(ct, "video"), strings.Contains(ct, "audio"):
		return Media
	}
	return Other
}

// MatchDomain reports whether the host of rawURL contains any of domains.
// Scheme-relative references ("//host/x") are understood.
func MatchDomain(rawURL string, domains []string) bool {
	if rawURL == "" || len(domains) == 0 {
		return false
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Host)
	if host == "" {
		return false
	}
	for _, d := range domains {
		if d != "" && strings.Contains(host, strings.ToLower(d)) {
			return true
		}
	}
	return false
}

// LastSegment returns the percent-decoded final path segment of rawURL.
// Decoding happens only here, for filename derivation; canonical URLs keep
// their original escaping.
func LastSegment(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	escaped := u.EscapedPath()
	seg := escaped[strings.LastIndexByte(escaped, '/')+1:]
	if dec, err := url.PathUnescape(seg); err == nil {
		return dec
	}
	return seg
}

// RelRef returns the URL reference that leads from a document stored in
// fromDir to the file at target. Separators are forward slashes and
// reserved characters are percent-escaped.
func RelRef(fromDir, target string) (string, error) {
	rel, err := filepath.Rel(fromDir, target)
	if err != nil {
		return "", err
	}
	ref := (&url.URL{Path: filepath.ToSlash(rel)}).EscapedPath()
	// A colon in the first segment would read as a scheme.
	if first, _, _ := strings.Cut(ref, "/"); strings.Contains(first, ":") {
		ref = "./" + ref
	}
	return ref, nil
}
