// Package textpass holds the best-effort textual passes that run outside the
// parsed document tree: the inline script URL scanner and the final sweep
// over the saved document. Neither pass understands the syntax it edits; both
// only swap whole URL literals.
package textpass

import (
	"context"
	"html"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"pagemirror/internal/urlx"
)

// Localizer materializes canonical URLs. Lookup never fetches.
type Localizer interface {
	Get(ctx context.Context, canonical string) (string, error)
	Lookup(canonical string) (string, bool)
}

// quotedURL matches an absolute http(s) URL wrapped in matching quotes.
var quotedURL = regexp.MustCompile(`"(https?://[^"'\s<>]+)"|'(https?://[^"'\s<>]+)'`)

// sweepTail is the rest of a swept URL. The text being swept is serializer
// output, where quotes inside text and attribute values appear as &#34; and
// &#39;, so an ampersand ends the URL unless it is an escaped ampersand.
const sweepTail = `(?:[^"'\s<>)&]|&(?:amp;|#38;))*`

// Pass rewrites localize-domain URLs found in raw text belonging to one
// document.
type Pass struct {
	Domains []string // localize domains
	Base    *url.URL
	DocDir  string
	Store   Localizer
	Log     logrus.FieldLogger
}

func (p *Pass) logger() logrus.FieldLogger {
	if p.Log != nil {
		return p.Log
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Script rewrites quoted absolute URLs in inline script text. A URL whose
// last path segment contains a dot is downloaded and replaced by its
// relative path; any other URL on a localize domain is taken as a reference
// to that origin's root and becomes ".". Failed downloads are left alone.
func (p *Pass) Script(ctx context.Context, text string) (string, int) {
	log := p.logger()
	changed := 0
	out := quotedURL.ReplaceAllStringFunc(text, func(m string) string {
		quote, raw := m[:1], m[1:len(m)-1]
		if !urlx.MatchDomain(raw, p.Domains) {
			return m
		}
		if !strings.Contains(urlx.LastSegment(raw), ".") {
			changed++
			log.WithField("url", raw).Debug("script: origin root replaced")
			return quote + "." + quote
		}

		canonical, err := urlx.Resolve(raw, p.Base)
		if err != nil {
			return m
		}
		local, err := p.Store.Get(ctx, canonical)
		if err != nil {
			log.WithField("url", raw).WithError(err).Warn("script: reference left unchanged")
			return m
		}
		ref, err := urlx.RelRef(p.DocDir, local)
		if err != nil {
			return m
		}
		changed++
		return quote + ref + urlx.Fragment(raw) + quote
	})
	return out, changed
}

// Sweep replaces every literal localize-domain URL still present in text:
// with the relative path of the saved resource when the URL was fetched
// during the run, with "." otherwise. It never fetches.
func (p *Pass) Sweep(text string) (string, int) {
	log := p.logger()
	changed := 0
	for _, d := range p.Domains {
		if d == "" {
			continue
		}
		re := regexp.MustCompile(`https?://[^/"'\s<>&]*` + regexp.QuoteMeta(d) + sweepTail)
		text = re.ReplaceAllStringFunc(text, func(m string) string {
			changed++
			if ref, ok := p.lookupRef(m); ok {
				log.WithField("url", m).Debug("sweep: replaced with local path")
				return ref
			}
			log.WithField("url", m).Debug("sweep: replaced with origin root")
			return "."
		})
	}
	return text, changed
}

func (p *Pass) lookupRef(m string) (string, bool) {
	raw := html.UnescapeString(m)
	candidates := []string{m, raw}
	if canonical, err := urlx.Resolve(raw, p.Base); err == nil {
		candidates = append(candidates, canonical)
	}
	for _, c := range candidates {
		local, ok := p.Store.Lookup(c)
		if !ok {
			continue
		}
		ref, err := urlx.RelRef(p.DocDir, local)
		if err != nil {
			return "", false
		}
		return ref + urlx.Fragment(raw), true
	}
	return "", false
}
