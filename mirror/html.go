package mirror

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"pagemirror/internal/cssref"
	"pagemirror/internal/store"
	"pagemirror/internal/textpass"
	"pagemirror/internal/urlx"
)

// ==========================================
// [document and rewriter state]
// ==========================================

// document is a text being rewritten together with the place it is saved.
// Relative references are always computed from dir.
type document struct {
	path string
	dir  string
	base *url.URL
}

func newDocument(path string, base *url.URL) *document {
	return &document{path: path, dir: filepath.Dir(path), base: base}
}

// page is the parsed entry document.
type page struct {
	*document
	root *html.Node
	dom  *goquery.Document
}

// rewriter drives every extraction pass of one run against a shared store.
type rewriter struct {
	cfg   Config
	store *store.Store
	log   logrus.FieldLogger

	cssDone map[string]bool
}

func newRewriter(cfg Config, st *store.Store, log logrus.FieldLogger) *rewriter {
	return &rewriter{cfg: cfg, store: st, log: log, cssDone: make(map[string]bool)}
}

// ==========================================
// [materialization]
// ==========================================

// materialize returns the local path of canonical. Stylesheets get their own
// url() references localized once, right after the first download.
func (rw *rewriter) materialize(ctx context.Context, canonical string, stylesheet bool) (string, error) {
	local, err := rw.store.Get(ctx, canonical)
	if err != nil {
		return "", err
	}
	if rw.cssDone[canonical] {
		return local, nil
	}
	if rec, _ := rw.store.Record(canonical); stylesheet || rec.Category == urlx.CSS {
		rw.cssDone[canonical] = true
		rw.processStylesheet(ctx, canonical, local)
	}
	return local, nil
}

// localize turns a raw reference into a path relative to doc. ok is false
// when the reference must be left exactly as written.
func (rw *rewriter) localize(ctx context.Context, doc *document, ref string, stylesheet bool) (string, bool) {
	ref = strings.TrimSpace(ref)
	if urlx.ShouldIgnore(ref) {
		return "", false
	}
	canonical, err := urlx.Resolve(ref, doc.base)
	if err != nil {
		rw.log.WithField("ref", ref).Debug("skipped reference")
		return "", false
	}
	return rw.localizeCanonical(ctx, doc, canonical, ref, stylesheet)
}

func (rw *rewriter) localizeCanonical(ctx context.Context, doc *document, canonical, ref string, stylesheet bool) (string, bool) {
	local, err := rw.materialize(ctx, canonical, stylesheet)
	if err != nil {
		rw.log.WithFields(logrus.Fields{"url": canonical}).WithError(err).Warn("reference left unchanged")
		return "", false
	}
	rel, err := urlx.RelRef(doc.dir, local)
	if err != nil {
		rw.log.WithFields(logrus.Fields{"url": canonical, "path": local}).WithError(err).Warn("no relative path")
		return "", false
	}
	return rel + urlx.Fragment(ref), true
}

// rewriteCSS localizes every url() in text, relative to doc.
func (rw *rewriter) rewriteCSS(ctx context.Context, doc *document, text string) string {
	repl := make(map[string]string)
	tried := make(map[string]bool)
	for raw, canonical := range cssref.URLs(text, doc.base) {
		if tried[raw] {
			continue
		}
		tried[raw] = true
		if ref, ok := rw.localizeCanonical(ctx, doc, canonical, raw, false); ok {
			repl[raw] = ref
		}
	}
	return cssref.Rewrite(text, repl)
}

// processStylesheet rewrites a downloaded stylesheet in place. A stylesheet
// that cannot be read or written back is left as downloaded.
func (rw *rewriter) processStylesheet(ctx context.Context, canonical, local string) {
	log := rw.log.WithField("url", canonical)

	data, err := os.ReadFile(local)
	if err != nil {
		log.WithError(&store.FilesystemError{Op: "read", Path: local, Err: err}).Error("stylesheet not processed")
		return
	}
	base, err := url.Parse(canonical)
	if err != nil {
		log.WithError(err).Error("stylesheet not processed")
		return
	}

	text := string(data)
	out := rw.rewriteCSS(ctx, newDocument(local, base), text)
	if out == text {
		return
	}
	if err := os.WriteFile(local, []byte(out), 0o644); err != nil {
		log.WithError(&store.FilesystemError{Op: "write", Path: local, Err: err}).Error("stylesheet not rewritten")
		return
	}
	log.Debug("stylesheet rewritten")
}

// ==========================================
// [entry document]
// ==========================================

// loadPage parses the saved entry document, decoding it to UTF-8.
func (rw *rewriter) loadPage(path string, base *url.URL, contentType string) (*page, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &store.FilesystemError{Op: "read", Path: path, Err: err}
	}

	enc, name, _ := charset.DetermineEncoding(raw, contentType)
	converted := false
	if name != "utf-8" && !utf8.Valid(raw) {
		if dec, err := enc.NewDecoder().Bytes(raw); err == nil {
			raw = dec
			converted = true
		}
	}

	root, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, &ParseError{Source: path, Err: err}
	}
	p := &page{
		document: newDocument(path, base),
		root:     root,
		dom:      goquery.NewDocumentFromNode(root),
	}
	if converted {
		rw.log.WithField("charset", name).Info("document converted to utf-8")
		declareUTF8(p.dom)
	}
	return p, nil
}

// declareUTF8 makes the charset declarations match the serialized output.
func declareUTF8(dom *goquery.Document) {
	dom.Find("meta[charset]").SetAttr("charset", "utf-8")
	dom.Find("meta[http-equiv]").Each(func(_ int, s *goquery.Selection) {
		if strings.EqualFold(s.AttrOr("http-equiv", ""), "content-type") {
			s.SetAttr("content", "text/html; charset=utf-8")
		}
	})
}

type pass struct {
	name string
	run  func(context.Context, *page)
}

func (rw *rewriter) passes() []pass {
	return []pass{
		{"base", rw.applyBase},
		{"hints", rw.stripHints},
		{"style-blocks", rw.rewriteStyleBlocks},
		{"stylesheets", rw.rewriteStylesheets},
		{"src", rw.rewriteSources},
		{"srcset", rw.rewriteSrcsets},
		{"style-attrs", rw.rewriteStyleAttrs},
		{"media", rw.rewriteMedia},
		{"icons", rw.rewriteIcons},
		{"svg", rw.rewriteSVGRefs},
		{"scripts", rw.rewriteInlineScripts},
	}
}

// processPage runs the tree passes over the entry document, saves it and
// finishes with the textual sweep. Cancellation stops the remaining passes
// but the partially rewritten tree is still saved.
func (rw *rewriter) processPage(ctx context.Context, path string, base *url.URL, contentType string) error {
	p, err := rw.loadPage(path, base, contentType)
	if err != nil {
		return err
	}

	var canceled error
	for _, ps := range rw.passes() {
		if ctx.Err() != nil {
			canceled = fmt.Errorf("%w: stopped before %s pass", ErrCanceled, ps.name)
			break
		}
		ps.run(ctx, p)
		rw.log.WithField("pass", ps.name).Debug("pass done")
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, p.root); err != nil {
		return &ParseError{Source: path, Err: err}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return &store.FilesystemError{Op: "write", Path: path, Err: err}
	}
	if canceled != nil {
		return canceled
	}
	return rw.sweep(p.document)
}

// sweep reloads the saved document and removes literal localize-domain URLs
// the tree passes could not reach.
func (rw *rewriter) sweep(doc *document) error {
	data, err := os.ReadFile(doc.path)
	if err != nil {
		return &store.FilesystemError{Op: "read", Path: doc.path, Err: err}
	}
	tp := rw.textPass(doc)
	out, n := tp.Sweep(string(data))
	if n == 0 {
		return nil
	}
	if err := os.WriteFile(doc.path, []byte(out), 0o644); err != nil {
		return &store.FilesystemError{Op: "write", Path: doc.path, Err: err}
	}
	rw.log.WithField("replaced", n).Info("post-processing sweep")
	return nil
}

// textLocalizer adapts the rewriter to textpass.Localizer so that
// stylesheets found by the text passes are processed like any other.
type textLocalizer struct{ rw *rewriter }

func (t textLocalizer) Get(ctx context.Context, canonical string) (string, error) {
	return t.rw.materialize(ctx, canonical, false)
}

func (t textLocalizer) Lookup(canonical string) (string, bool) {
	return t.rw.store.Lookup(canonical)
}

func (rw *rewriter) textPass(doc *document) *textpass.Pass {
	return &textpass.Pass{
		Domains: rw.cfg.LocalizeDomains,
		Base:    doc.base,
		DocDir:  doc.dir,
		Store:   textLocalizer{rw},
		Log:     rw.log,
	}
}

// ==========================================
// [tree passes]
// ==========================================

// applyBase adopts <base href> as the resolution base and removes the
// element, which would otherwise point relative references back online.
func (rw *rewriter) applyBase(_ context.Context, p *page) {
	bases := p.dom.Find("base")
	if href, ok := bases.First().Attr("href"); ok && strings.TrimSpace(href) != "" {
		if u, err := p.base.Parse(strings.TrimSpace(href)); err == nil {
			p.base = u
		}
	}
	bases.Remove()
}

// relHas reports whether the rel attribute of s contains the token want.
func relHas(s *goquery.Selection, want string) bool {
	for _, tok := range strings.Fields(strings.ToLower(s.AttrOr("rel", ""))) {
		if tok == want {
			return true
		}
	}
	return false
}

func (rw *rewriter) stripHints(_ context.Context, p *page) {
	p.dom.Find("link[rel]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		drop := false
		switch {
		case relHas(s, "dns-prefetch"):
			drop = true
		case relHas(s, "preconnect"):
			drop = rw.cfg.IsHintDomain(href)
		case relHas(s, "preload"):
			drop = href != "" && (rw.cfg.IsLocalizeDomain(href) || rw.cfg.IsHintDomain(href))
		}
		if drop {
			rw.log.WithFields(logrus.Fields{"rel": s.AttrOr("rel", ""), "href": href}).Info("removed resource hint")
			s.Remove()
		}
	})
}

func (rw *rewriter) rewriteStyleBlocks(ctx context.Context, p *page) {
	p.dom.Find("style").Each(func(_ int, s *goquery.Selection) {
		for _, n := range s.Nodes {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode {
					c.Data = rw.rewriteCSS(ctx, p.document, c.Data)
				}
			}
		}
	})
}

func (rw *rewriter) rewriteStylesheets(ctx context.Context, p *page) {
	p.dom.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		if !relHas(s, "stylesheet") {
			return
		}
		rw.rewriteAttr(ctx, p, s, "href", true)
	})
}

// rewriteSources covers script/img src and lazy-loaded img data-src.
func (rw *rewriter) rewriteSources(ctx context.Context, p *page) {
	p.dom.Find("script[src], img[src]").Each(func(_ int, s *goquery.Selection) {
		rw.rewriteAttr(ctx, p, s, "src", false)
	})
	p.dom.Find("img[data-src]").Each(func(_ int, s *goquery.Selection) {
		rw.rewriteAttr(ctx, p, s, "data-src", false)
	})
}

func (rw *rewriter) rewriteSrcsets(ctx context.Context, p *page) {
	p.dom.Find("img[srcset], picture > source[srcset]").Each(func(_ int, s *goquery.Selection) {
		s.SetAttr("srcset", rw.rewriteSrcset(ctx, p.document, s.AttrOr("srcset", "")))
	})
}

// rewriteSrcset localizes the URL of each candidate and keeps its
// descriptors.
func (rw *rewriter) rewriteSrcset(ctx context.Context, doc *document, srcset string) string {
	cands := splitSrcset(srcset)
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		if ref, ok := rw.localize(ctx, doc, c.url, false); ok {
			c.url = ref
		}
		if c.desc != "" {
			out = append(out, c.url+" "+c.desc)
		} else {
			out = append(out, c.url)
		}
	}
	return strings.Join(out, ", ")
}

type srcsetCandidate struct {
	url  string
	desc string
}

// splitSrcset parses an image candidate list. A URL runs up to the next
// whitespace, so commas inside data: URIs belong to the URL; trailing commas
// end the candidate.
func splitSrcset(s string) []srcsetCandidate {
	const space = " \t\n\r\f"
	var cands []srcsetCandidate
	for {
		s = strings.TrimLeft(s, space+",")
		if s == "" {
			return cands
		}
		end := strings.IndexAny(s, space)
		if end < 0 {
			end = len(s)
		}
		u := s[:end]
		s = s[end:]
		if strings.HasSuffix(u, ",") {
			cands = append(cands, srcsetCandidate{url: strings.TrimRight(u, ",")})
			continue
		}
		desc := s
		if i := strings.IndexByte(s, ','); i >= 0 {
			desc, s = s[:i], s[i+1:]
		} else {
			s = ""
		}
		cands = append(cands, srcsetCandidate{url: u, desc: strings.Join(strings.Fields(desc), " ")})
	}
}

func (rw *rewriter) rewriteStyleAttrs(ctx context.Context, p *page) {
	p.dom.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		style := s.AttrOr("style", "")
		if out := rw.rewriteCSS(ctx, p.document, style); out != style {
			s.SetAttr("style", out)
		}
	})
}

func (rw *rewriter) rewriteMedia(ctx context.Context, p *page) {
	p.dom.Find("video, audio").Each(func(_ int, s *goquery.Selection) {
		rw.rewriteAttr(ctx, p, s, "src", false)
		rw.rewriteAttr(ctx, p, s, "poster", false)
		s.Find("source[src]").Each(func(_ int, src *goquery.Selection) {
			rw.rewriteAttr(ctx, p, src, "src", false)
		})
	})
}

func (rw *rewriter) rewriteIcons(ctx context.Context, p *page) {
	p.dom.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		if strings.Contains(strings.ToLower(s.AttrOr("rel", "")), "icon") {
			rw.rewriteAttr(ctx, p, s, "href", false)
		}
	})
}

// rewriteSVGRefs handles <image> and <use> with href or xlink:href. Pure
// fragment references point into the same document and are kept.
func (rw *rewriter) rewriteSVGRefs(ctx context.Context, p *page) {
	p.dom.Find("image, use").Each(func(_ int, s *goquery.Selection) {
		for _, n := range s.Nodes {
			for i, a := range n.Attr {
				if a.Key != "href" || (a.Namespace != "" && a.Namespace != "xlink") {
					continue
				}
				if ref, ok := rw.localize(ctx, p.document, a.Val, false); ok {
					n.Attr[i].Val = ref
				}
			}
		}
	})
}

func (rw *rewriter) rewriteInlineScripts(ctx context.Context, p *page) {
	tp := rw.textPass(p.document)
	p.dom.Find("script").Each(func(_ int, s *goquery.Selection) {
		for _, n := range s.Nodes {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type != html.TextNode {
					continue
				}
				if out, changed := tp.Script(ctx, c.Data); changed > 0 {
					c.Data = out
				}
			}
		}
	})
}

// rewriteAttr localizes a single attribute in place; failures keep the value.
func (rw *rewriter) rewriteAttr(ctx context.Context, p *page, s *goquery.Selection, attr string, stylesheet bool) {
	val, ok := s.Attr(attr)
	if !ok {
		return
	}
	if ref, ok := rw.localize(ctx, p.document, val, stylesheet); ok {
		s.SetAttr(attr, ref)
	}
}
