// Package cssref finds and rewrites url(...) references in CSS text.
//
// Both operations run over the tdewolff CSS lexer so that only genuine
// url() tokens are considered; comments, strings and selectors that happen to
// contain the same characters are never touched.
package cssref

import (
	"bytes"
	"iter"
	"net/url"
	"strings"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"

	"pagemirror/internal/urlx"
)

// URLs yields (raw token, canonical URL) for every url(...) form in
// cssText. data: URIs, empty tokens, fragments and non-http references are
// skipped. The sequence does not mutate anything and can be ranged over any
// number of times.
func URLs(cssText string, base *url.URL) iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		lexer := css.NewLexer(parse.NewInputString(cssText))
		for {
			tt, data := lexer.Next()
			if tt == css.ErrorToken {
				return
			}
			if tt != css.URLToken {
				continue
			}
			raw, _ := tokenValue(data)
			if urlx.ShouldIgnore(raw) {
				continue
			}
			abs, err := urlx.Resolve(raw, base)
			if err != nil {
				continue
			}
			if !yield(raw, abs) {
				return
			}
		}
	}
}

// Rewrite returns cssText with every url(...) whose raw token is a key of
// repl replaced by the mapped value. The token's quoting style is kept;
// unquoted values that would break the syntax are emitted double-quoted.
func Rewrite(cssText string, repl map[string]string) string {
	if len(repl) == 0 {
		return cssText
	}

	var out strings.Builder
	out.Grow(len(cssText))

	lexer := css.NewLexer(parse.NewInputString(cssText))
	for {
		tt, data := lexer.Next()
		if tt == css.ErrorToken {
			break
		}
		if tt != css.URLToken {
			out.Write(data)
			continue
		}

		raw, quote := tokenValue(data)
		val, ok := repl[raw]
		if !ok {
			out.Write(data)
			continue
		}
		if quote == 0 && strings.ContainsAny(val, " \t\n\r\"'()\\") {
			quote = '"'
		}
		out.WriteString("url(")
		if quote != 0 {
			out.WriteByte(quote)
		}
		out.WriteString(val)
		if quote != 0 {
			out.WriteByte(quote)
		}
		out.WriteByte(')')
	}
	return out.String()
}

// tokenValue unwraps a URLToken ("url( 'x' )") into its value and the quote
// character that surrounded it (0 when unquoted).
func tokenValue(tok []byte) (string, byte) {
	if len(tok) < 4 {
		return "", 0
	}
	inner := tok[4:] // "url(" in any case
	inner = bytes.TrimSuffix(inner, []byte(")"))
	inner = bytes.TrimSpace(inner)

	var quote byte
	if n := len(inner); n >= 2 && (inner[0] == '"' || inner[0] == '\'') && inner[n-1] == inner[0] {
		quote = inner[0]
		inner = inner[1 : n-1]
	}
	return strings.TrimSpace(string(inner)), quote
}
