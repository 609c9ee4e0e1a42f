// Package classify reads a Fetcher-captured page and decides, per
// requested date, whether the target shows that date as available.
// Classify is a pure function: identical inputs always produce
// bit-identical output, which is what makes it safe to test with
// property-based cases instead of live pages.
package classify

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// blockIndicators is the closed set of case-insensitive substrings
// that mean the target blocked the request outright, rather than
// rendering an honestly empty calendar.
var blockIndicators = []string{
	"access denied",
	"forbidden",
	"cloudflare",
	"challenge",
	"captcha",
	"rate limit",
	"too many requests",
	"please try again",
}

// corsNoise is excluded from block detection: CORS complaints in the
// browser console are ordinary cross-origin behavior, not a sign the
// site is blocking the visit.
var corsNoise = []string{
	"cors",
	"access-control-allow-origin",
}

var rgbPattern = regexp.MustCompile(`rgba?\(\s*(\d+)\s*,\s*(\d+)\s*,\s*(\d+)`)

// Classify returns a verdict for every date in dates. dates maps the
// ISO date string to the aria-label the DateCoder produced for it, so
// Classify never needs a zone or a clock of its own.
func Classify(snap DomSnapshot, side SideChannel, dates map[string]string, palette Palette) map[string]Verdict {
	out := make(map[string]Verdict, len(dates))

	if blocked(snap, side) {
		for date := range dates {
			out[date] = Blocked
		}
		return out
	}

	doc, err := html.Parse(strings.NewReader(snap.HTML))
	if err != nil {
		// An unparseable page is not a block; every requested date is
		// simply absent from whatever we received.
		for date := range dates {
			out[date] = NotFound
		}
		return out
	}

	labels := indexByAriaLabel(doc)

	for date, label := range dates {
		el, ok := labels[label]
		if !ok {
			out[date] = NotFound
			continue
		}

		style := attrValue(el, "style")
		if colorMatches(style, palette) {
			out[date] = Available
		} else {
			out[date] = Unavailable
		}
	}
	return out
}

// blocked reports whether the side channel or the rendered text
// contains a block indicator, ignoring CORS-category console noise.
func blocked(snap DomSnapshot, side SideChannel) bool {
	text := strings.ToLower(snap.HTML + " " + side.Title + " " + side.FinalURL)
	for _, indicator := range blockIndicators {
		if strings.Contains(text, indicator) {
			return true
		}
	}

	var filtered []string
	for _, msg := range side.ConsoleMessages {
		lower := strings.ToLower(msg)
		isCORS := false
		for _, noise := range corsNoise {
			if strings.Contains(lower, noise) {
				isCORS = true
				break
			}
		}
		if !isCORS {
			filtered = append(filtered, lower)
		}
	}
	consoleText := strings.Join(filtered, " ")
	for _, indicator := range blockIndicators {
		if strings.Contains(consoleText, indicator) {
			return true
		}
	}

	return false
}

// colorMatches looks for a declaration named exactly background-color
// among style's semicolon-separated properties and compares its RGB
// triple to palette. A color elsewhere in the style string (e.g. the
// text `color` property) never counts, per the rule that the available
// color only means AVAILABLE when it names the background.
func colorMatches(style string, palette Palette) bool {
	for _, decl := range strings.Split(style, ";") {
		prop, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		if strings.ToLower(strings.TrimSpace(prop)) != "background-color" {
			continue
		}

		m := rgbPattern.FindStringSubmatch(strings.ToLower(value))
		if m == nil {
			return false
		}
		r, _ := strconv.Atoi(m[1])
		g, _ := strconv.Atoi(m[2])
		b, _ := strconv.Atoi(m[3])
		return r == palette.R && g == palette.G && b == palette.B
	}
	return false
}

// indexByAriaLabel walks the DOM once and returns every element keyed
// by its aria-label attribute.
func indexByAriaLabel(n *html.Node) map[string]*html.Node {
	out := make(map[string]*html.Node)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if label := attrValue(n, "aria-label"); label != "" {
				out[label] = n
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

// attrValue returns the value of attr on n, or "" if absent.
func attrValue(n *html.Node, attr string) string {
	for _, a := range n.Attr {
		if a.Key == attr {
			return a.Val
		}
	}
	return ""
}
