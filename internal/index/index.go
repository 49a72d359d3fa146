// Package index extracts AIS file links from a year's directory listing.
package index

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultPattern matches AIS daily file names such as AIS_2024_03_15.zip.
const DefaultPattern = `^ais[-_]\d{4}[-_]\d{2}[-_]\d{2}\.[a-z]+`

// Link is an anchor from an index page.
type Link struct {
	// Text is the anchor's visible text with surrounding whitespace removed.
	// It doubles as the stored file name.
	Text string
	// Href is the raw href attribute, empty when absent.
	Href string
}

// Parse returns every anchor in the document, in document order.
// The HTML parser is lenient: malformed markup yields fewer links, not an error.
func Parse(r io.Reader) ([]Link, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}

	var links []Link
	doc.Find("a").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		links = append(links, Link{
			Text: strings.TrimSpace(s.Text()),
			Href: href,
		})
	})
	return links, nil
}

// Matcher decides which link texts name AIS files.
type Matcher struct {
	re *regexp.Regexp
}

// NewMatcher compiles pattern. Matching is always case-insensitive.
func NewMatcher(pattern string) (*Matcher, error) {
	if pattern == "" {
		return nil, errors.New("index: empty pattern")
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("index: compile pattern: %w", err)
	}
	return &Matcher{re: re}, nil
}

// Match reports whether name is an AIS file name.
func (m *Matcher) Match(name string) bool {
	return m.re.MatchString(name)
}

// Filter returns the links whose text matches, preserving order.
func (m *Matcher) Filter(links []Link) []Link {
	var out []Link
	for _, l := range links {
		if m.Match(l.Text) {
			out = append(out, l)
		}
	}
	return out
}

// JoinMode selects how an href is combined with the year base URL.
type JoinMode string

const (
	// JoinConcat appends the href to the base URL verbatim. The archive's
	// listings are laid out for this, so it is the default.
	JoinConcat JoinMode = "concat"
	// JoinResolve resolves the href as an RFC 3986 reference.
	JoinResolve JoinMode = "resolve"
)

// ParseJoinMode validates s as a JoinMode. Empty means JoinConcat.
func ParseJoinMode(s string) (JoinMode, error) {
	switch JoinMode(s) {
	case "", JoinConcat:
		return JoinConcat, nil
	case JoinResolve:
		return JoinResolve, nil
	default:
		return "", fmt.Errorf("index: unknown join mode %q", s)
	}
}

// YearBaseURL substitutes year into template's {year} placeholder.
func YearBaseURL(template string, year int) string {
	return strings.ReplaceAll(template, "{year}", strconv.Itoa(year))
}

// DownloadURL builds the URL of a linked file.
func DownloadURL(yearBase, href string, mode JoinMode) (string, error) {
	switch mode {
	case JoinResolve:
		base, err := url.Parse(yearBase)
		if err != nil {
			return "", fmt.Errorf("index: parse base URL: %w", err)
		}
		ref, err := url.Parse(href)
		if err != nil {
			return "", fmt.Errorf("index: parse href %q: %w", href, err)
		}
		return base.ResolveReference(ref).String(), nil
	default:
		return yearBase + href, nil
	}
}
