// Package extract turns a captured HTML fragment into a scan tuple. The
// overlay sends the selected element's outer HTML; this package decides
// whether the selection is media (scanned by URL) or text (scanned inline)
// and pulls out the right content data.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"

	"github.com/nymai/scand/internal/shared/types"
)

// Extractor converts HTML fragments into raw scan requests.
type Extractor struct {
	detector *chardet.Detector
}

// New creates an extractor.
func New() *Extractor {
	return &Extractor{detector: chardet.NewHtmlDetector()}
}

// FromHTML extracts a scan tuple from an HTML fragment. baseURL resolves
// relative media sources; declaredCharset is the page's charset hint and may
// be empty, in which case the charset is sniffed from the bytes.
func (e *Extractor) FromHTML(fragment []byte, baseURL, declaredCharset string) (types.RawScanRequest, error) {
	if len(bytes.TrimSpace(fragment)) == 0 {
		return types.RawScanRequest{}, fmt.Errorf("empty fragment")
	}

	decoded, err := e.decode(fragment, declaredCharset)
	if err != nil {
		return types.RawScanRequest{}, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(decoded))
	if err != nil {
		return types.RawScanRequest{}, fmt.Errorf("failed to parse fragment: %w", err)
	}

	if req, ok := e.media(doc, baseURL); ok {
		return req, nil
	}

	text := strings.Join(strings.Fields(doc.Text()), " ")
	if text == "" {
		return types.RawScanRequest{}, fmt.Errorf("fragment has no scannable content")
	}
	return types.RawScanRequest{
		ContentType: types.ContentText,
		ContentData: text,
	}, nil
}

// media checks the fragment for a media element. The first match wins:
// selecting an image should scan the image even if a caption sits nearby.
func (e *Extractor) media(doc *goquery.Document, baseURL string) (types.RawScanRequest, bool) {
	for _, probe := range []struct {
		selector    string
		contentType types.ContentType
	}{
		{"img[src]", types.ContentImage},
		{"video[src], video source[src]", types.ContentVideo},
		{"audio[src], audio source[src]", types.ContentAudio},
	} {
		sel := doc.Find(probe.selector).First()
		if sel.Length() == 0 {
			continue
		}
		src, _ := sel.Attr("src")
		resolved := resolveURL(baseURL, src)
		if resolved == "" {
			continue
		}
		return types.RawScanRequest{
			ContentType: probe.contentType,
			ContentData: resolved,
		}, true
	}
	return types.RawScanRequest{}, false
}

// decode converts the fragment to UTF-8. A declared charset wins; otherwise
// the detector sniffs one, and plain UTF-8 passes through untouched.
func (e *Extractor) decode(fragment []byte, declared string) ([]byte, error) {
	label := declared
	if label == "" {
		best, err := e.detector.DetectBest(fragment)
		if err == nil && best != nil {
			label = best.Charset
		}
	}
	if label == "" || strings.EqualFold(label, "UTF-8") {
		return fragment, nil
	}

	enc, _ := charset.Lookup(label)
	if enc == nil {
		return fragment, nil
	}
	decoded, err := enc.NewDecoder().Bytes(fragment)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s fragment: %w", label, err)
	}
	return decoded, nil
}

// resolveURL makes src absolute against base. Data URIs and absolute URLs
// pass through; an unresolvable relative src yields "".
func resolveURL(base, src string) string {
	src = strings.TrimSpace(src)
	if src == "" {
		return ""
	}
	if strings.HasPrefix(src, "data:") {
		return src
	}
	ref, err := url.Parse(src)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		return ref.String()
	}
	if base == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return ""
	}
	return b.ResolveReference(ref).String()
}
