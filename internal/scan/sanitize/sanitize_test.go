package sanitize

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nymai/scand/internal/shared/types"
)

func TestSanitizeTextStripsMarkup(t *testing.T) {
	s := New(0)

	req, err := s.Sanitize(types.RawScanRequest{
		ContentType: types.ContentText,
		ContentData: `<p>Hello <script>alert("x")</script><b>world</b></p>`,
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", req.ContentData)
	assert.Equal(t, types.ScanCredibility, req.ScanType)
}

func TestSanitizeTextNormalizesWhitespace(t *testing.T) {
	s := New(0)

	req, err := s.Sanitize(types.RawScanRequest{
		ContentType: types.ContentText,
		ContentData: "   A \n\t B  ",
	})
	require.NoError(t, err)
	assert.Equal(t, "A B", req.ContentData)
}

func TestSanitizeTextTruncates(t *testing.T) {
	s := New(10)

	req, err := s.Sanitize(types.RawScanRequest{
		ContentType: types.ContentText,
		ContentData: strings.Repeat("a", 100),
	})
	require.NoError(t, err)
	assert.Len(t, req.ContentData, 10)
}

func TestSanitizeTextRejectsEmpty(t *testing.T) {
	s := New(0)

	for _, data := range []string{"", "   ", "<script>alert(1)</script>", "<style>a{}</style>"} {
		_, err := s.Sanitize(types.RawScanRequest{
			ContentType: types.ContentText,
			ContentData: data,
		})
		var rej *RejectError
		require.ErrorAs(t, err, &rej, "input %q", data)
		assert.Equal(t, ReasonEmptyContent, rej.Reason)
	}
}

func TestSanitizeMediaRequiresHTTPS(t *testing.T) {
	s := New(0)

	cases := []struct {
		data string
		ok   bool
	}{
		{"https://example.com/a.jpg", true},
		{"https://example.com/a.jpg?x=1", true},
		{"http://example.com/a.jpg", false},
		{"ftp://example.com/a.jpg", false},
		{"//example.com/a.jpg", false},
		{"/relative/a.jpg", false},
		{"not a url", false},
		{"", false},
	}

	for _, tc := range cases {
		_, err := s.Sanitize(types.RawScanRequest{
			ContentType: types.ContentImage,
			ContentData: tc.data,
		})
		if tc.ok {
			assert.NoError(t, err, "input %q", tc.data)
		} else {
			var rej *RejectError
			require.ErrorAs(t, err, &rej, "input %q", tc.data)
			assert.Equal(t, ReasonInsecureOrInvalidURL, rej.Reason)
		}
	}
}

func TestSanitizeRejectsUnknownContentType(t *testing.T) {
	s := New(0)

	_, err := s.Sanitize(types.RawScanRequest{
		ContentType: "document",
		ContentData: "x",
	})
	var rej *RejectError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, ReasonUnsupportedType, rej.Reason)
}

func TestSanitizeDefaultsScanType(t *testing.T) {
	s := New(0)

	req, err := s.Sanitize(types.RawScanRequest{
		ContentType: types.ContentVideo,
		ContentData: "https://example.com/v.mp4",
		ScanType:    types.ScanAuthenticity,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ScanAuthenticity, req.ScanType)
}
