package filter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPatternsTailMatch(t *testing.T) {
	p := NewPatterns([]string{".jpg", ".png"}, false)
	require.True(t, p.Match("photo.jpg"))
	require.True(t, p.Match("logo.png"))
	require.False(t, p.Match("page.html"))
	require.False(t, p.Match("photo.JPG")) // case-sensitive by default
}

func TestPatternsGlob(t *testing.T) {
	p := NewPatterns([]string{"img_*.jpg", "index.htm?"}, false)
	require.True(t, p.Match("img_001.jpg"))
	require.True(t, p.Match("index.html"))
	require.False(t, p.Match("img.jpg"))
}

func TestPatternsIgnoreCase(t *testing.T) {
	p := NewPatterns([]string{".JPG"}, true)
	require.True(t, p.Match("photo.jpg"))
}

func TestRegexes(t *testing.T) {
	r, err := NewRegexes([]string{`/private/`, `\.cgi$`}, false)
	require.NoError(t, err)
	require.True(t, r.Match("http://a/private/x"))
	require.True(t, r.Match("http://a/run.cgi"))
	require.False(t, r.Match("http://a/pub/x"))

	_, err = NewRegexes([]string{"("}, false)
	require.Error(t, err)
}

func TestHostsSuffixAndGlob(t *testing.T) {
	h := NewHosts([]string{"example.com", "*.cdn.net"})
	require.True(t, h.Match("example.com"))
	require.True(t, h.Match("www.example.com"))
	require.False(t, h.Match("badexample.com"))
	require.True(t, h.Match("img.cdn.net"))
	require.False(t, h.Match("cdn.net"))
}

func TestPolicyAcceptIsExclusive(t *testing.T) {
	p := &Policy{Accept: NewPatterns([]string{".html"}, false)}
	require.True(t, p.AllowFile("a.html", "http://a/a.html"))
	require.False(t, p.AllowFile("a.gif", "http://a/a.gif"))
}

func TestPolicyRejectBeatsAccept(t *testing.T) {
	p := &Policy{
		Accept: NewPatterns([]string{".html"}, false),
		Reject: NewPatterns([]string{"secret*"}, false),
	}
	require.False(t, p.AllowFile("secret.html", "http://a/secret.html"))
}
