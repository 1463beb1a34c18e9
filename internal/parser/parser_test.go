package parser

import (
	"bytes"
	"compress/gzip"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	require.Equal(t, KindHTML, Classify("text/html; charset=utf-8", false))
	require.Equal(t, KindHTML, Classify("application/xhtml+xml", false))
	require.Equal(t, KindCSS, Classify("text/css", false))
	require.Equal(t, KindAtom, Classify("application/atom+xml", false))
	require.Equal(t, KindRSS, Classify("application/rss+xml", false))
	require.Equal(t, KindMetalink, Classify("application/metalink4+xml", false))
	require.Equal(t, KindNone, Classify("image/png", false))

	// sitemap types only parse on sitemap jobs
	require.Equal(t, KindNone, Classify("application/xml", false))
	require.Equal(t, KindSitemapXML, Classify("application/xml", true))
	require.Equal(t, KindSitemapGz, Classify("application/x-gzip", true))
	require.Equal(t, KindSitemapText, Classify("text/plain", true))
}

func TestParseHTML(t *testing.T) {
	body := []byte(`<html><head>
		<base href="http://b.example/dir/">
		<link rel="stylesheet" href="style.css">
		<script src="app.js"></script>
	</head><body>
		<a href="/x">x</a>
		<a href="#frag">skip</a>
		<img src="logo.png" srcset="logo2x.png 2x, logo3x.png 3x">
		<form action="/submit"></form>
	</body></html>`)

	res, err := ParseHTML(body, "")
	require.NoError(t, err)
	require.Equal(t, "http://b.example/dir/", res.Base)

	got := map[string]bool{}
	for _, r := range res.Refs {
		got[r.URL] = true
	}
	for _, want := range []string{"style.css", "app.js", "/x", "logo.png", "logo2x.png", "logo3x.png", "/submit"} {
		require.True(t, got[want], want)
	}
	require.False(t, got["#frag"])
}

func TestPageRequisite(t *testing.T) {
	require.True(t, Ref{Tag: "img"}.PageRequisite())
	require.True(t, Ref{Tag: "script"}.PageRequisite())
	require.False(t, Ref{Tag: "a"}.PageRequisite())
}

func TestParseCSS(t *testing.T) {
	css := []byte(`@charset "iso-8859-1";
	/* url(commented.png) */
	body { background: url("bg.png"); }
	div { background: URL( 'tile.gif' ); }
	.x { cursor: url(data:image/png;base64,AAAA), auto; }
	@import "extra.css";`)

	res := ParseCSS(css)
	require.Equal(t, "iso-8859-1", res.Charset)
	require.Contains(t, res.URLs, "bg.png")
	require.Contains(t, res.URLs, "tile.gif")
	require.Contains(t, res.URLs, "extra.css")
	require.NotContains(t, res.URLs, "commented.png")
	for _, u := range res.URLs {
		require.False(t, strings.HasPrefix(u, "data:"))
	}
}

const sitemapXML = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>http://a/one</loc></url>
  <url><loc> http://a/two </loc></url>
</urlset>`

func TestParseSitemapXML(t *testing.T) {
	urls, err := ParseSitemapXML(strings.NewReader(sitemapXML))
	require.NoError(t, err)
	require.Equal(t, []string{"http://a/one", "http://a/two"}, urls)
}

func TestParseSitemapGz(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(sitemapXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	urls, err := ParseSitemapGz(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, urls, 2)
}

func TestParseSitemapText(t *testing.T) {
	urls := ParseSitemapText([]byte("http://a/one\n\n http://a/two \n"))
	require.Equal(t, []string{"http://a/one", "http://a/two"}, urls)
}

func TestParseAtom(t *testing.T) {
	body := []byte(`<?xml version="1.0"?>
	<feed xmlns="http://www.w3.org/2005/Atom">
	  <link href="http://a/feed"/>
	  <entry><link href="http://a/post1"/></entry>
	</feed>`)
	urls, err := ParseAtom(body)
	require.NoError(t, err)
	require.Equal(t, []string{"http://a/feed", "http://a/post1"}, urls)
}

func TestParseRSS(t *testing.T) {
	body := []byte(`<?xml version="1.0"?>
	<rss version="2.0"><channel>
	  <link>http://a/</link>
	  <item><link>http://a/item1</link><enclosure url="http://a/file.mp3" length="1" type="audio/mpeg"/></item>
	</channel></rss>`)
	urls, err := ParseRSS(body)
	require.NoError(t, err)
	require.Contains(t, urls, "http://a/")
	require.Contains(t, urls, "http://a/item1")
	require.Contains(t, urls, "http://a/file.mp3")
}

func TestParseMetalink(t *testing.T) {
	body := []byte(`<?xml version="1.0" encoding="UTF-8"?>
	<metalink xmlns="urn:ietf:params:xml:ns:metalink">
	  <file name="big">
	    <size>3000</size>
	    <hash type="sha-256">ABCDEF</hash>
	    <pieces length="1024" type="sha-256">
	      <hash>h1</hash><hash>h2</hash><hash>h3</hash>
	    </pieces>
	    <url priority="2">http://mirror2/big</url>
	    <url priority="1" location="de">http://mirror1/big</url>
	    <url priority="3">ftp://mirror3/big</url>
	  </file>
	</metalink>`)

	m, err := ParseMetalink(body)
	require.NoError(t, err)
	require.Equal(t, "big", m.Name)
	require.Equal(t, int64(3000), m.Size)
	require.Equal(t, "abcdef", m.SHA256)

	require.Len(t, m.Pieces, 3)
	require.Equal(t, int64(952), m.Pieces[2].Length) // clipped to file size
	require.Equal(t, int64(2048), m.Pieces[2].Position)

	// ftp mirror dropped, http mirrors sorted by priority
	require.Len(t, m.Mirrors, 2)
	require.Equal(t, "mirror1", m.Mirrors[0].IRI.Host)
	require.Equal(t, "de", m.Mirrors[0].Location)
}

func TestParseRobots(t *testing.T) {
	body := []byte("User-agent: *\nDisallow: /private/\nSitemap: http://a/sitemap.xml\n")
	r, err := ParseRobots(body)
	require.NoError(t, err)
	require.True(t, r.Allowed("wget2", "/public/x"))
	require.False(t, r.Allowed("wget2", "/private/x"))
	require.Equal(t, []string{"http://a/sitemap.xml"}, r.Sitemaps)
}

func TestNilRobotsAllows(t *testing.T) {
	var r *Robots
	require.True(t, r.Allowed("wget2", "/anything"))
}
