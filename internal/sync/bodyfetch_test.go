package sync

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(t *testing.T) *BodyFetcher {
	t.Helper()
	return NewBodyFetcher(nil, nil, nil, t.TempDir(), nil)
}

func TestWrapPlainTextEscapesAndWraps(t *testing.T) {
	out := wrapPlainText("<script>alert(1)</script>")
	assert.Contains(t, out, "&lt;script&gt;")
	assert.Contains(t, out, "<pre")
}

func TestSanitizeCIDReplacesNonWordChars(t *testing.T) {
	assert.Equal(t, "abc_123", sanitizeCID("abc@123"))
}

func TestSanitizeCIDEmptyAfterStrippingFallsBackToHash(t *testing.T) {
	out := sanitizeCID("@@@")
	assert.NotEmpty(t, out)
	assert.NotContains(t, out, "@")
}

func TestExtensionForMIME(t *testing.T) {
	assert.Equal(t, "png", extensionForMIME("image/png"))
	assert.Equal(t, "jpg", extensionForMIME("image/jpeg"))
	assert.Equal(t, "gif", extensionForMIME("image/gif"))
	assert.Equal(t, "webp", extensionForMIME("image/webp"))
	assert.Equal(t, "bin", extensionForMIME("image/tiff"))
}

func TestStripStyleScriptAndHidden(t *testing.T) {
	in := `<p>keep</p><style>.a{color:red}</style><script>evil()</script><div style="display:none">hide me</div>`
	out := stripStyleScriptAndHidden(in)
	assert.Contains(t, out, "<p>keep</p>")
	assert.NotContains(t, out, "evil()")
	assert.NotContains(t, out, "color:red")
	assert.NotContains(t, out, "hide me")
}

func TestGeneratePreviewStripsTagsAndBoilerplate(t *testing.T) {
	html := "<p>Hello <b>world</b>, please unsubscribe if you want.</p>"
	out := generatePreview(html)
	assert.Equal(t, "Hello world , please if you want.", out)
}

func TestGeneratePreviewTruncatesLongText(t *testing.T) {
	long := "<p>" + strings.Repeat("a", SnippetMaxLen+50) + "</p>"
	out := generatePreview(long)
	assert.True(t, strings.HasSuffix(out, "…"))
	assert.LessOrEqual(t, len(out), SnippetMaxLen+len("…"))
}

func TestRenderEntitySinglePartHTML(t *testing.T) {
	f := newTestFetcher(t)
	raw := []byte("Content-Type: text/html; charset=utf-8\r\n\r\n<p>hello world, this is the body</p>")

	out := f.renderEntity(1, raw)
	assert.Contains(t, out, "hello world")
}

func TestRenderEntityPlainTextFallsBackToPre(t *testing.T) {
	f := newTestFetcher(t)
	raw := []byte("Content-Type: text/plain; charset=utf-8\r\n\r\nplain body text here")

	out := f.renderEntity(1, raw)
	assert.Contains(t, out, "<pre")
	assert.Contains(t, out, "plain body text here")
}

func TestRenderEntityMultipartPrefersHTMLOverPlain(t *testing.T) {
	f := newTestFetcher(t)
	raw := []byte(strings.Join([]string{
		`Content-Type: multipart/alternative; boundary="BOUND"`,
		``,
		`--BOUND`,
		`Content-Type: text/plain; charset=utf-8`,
		``,
		`plain version`,
		`--BOUND`,
		`Content-Type: text/html; charset=utf-8`,
		``,
		`<p>html version of the message body</p>`,
		`--BOUND--`,
		``,
	}, "\r\n"))

	out := f.renderEntity(1, raw)
	assert.Contains(t, out, "html version")
	assert.NotContains(t, out, "plain version")
}

func TestRenderEntityRewritesCIDReference(t *testing.T) {
	f := newTestFetcher(t)
	raw := []byte(strings.Join([]string{
		`Content-Type: multipart/related; boundary="BOUND"`,
		``,
		`--BOUND`,
		`Content-Type: text/html; charset=utf-8`,
		``,
		`<p>look <img src="cid:img1"></p>`,
		`--BOUND`,
		`Content-Type: image/png`,
		`Content-ID: <img1>`,
		`Content-Transfer-Encoding: base64`,
		``,
		`iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNk+A8AAQUBAScY42YAAAAASUVORK5CYII=`,
		`--BOUND--`,
		``,
	}, "\r\n"))

	out := f.renderEntity(1, raw)
	require.Contains(t, out, "asset://localhost/")
	assert.NotContains(t, out, "cid:img1")
}
