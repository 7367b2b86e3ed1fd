package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeMIMEWordPlainPassesThrough(t *testing.T) {
	assert.Equal(t, "hello", decodeMIMEWord("hello"))
	assert.Equal(t, "", decodeMIMEWord(""))
}

func TestDecodeMIMEWordUTF8B(t *testing.T) {
	// "Hi" base64-encoded as a UTF-8 encoded word.
	assert.Equal(t, "Hi", decodeMIMEWord("=?UTF-8?B?SGk=?="))
}

func TestDecodeMIMEWordInvalidReturnsOriginal(t *testing.T) {
	s := "=?bogus-charset?B?!!!not-base64!!!?="
	assert.Equal(t, s, decodeMIMEWord(s))
}

func TestDecodeCharsetUTF8PassThrough(t *testing.T) {
	out := decodeCharset([]byte("plain ascii text"), "utf-8")
	assert.Equal(t, "plain ascii text", out)
}

func TestDecodeCharsetEmptyDeclared(t *testing.T) {
	out := decodeCharset([]byte("hello"), "")
	assert.Equal(t, "hello", out)
}

func TestDecodeCharsetUnknownDeclaredReturnsAsIs(t *testing.T) {
	out := decodeCharset([]byte("hello"), "not-a-real-charset")
	assert.Equal(t, "hello", out)
}

func TestLooksLikeGibberishEmptyIsFalse(t *testing.T) {
	assert.False(t, looksLikeGibberish(""))
}

func TestLooksLikeGibberishHighReplacementDensity(t *testing.T) {
	s := "�����������hello"
	assert.True(t, looksLikeGibberish(s))
}

func TestLooksLikeGibberishNormalTextIsFalse(t *testing.T) {
	assert.False(t, looksLikeGibberish("This is a perfectly normal sentence of English text."))
}

func TestExtractCharsetFromHTMLMetaCharset(t *testing.T) {
	html := []byte(`<html><head><meta charset="iso-8859-1"></head></html>`)
	assert.Equal(t, "iso-8859-1", extractCharsetFromHTML(html))
}

func TestExtractCharsetFromHTMLMetaHTTPEquiv(t *testing.T) {
	html := []byte(`<html><head><meta http-equiv="Content-Type" content="text/html; charset=windows-1252"></head></html>`)
	assert.Equal(t, "windows-1252", extractCharsetFromHTML(html))
}

func TestExtractCharsetFromHTMLNoMatch(t *testing.T) {
	html := []byte(`<html><head></head><body>hi</body></html>`)
	assert.Equal(t, "", extractCharsetFromHTML(html))
}

func TestDecodeQuotedPrintableIfNeededDecodesEqualsSequences(t *testing.T) {
	out := decodeQuotedPrintableIfNeeded([]byte("5=3D5"))
	assert.Equal(t, "5=5", string(out))
}

func TestDecodeQuotedPrintableIfNeededPassesThroughPlainContent(t *testing.T) {
	content := []byte("no escapes here")
	out := decodeQuotedPrintableIfNeeded(content)
	assert.Equal(t, content, out)
}

func TestLooksLikeMojibakeEmptyIsFalse(t *testing.T) {
	assert.False(t, looksLikeMojibake(""))
}

func TestLooksLikeMojibakeNormalTextIsFalse(t *testing.T) {
	assert.False(t, looksLikeMojibake("This is a perfectly normal sentence of English text."))
}

func TestLooksLikeMojibakeHighDensityIsTrue(t *testing.T) {
	s := "CafÃ© rÃ©sumÃ© naÃ¯ve Ã¢Â€Â™ crÃ¨me Ã¼ber"
	assert.True(t, looksLikeMojibake(s))
}

func TestDecodeCharsetPrefersUTF8OverMislabeledWindows1252(t *testing.T) {
	// A body that is actually valid UTF-8 (containing a café accent) but
	// whose Content-Type declared windows-1252, a common mislabel from
	// some Outlook/Exchange senders. decodeCharset should prefer the
	// clean UTF-8 reading over decoding it a second time.
	out := decodeCharset([]byte("caf\xc3\xa9"), "windows-1252")
	assert.Equal(t, "café", out)
}

func TestDecodeCharsetResolvesCP949AliasOnASCIIContent(t *testing.T) {
	out := decodeCharset([]byte("hello"), "cp949")
	assert.Equal(t, "hello", out)
}

func TestDecodeCharsetResolvesXBig5AliasOnASCIIContent(t *testing.T) {
	out := decodeCharset([]byte("hello"), "x-big5")
	assert.Equal(t, "hello", out)
}
