package sync

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"regexp"
	"strings"
	"unicode/utf8"

	msgcharset "github.com/emersion/go-message/charset"
	"github.com/orbitmail/core/internal/logging"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
)

// decodeQuotedPrintableIfNeeded detects and decodes quoted-printable
// content that a MIME part declared an encoding for but whose
// go-message decoding produced untouched text.
func decodeQuotedPrintableIfNeeded(content []byte) []byte {
	contentStr := string(content)
	if !strings.Contains(contentStr, "=3D") && !strings.Contains(contentStr, "=\n") && !strings.Contains(contentStr, "=\r\n") {
		return content
	}

	log := logging.WithComponent("quoted-printable")
	reader := quotedprintable.NewReader(bytes.NewReader(content))
	decoded, err := io.ReadAll(reader)
	if err != nil {
		log.Debug().Err(err).Msg("quoted-printable decode failed, returning original content")
		return content
	}
	return decoded
}

// eastAsianFallbacks are tried, in order, when auto-detection on an
// undeclared/UTF-8-declared body fails or yields gibberish. Gmail's
// export of older mail regularly carries Korean and Japanese bodies
// with no usable Content-Type charset, not just the Chinese encodings
// a CJK-only fallback list would catch.
var eastAsianFallbacks = []string{"gb18030", "gbk", "gb2312", "big5", "euc-tw", "euc-kr", "shift_jis"}

// charsetAliases maps declared charset labels that golang.org/x/text's
// htmlindex doesn't recognize by name to an index entry it does,
// covering the IANA/Windows code-page aliases most often seen on mail
// from older East Asian mail clients.
var charsetAliases = map[string]string{
	"gb2312":         "gbk", // often mislabeled GBK in practice
	"x-gbk":          "gbk",
	"cp936":          "gbk",
	"x-big5":         "big5",
	"cp950":          "big5",
	"ks_c_5601-1987": "euc-kr",
	"cp949":          "euc-kr",
	"ms949":          "euc-kr",
	"windows-31j":    "shift_jis",
	"cp932":          "shift_jis",
	"ms932":          "shift_jis",
}

// westernMislabelCandidates are declared charsets where a UTF-8 body
// mislabeled as a Western single-byte encoding is a common enough
// authoring mistake (certain Outlook/Exchange versions do this for
// HTML bodies) that it's worth checking for before trusting the label.
var westernMislabelCandidates = map[string]bool{
	"iso-8859-1":   true,
	"latin1":       true,
	"latin-1":      true,
	"windows-1252": true,
	"cp1252":       true,
	"x-cp1252":     true,
}

// decodeCharset converts content from the declared charset to UTF-8,
// falling back to auto-detection when the declared charset is absent,
// UTF-8/ASCII but invalid, or produces gibberish output. A body
// declared as a Western single-byte charset is additionally checked
// for the mislabeled-UTF-8 case before being decoded through the
// (possibly wrong) declared charset.
func decodeCharset(content []byte, declaredCharset string) string {
	log := logging.WithComponent("charset")
	normalized := strings.ToLower(strings.TrimSpace(declaredCharset))

	if normalized == "" || normalized == "utf-8" || normalized == "us-ascii" {
		if utf8.Valid(content) {
			str := string(content)
			if !looksLikeGibberish(str) {
				return str
			}
		}

		encoding, _, _ := charset.DetermineEncoding(content, "text/html")
		decoded, err := encoding.NewDecoder().Bytes(content)
		if err == nil && !looksLikeGibberish(string(decoded)) {
			return string(decoded)
		}

		for _, encName := range eastAsianFallbacks {
			enc, err := htmlindex.Get(encName)
			if err != nil {
				continue
			}
			decoded, err := enc.NewDecoder().Bytes(content)
			if err == nil && utf8.Valid(decoded) && !looksLikeGibberish(string(decoded)) {
				return string(decoded)
			}
		}

		log.Debug().Msg("all charset detection attempts failed, returning as-is")
		return string(content)
	}

	if westernMislabelCandidates[normalized] && utf8.Valid(content) {
		str := string(content)
		if !looksLikeMojibake(str) {
			return str
		}
	}

	enc, err := htmlindex.Get(declaredCharset)
	if err != nil {
		if alias, ok := charsetAliases[normalized]; ok {
			enc, err = htmlindex.Get(alias)
		}
		if err != nil {
			log.Warn().Err(err).Str("declaredCharset", declaredCharset).Msg("unknown charset, returning as-is")
			return string(content)
		}
	}

	decoded, err := enc.NewDecoder().Bytes(content)
	if err != nil {
		log.Warn().Err(err).Str("declaredCharset", declaredCharset).Msg("charset decode failed, returning as-is")
		return string(content)
	}
	return string(decoded)
}

// looksLikeGibberish flags text with a high density of replacement
// characters or rare CJK Extension B codepoints, both signs of a
// mislabeled source encoding.
func looksLikeGibberish(s string) bool {
	if len(s) == 0 {
		return false
	}

	var replacementCount, cjkExtBCount, total int
	for _, r := range s {
		total++
		if r == '�' {
			replacementCount++
		}
		if r >= 0x20000 && r <= 0x2A6DF {
			cjkExtBCount++
		}
	}

	if total > 10 && float64(replacementCount)/float64(total) > 0.1 {
		return true
	}
	if total > 20 && float64(cjkExtBCount)/float64(total) > 0.05 {
		return true
	}
	return false
}

// looksLikeMojibake flags text with a high density of the Ã/Â/â runes
// that appear when UTF-8 bytes are decoded as Latin-1/Windows-1252 —
// the classic double-mangled "CafÃ©" pattern, distinct from the CJK
// mis-decode signs looksLikeGibberish checks for.
func looksLikeMojibake(s string) bool {
	if len(s) == 0 {
		return false
	}

	var hits, total int
	for _, r := range s {
		total++
		if r == 'Ã' || r == 'Â' || r == 'â' {
			hits++
		}
	}

	return total > 20 && float64(hits)/float64(total) > 0.03
}

// extractCharsetFromHTML falls back to HTML meta tags when a part's
// Content-Type header omits a charset.
func extractCharsetFromHTML(html []byte) string {
	searchBytes := html
	if len(html) > 1024 {
		searchBytes = html[:1024]
	}

	re1 := regexp.MustCompile(`(?i)<meta[^>]+charset=["']?([^"'\s>]+)`)
	if match := re1.FindSubmatch(searchBytes); len(match) > 1 {
		return string(match[1])
	}

	re2 := regexp.MustCompile(`(?i)<meta[^>]+content=["'][^"']*charset=([^"'\s;]+)`)
	if match := re2.FindSubmatch(searchBytes); len(match) > 1 {
		return string(match[1])
	}

	return ""
}

// decodeMIMEWord decodes RFC 2047 encoded words (e.g.
// =?UTF-8?B?5Lit5paH?=) found in Subject/From headers.
func decodeMIMEWord(s string) string {
	if s == "" {
		return s
	}
	dec := &mime.WordDecoder{
		CharsetReader: func(charsetName string, r io.Reader) (io.Reader, error) {
			if reader, err := msgcharset.Reader(charsetName, r); err == nil {
				return reader, nil
			}
			enc, err := htmlindex.Get(charsetName)
			if err != nil {
				return nil, fmt.Errorf("unknown charset: %s", charsetName)
			}
			return enc.NewDecoder().Reader(r), nil
		},
	}
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}
