package sync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"html"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/microcosm-cc/bluemonday"
	imapPkg "github.com/orbitmail/core/internal/imap"
	"github.com/orbitmail/core/internal/logging"
	"github.com/orbitmail/core/internal/message"
	"github.com/rs/zerolog"
)

// MaxInlineAssetBytes bounds a single inline asset write: writes over
// 5 MiB are skipped.
const MaxInlineAssetBytes = 5 * 1024 * 1024

// MinAcceptableHTMLLen is the trimmed-length floor for an HTML part to
// be considered renderable on its own.
const MinAcceptableHTMLLen = 20

// SnippetMaxLen is generate_preview's truncation length.
const SnippetMaxLen = 160

var cidRefPattern = regexp.MustCompile(`(?i)(src\s*=\s*["'])cid:([^"']+)(["'])`)

var boilerplateWords = regexp.MustCompile(`(?i)\b(unsubscribe|subscribe|view in browser|click here)\b`)

var htmlTagPattern = regexp.MustCompile(`(?s)<[^>]*>`)

var whitespacePattern = regexp.MustCompile(`\s+`)

// BodyFetcher implements get_message_body (C6): in-memory cache →
// persistent store → full-message fetch → MIME walk → CID rewrite →
// snippet → persist.
type BodyFetcher struct {
	pool      *imapPkg.Pool
	store     *message.Store
	cache     BodyCache
	assetRoot string
	sanitizer *bluemonday.Policy
	sem       *FetchSemaphore
	log       zerolog.Logger
}

// BodyCache is the subset of the in-memory LRU (C2) the fetcher needs,
// kept as an interface so tests can substitute a fake.
type BodyCache interface {
	Get(uid uint32) (string, bool)
	Put(uid uint32, html string)
}

// NewBodyFetcher constructs a BodyFetcher. assetRoot is the
// session-scoped inline-asset directory (an
// orbitmail_inline/session_<ts>_<pid> path), already created by the
// caller at startup.
func NewBodyFetcher(pool *imapPkg.Pool, store *message.Store, cache BodyCache, assetRoot string, sem *FetchSemaphore) *BodyFetcher {
	return &BodyFetcher{
		pool:      pool,
		store:     store,
		cache:     cache,
		assetRoot: assetRoot,
		sanitizer: bluemonday.UGCPolicy().AllowURLSchemes("http", "https", "mailto", "cid", "asset"),
		sem:       sem,
		log:       logging.WithComponent("body-fetch"),
	}
}

// GetMessageBody implements the 10-step get_message_body contract.
func (f *BodyFetcher) GetMessageBody(ctx context.Context, uid uint32) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	if cached, ok := f.cache.Get(uid); ok {
		return cached, nil
	}

	if body, ok, err := f.store.GetMessageBody(Folder, uid); err != nil {
		return "", fmt.Errorf("load cached body: %w", err)
	} else if ok {
		f.cache.Put(uid, body)
		return body, nil
	}

	f.sem.Acquire()
	defer f.sem.Release()

	var rawMessage []byte

	err := f.pool.Run(imapPkg.Prefetch, func(client *imapPkg.Client) error {
		b, err := fetchFullMessage(client.Raw(), uid)
		if err != nil {
			return fmt.Errorf("fetch message: %w", err)
		}
		rawMessage = b
		return nil
	})
	if err != nil {
		return "", err
	}

	rendered := f.renderEntity(uid, rawMessage)
	snippet := generatePreview(rendered)

	if err := f.store.UpdateMessageBody(Folder, uid, rendered, snippet); err != nil {
		f.log.Warn().Err(err).Uint32("uid", uid).Msg("failed to persist fetched body")
	}
	f.cache.Put(uid, rendered)

	return rendered, nil
}

// maxMessageSize bounds a single full-message fetch to protect memory
// on a pathologically large message.
const maxMessageSize = 32 * 1024 * 1024

// fetchFullMessage fetches the entire raw message (headers + body) via
// BODY.PEEK[], streaming the single-message response rather than
// blocking on Collect(). BODYSTRUCTURE-driven selective part fetching
// is deliberately skipped: a local MIME walk over the full message
// (renderEntity below) performs the same HTML/plain/CID selection with
// one round trip instead of two.
func fetchFullMessage(client *imapclient.Client, uid uint32) ([]byte, error) {
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))

	fetchOptions := &imap.FetchOptions{
		UID: true,
		BodySection: []*imap.FetchItemBodySection{
			{Specifier: imap.PartSpecifierNone, Peek: true},
		},
	}

	fetchCmd := client.Fetch(uidSet, fetchOptions)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("no such message uid=%d", uid)
	}

	var raw []byte
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		if data, ok := item.(imapclient.FetchItemDataBodySection); ok && data.Literal != nil {
			lr := io.LimitReader(data.Literal, maxMessageSize)
			b, err := io.ReadAll(lr)
			if err == nil {
				raw = b
			}
		}
	}
	if raw == nil {
		return nil, fmt.Errorf("no body section returned for uid=%d", uid)
	}
	return raw, nil
}

// renderEntity parses the raw RFC 822 message as a MIME entity, walks
// its parts collecting the last acceptable HTML/plain text and CID
// candidates ("last part wins" on a tie), and produces the final HTML
// payload.
func (f *BodyFetcher) renderEntity(uid uint32, raw []byte) string {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil {
		return f.renderFallback(raw)
	}

	var lastHTML, lastPlain string
	cidCandidates := map[string]cidCandidate{}

	var walk func(e *gomessage.Entity)
	walk = func(e *gomessage.Entity) {
		mediaType, params, _ := mime.ParseMediaType(e.Header.Get("Content-Type"))
		contentID := strings.Trim(e.Header.Get("Content-ID"), "<>")
		disp, _, _ := mime.ParseMediaType(e.Header.Get("Content-Disposition"))

		if mr := e.MultipartReader(); mr != nil {
			for {
				part, err := mr.NextPart()
				if err != nil {
					break
				}
				walk(part)
			}
			return
		}

		raw, err := io.ReadAll(e.Body)
		if err != nil {
			return
		}
		raw = decodeQuotedPrintableIfNeeded(raw)

		switch {
		case mediaType == "text/html":
			text := decodeCharset(raw, params["charset"])
			if strings.TrimSpace(text) != "" && len(strings.TrimSpace(text)) >= MinAcceptableHTMLLen {
				lastHTML = text
			}
		case strings.HasPrefix(mediaType, "image/") && contentID != "" && !strings.EqualFold(disp, "attachment"):
			if len(raw) <= MaxInlineAssetBytes {
				cidCandidates[strings.ToLower(contentID)] = cidCandidate{mimeType: mediaType, data: raw}
			}
		default:
			// A bare single-part message with no Content-Type (or any
			// other non-HTML, non-image part) is treated as plain text,
			// matching the implicit text/plain default of RFC 2045.
			if !strings.HasPrefix(mediaType, "image/") && !strings.HasPrefix(mediaType, "multipart/") {
				text := decodeCharset(raw, params["charset"])
				if strings.TrimSpace(text) != "" {
					lastPlain = text
				}
			}
		}
	}
	walk(entity)

	if lastHTML != "" {
		return f.rewriteCIDs(uid, lastHTML, cidCandidates)
	}
	if lastPlain != "" {
		return wrapPlainText(lastPlain)
	}
	return f.renderFallback(raw)
}

func (f *BodyFetcher) renderFallback(raw []byte) string {
	text := decodeCharset(raw, "")
	return wrapPlainText(text)
}

func wrapPlainText(text string) string {
	escaped := html.EscapeString(text)
	return fmt.Sprintf(`<pre style="white-space:pre-wrap;font-family:system-ui">%s</pre>`, escaped)
}

type cidCandidate struct {
	mimeType string
	data     []byte
}

// rewriteCIDs scans html for cid: references, writes matching
// candidates under the session asset directory, and replaces the
// reference with an asset://localhost/... URL. The rendered HTML is
// then sanitized.
func (f *BodyFetcher) rewriteCIDs(uid uint32, htmlBody string, candidates map[string]cidCandidate) string {
	rewritten := cidRefPattern.ReplaceAllStringFunc(htmlBody, func(match string) string {
		groups := cidRefPattern.FindStringSubmatch(match)
		if groups == nil {
			return match
		}
		prefix, cid, suffix := groups[1], groups[2], groups[3]

		candidate, ok := candidates[strings.ToLower(cid)]
		if !ok {
			return match
		}

		sanitized := sanitizeCID(cid)
		ext := extensionForMIME(candidate.mimeType)
		filename := fmt.Sprintf("uid_%d_cid_%s.%s", uid, sanitized, ext)
		fullPath := filepath.Join(f.assetRoot, filename)

		if _, err := os.Stat(fullPath); os.IsNotExist(err) {
			if len(candidate.data) <= MaxInlineAssetBytes {
				if err := os.WriteFile(fullPath, candidate.data, 0o600); err != nil {
					f.log.Warn().Err(err).Str("path", fullPath).Msg("failed to write inline asset")
					return match
				}
			} else {
				return match
			}
		}

		assetURL := "asset://localhost/" + filepath.ToSlash(fullPath)
		return prefix + assetURL + suffix
	})

	return f.sanitizer.Sanitize(rewritten)
}

var cidSanitizePattern = regexp.MustCompile(`[^a-zA-Z0-9_]`)

func sanitizeCID(cid string) string {
	sanitized := cidSanitizePattern.ReplaceAllString(cid, "_")
	if sanitized == "" {
		sum := sha256.Sum256([]byte(cid))
		return fmt.Sprintf("%x", sum[:8])
	}
	return sanitized
}

func extensionForMIME(mimeType string) string {
	switch mimeType {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	default:
		return "bin"
	}
}

// generatePreview implements generate_preview: strip style/script and
// display:none elements, strip remaining tags, replace common
// entities, drop boilerplate words, collapse whitespace, truncate at
// 160 chars with an ellipsis.
func generatePreview(htmlBody string) string {
	text := stripStyleScriptAndHidden(htmlBody)
	text = htmlTagPattern.ReplaceAllString(text, " ")
	text = html.UnescapeString(text)
	text = boilerplateWords.ReplaceAllString(text, "")
	text = whitespacePattern.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	runes := []rune(text)
	if len(runes) <= SnippetMaxLen {
		return text
	}
	return strings.TrimSpace(string(runes[:SnippetMaxLen])) + "…"
}

var styleScriptPattern = regexp.MustCompile(`(?is)<(style|script)[^>]*>.*?</(style|script)>`)
var hiddenElementPattern = regexp.MustCompile(`(?is)<[^>]+display\s*:\s*none[^>]*>.*?</[a-zA-Z0-9]+>`)

func stripStyleScriptAndHidden(htmlBody string) string {
	out := styleScriptPattern.ReplaceAllString(htmlBody, " ")
	out = hiddenElementPattern.ReplaceAllString(out, " ")
	return out
}
