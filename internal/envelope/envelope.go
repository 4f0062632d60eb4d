// Package envelope assembles RFC 2822 messages from submitted payloads.
package envelope

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ignite/mail-relay/internal/store"
)

// MessageIDHeader carries the client-facing message id on every outgoing
// mail so bounce collectors can correlate notifications back to it.
const MessageIDHeader = "X-Genro-Mail-ID"

// Attachment is fetched content ready for MIME composition.
type Attachment struct {
	Filename string
	Data     []byte
}

// Recipients returns the full SMTP recipient set: to, cc and bcc.
func Recipients(p store.Payload) []string {
	out := make([]string, 0, len(p.To)+len(p.CC)+len(p.BCC))
	out = append(out, p.To...)
	out = append(out, p.CC...)
	out = append(out, p.BCC...)
	return out
}

// Build renders the payload into wire-ready message bytes. messageID is
// the client-facing id stamped into the correlation header. Bcc
// recipients are deliberately absent from the headers; they only appear
// in the SMTP envelope.
func Build(p store.Payload, messageID string, atts []Attachment) ([]byte, error) {
	if p.From == "" {
		return nil, fmt.Errorf("envelope: missing from address")
	}
	if len(p.To) == 0 {
		return nil, fmt.Errorf("envelope: no recipients")
	}

	var buf bytes.Buffer
	writeHeader := func(k, v string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}

	writeHeader("From", p.From)
	writeHeader("To", strings.Join(p.To, ", "))
	if len(p.CC) > 0 {
		writeHeader("Cc", strings.Join(p.CC, ", "))
	}
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", p.Subject))
	writeHeader("Date", time.Now().UTC().Format(time.RFC1123Z))
	writeHeader("MIME-Version", "1.0")
	writeHeader(MessageIDHeader, messageID)

	// Custom headers in a stable order; correlation and structural
	// headers cannot be overridden.
	keys := make([]string, 0, len(p.Headers))
	for k := range p.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if isReservedHeader(k) {
			continue
		}
		writeHeader(k, p.Headers[k])
	}

	bodyType := "text/plain"
	if strings.Contains(strings.ToLower(p.ContentType), "html") {
		bodyType = "text/html"
	}

	if len(atts) == 0 {
		writeHeader("Content-Type", bodyType+"; charset=UTF-8")
		writeHeader("Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		if err := writeQuotedPrintable(&buf, p.Body); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	w := multipart.NewWriter(&buf)
	writeHeader("Content-Type", "multipart/mixed; boundary="+w.Boundary())
	buf.WriteString("\r\n")

	bodyHdr := textproto.MIMEHeader{}
	bodyHdr.Set("Content-Type", bodyType+"; charset=UTF-8")
	bodyHdr.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := w.CreatePart(bodyHdr)
	if err != nil {
		return nil, fmt.Errorf("envelope: body part: %w", err)
	}
	if err := writeQuotedPrintable(part, p.Body); err != nil {
		return nil, err
	}

	for _, att := range atts {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Type", contentTypeFor(att.Filename))
		hdr.Set("Content-Transfer-Encoding", "base64")
		hdr.Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", att.Filename))
		part, err := w.CreatePart(hdr)
		if err != nil {
			return nil, fmt.Errorf("envelope: attachment part %s: %w", att.Filename, err)
		}
		if err := writeBase64(part, att.Data); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isReservedHeader(k string) bool {
	switch textproto.CanonicalMIMEHeaderKey(k) {
	case "From", "To", "Cc", "Bcc", "Subject", "Date", "Mime-Version", "Content-Type",
		"Content-Transfer-Encoding",
		textproto.CanonicalMIMEHeaderKey(MessageIDHeader):
		return true
	}
	return false
}

// writeQuotedPrintable encodes body text so non-ASCII content never
// leaves as bare 8-bit.
func writeQuotedPrintable(w io.Writer, body string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(body)); err != nil {
		return err
	}
	return qp.Close()
}

// contentTypeFor guesses the MIME type from the filename extension.
func contentTypeFor(filename string) string {
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// writeBase64 emits base64 content wrapped at 76 columns per RFC 2045.
func writeBase64(w interface{ Write([]byte) (int, error) }, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 0 {
		n := 76
		if n > len(encoded) {
			n = len(encoded)
		}
		if _, err := w.Write([]byte(encoded[:n])); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}
