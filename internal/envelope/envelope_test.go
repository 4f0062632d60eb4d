package envelope

import (
	"strings"
	"testing"

	"github.com/ignite/mail-relay/internal/store"
)

func basePayload() store.Payload {
	return store.Payload{
		From:    "sender@example.com",
		To:      []string{"r1@example.com"},
		Subject: "Hello",
		Body:    "plain text body",
	}
}

func TestBuildPlainMessage(t *testing.T) {
	data, err := Build(basePayload(), "m1", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	msg := string(data)

	for _, want := range []string{
		"From: sender@example.com\r\n",
		"To: r1@example.com\r\n",
		"Subject: Hello\r\n",
		"X-Genro-Mail-ID: m1\r\n",
		"Content-Type: text/plain; charset=UTF-8\r\n",
		"\r\n\r\nplain text body",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestBuildHTMLContentType(t *testing.T) {
	p := basePayload()
	p.ContentType = "text/html"
	p.Body = "<b>hi</b>"

	data, err := Build(p, "m1", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(string(data), "Content-Type: text/html; charset=UTF-8") {
		t.Error("html payload should produce text/html part")
	}
}

func TestBuildCustomHeadersAndCc(t *testing.T) {
	p := basePayload()
	p.CC = []string{"cc@example.com"}
	p.Headers = map[string]string{
		"X-Campaign":      "welcome",
		"X-Genro-Mail-ID": "spoofed",
		"Reply-To":        "replies@example.com",
	}

	data, err := Build(p, "m1", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	msg := string(data)

	if !strings.Contains(msg, "Cc: cc@example.com\r\n") {
		t.Error("missing Cc header")
	}
	if !strings.Contains(msg, "X-Campaign: welcome\r\n") {
		t.Error("missing custom header")
	}
	if !strings.Contains(msg, "Reply-To: replies@example.com\r\n") {
		t.Error("missing Reply-To header")
	}
	// The correlation header cannot be overridden by the payload.
	if strings.Contains(msg, "spoofed") {
		t.Error("payload must not override the correlation header")
	}
}

func TestBuildBccNeverInHeaders(t *testing.T) {
	p := basePayload()
	p.BCC = []string{"hidden@example.com"}

	data, err := Build(p, "m1", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if strings.Contains(string(data), "hidden@example.com") {
		t.Error("bcc recipients must not appear in message headers")
	}

	rcpts := Recipients(p)
	found := false
	for _, r := range rcpts {
		if r == "hidden@example.com" {
			found = true
		}
	}
	if !found {
		t.Error("bcc recipients must appear in the SMTP envelope")
	}
}

func TestBuildWithAttachments(t *testing.T) {
	p := basePayload()
	atts := []Attachment{
		{Filename: "report.pdf", Data: []byte("%PDF-1.4 fake")},
		{Filename: "data.bin", Data: []byte{0x00, 0x01}},
	}

	data, err := Build(p, "m1", atts)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	msg := string(data)

	if !strings.Contains(msg, "multipart/mixed; boundary=") {
		t.Error("attachment message should be multipart/mixed")
	}
	if !strings.Contains(msg, `attachment; filename="report.pdf"`) {
		t.Error("missing pdf attachment part")
	}
	if !strings.Contains(msg, "application/pdf") {
		t.Error("pdf content type should be guessed from extension")
	}
	if !strings.Contains(msg, "application/octet-stream") {
		t.Error("unknown extension should fall back to octet-stream")
	}
	if !strings.Contains(msg, "Content-Transfer-Encoding: base64") {
		t.Error("attachments should be base64 encoded")
	}
	if !strings.Contains(msg, "Content-Transfer-Encoding: quoted-printable") {
		t.Error("body part should be quoted-printable encoded")
	}
}

func TestBuildBodyQuotedPrintable(t *testing.T) {
	p := basePayload()
	p.Body = "Grüße aus München"

	data, err := Build(p, "m1", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	msg := string(data)

	if !strings.Contains(msg, "Content-Transfer-Encoding: quoted-printable\r\n") {
		t.Error("missing quoted-printable transfer encoding header")
	}
	if !strings.Contains(msg, "Gr=C3=BC=C3=9Fe aus M=C3=BCnchen") {
		t.Errorf("non-ascii body should be quoted-printable encoded:\n%s", msg)
	}
	if strings.Contains(msg, "Grüße") {
		t.Error("raw 8-bit body bytes must not appear on the wire")
	}
}

func TestBuildValidation(t *testing.T) {
	p := basePayload()
	p.From = ""
	if _, err := Build(p, "m1", nil); err == nil {
		t.Error("missing from should fail")
	}

	p = basePayload()
	p.To = nil
	if _, err := Build(p, "m1", nil); err == nil {
		t.Error("missing recipients should fail")
	}
}

func TestBuildEncodesNonASCIISubject(t *testing.T) {
	p := basePayload()
	p.Subject = "Grüße"

	data, err := Build(p, "m1", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(string(data), "=?utf-8?") {
		t.Error("non-ascii subject should be RFC 2047 encoded")
	}
}
