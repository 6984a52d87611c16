package pipeline

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ultrazend/ultrazend/internal/domain"
)

// reservedHeaders are set by the assembler and cannot be overridden by
// caller-supplied custom headers.
var reservedHeaders = map[string]bool{
	"from": true, "to": true, "subject": true, "date": true,
	"message-id": true, "mime-version": true, "content-type": true,
	"dkim-signature": true, "return-path": true,
}

// NewMessageID mints a unique Message-ID value at the platform hostname.
func NewMessageID(hostname string) string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return fmt.Sprintf("<%d.%s@%s>", time.Now().UnixNano(), hex.EncodeToString(buf), hostname)
}

// BuildMessage assembles the RFC 5322 wire form of an email. fromHeader
// overrides the From header (used when signing falls back to the system
// domain); pass "" to use the envelope sender.
func BuildMessage(e *domain.Email, fromHeader string) []byte {
	from := fromHeader
	if from == "" {
		from = e.EnvelopeFrom
	}

	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s\r\n", from))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(e.EnvelopeTo, ", ")))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", e.Subject))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z)))
	buf.WriteString(fmt.Sprintf("Message-ID: %s\r\n", e.MessageID))
	buf.WriteString("MIME-Version: 1.0\r\n")

	// From rewritten to the fallback domain keeps replies flowing to the
	// original sender.
	if fromHeader != "" && fromHeader != e.EnvelopeFrom {
		if _, ok := e.Headers["Reply-To"]; !ok {
			buf.WriteString(fmt.Sprintf("Reply-To: %s\r\n", e.EnvelopeFrom))
		}
	}

	for k, v := range e.Headers {
		if reservedHeaders[strings.ToLower(k)] {
			continue
		}
		buf.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}

	switch {
	case e.BodyHTML != "" && e.BodyText != "":
		boundary := fmt.Sprintf("=_%s", uuid.New().String()[:16])
		buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary))
		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		buf.WriteString(e.BodyText)
		buf.WriteString("\r\n")
		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		buf.WriteString(e.BodyHTML)
		buf.WriteString("\r\n")
		buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	case e.BodyHTML != "":
		buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		buf.WriteString(e.BodyHTML)
		buf.WriteString("\r\n")
	default:
		buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		buf.WriteString(e.BodyText)
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}
