// Package classify maps SMTP replies, enhanced status codes, and
// DSN/ARF feedback into delivery outcomes. It drives the retry/suppress
// decision for every attempt.
package classify

import (
	"regexp"
	"strings"

	"github.com/ultrazend/ultrazend/internal/domain"
)

// Outcome is the classification of one delivery result.
type Outcome string

const (
	Success   Outcome = "success"
	Transient Outcome = "transient"
	Permanent Outcome = "permanent"
	Complaint Outcome = "complaint"
	Suppress  Outcome = "suppress" // permanent + add suppression entry
)

// Result carries the classification plus the suppression decision.
type Result struct {
	Outcome  Outcome
	Suppress bool
	Reason   domain.SuppressionReason // set when Suppress is true
}

var enhancedRe = regexp.MustCompile(`\b([245])\.(\d{1,3})\.(\d{1,3})\b`)

// ExtractEnhanced pulls the first RFC 3463 enhanced status code out of a
// reply text, or "" when none is present.
func ExtractEnhanced(text string) string {
	return enhancedRe.FindString(text)
}

// Reply classifies an SMTP reply (code + text). The enhanced status code
// is extracted from the text when present.
func Reply(code int, text string) Result {
	enhanced := ExtractEnhanced(text)

	switch {
	case code >= 200 && code < 300:
		return Result{Outcome: Success}

	case code == 421 || (code >= 450 && code <= 452):
		return Result{Outcome: Transient}

	case code >= 400 && code < 500:
		// Other 4xx: still worth a retry
		return Result{Outcome: Transient}

	case code >= 500 && code < 600:
		return permanent(enhanced, text)
	}

	// Unknown or network-level failure with no reply code
	return Result{Outcome: Transient}
}

func permanent(enhanced, text string) Result {
	switch {
	case strings.HasPrefix(enhanced, "5.1.1"), strings.HasPrefix(enhanced, "5.1.2"):
		// No such user / bad destination host: the address is dead
		return Result{
			Outcome:  Suppress,
			Suppress: true,
			Reason:   domain.ReasonHardBounce,
		}
	case strings.HasPrefix(enhanced, "5.7."):
		// Policy/reputation rejection; the address itself may be fine
		return Result{Outcome: Permanent}
	}

	// Some receivers omit enhanced codes; fall back to text heuristics
	lower := strings.ToLower(text)
	if strings.Contains(lower, "no such user") ||
		strings.Contains(lower, "user unknown") ||
		strings.Contains(lower, "does not exist") {
		return Result{Outcome: Suppress, Suppress: true, Reason: domain.ReasonHardBounce}
	}

	return Result{Outcome: Permanent}
}

// RetryableOnNextMX reports whether a 5xx reply is one of the well-known
// "try another MX" exceptions (greylisting implementations and broken
// receivers that answer 5xx where 4xx was meant).
func RetryableOnNextMX(code int, text string) bool {
	if code != 550 && code != 554 {
		return false
	}
	lower := strings.ToLower(text)
	return strings.Contains(lower, "greylist") ||
		strings.Contains(lower, "try again") ||
		strings.Contains(lower, "temporarily")
}

// ARF classifies an Abuse Reporting Format feedback payload. Every
// feedback type (abuse, fraud, virus, opt-out, anything future) is a
// complaint that suppresses the reporting address.
func ARF(feedbackType string) Result {
	return Result{Outcome: Complaint, Suppress: true, Reason: domain.ReasonComplaint}
}

// DSNAction classifies the Action field of an RFC 3464 delivery status
// notification.
func DSNAction(action, status string) Result {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "failed":
		return permanent(status, "")
	case "delayed":
		return Result{Outcome: Transient}
	case "delivered", "relayed", "expanded":
		return Result{Outcome: Success}
	}
	return Result{Outcome: Transient}
}

// AttemptClassification maps an Outcome to the per-attempt record value.
func (r Result) AttemptClassification() domain.AttemptClassification {
	switch r.Outcome {
	case Success:
		return domain.AttemptSuccess
	case Transient:
		return domain.AttemptTransient
	case Permanent, Suppress, Complaint:
		return domain.AttemptPermanent
	}
	return domain.AttemptDeferred
}
