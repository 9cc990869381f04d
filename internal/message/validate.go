package message

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Structural validation per channel. Every violated rule contributes its own
// entry to the error list; validation never fails fast on the first problem.

const smsBodyMaxLen = 1600

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	e164Pattern  = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
)

// ValidationResult is the outcome of Validate: overall validity plus one
// human readable entry per violated rule.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate applies the structural rules of the message's channel. A message
// that fails validation must never be persisted or queued.
func (m *Message) Validate() ValidationResult {
	var errs []string
	switch m.Type {
	case TypeEmail:
		errs = validateEmail(m.Email)
	case TypeSMS:
		errs = validateSMS(m.SMS)
	default:
		errs = []string{fmt.Sprintf("unknown message type: %s", m.Type)}
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func validateEmail(p *EmailPayload) []string {
	var errs []string
	if p == nil {
		return []string{"email payload is required"}
	}

	if p.From.Email == "" {
		errs = append(errs, "from email is required")
	} else if !emailPattern.MatchString(p.From.Email) {
		errs = append(errs, "invalid from email format")
	}

	if len(p.To) == 0 {
		errs = append(errs, "at least one recipient is required")
	}
	for i, rcpt := range p.To {
		if !emailPattern.MatchString(rcpt.Email) {
			errs = append(errs, fmt.Sprintf("invalid recipient email at position %d", i))
		}
	}

	if strings.TrimSpace(p.Subject) == "" {
		errs = append(errs, "subject is required")
	}
	if strings.TrimSpace(p.Body) == "" {
		errs = append(errs, "body is required")
	}

	return errs
}

func validateSMS(p *SMSPayload) []string {
	var errs []string
	if p == nil {
		return []string{"sms payload is required"}
	}

	if strings.TrimSpace(p.From) == "" {
		errs = append(errs, "from phone number is required")
	} else if !e164Pattern.MatchString(p.From) {
		errs = append(errs, "invalid from phone number format (use E.164: +1234567890)")
	}

	if strings.TrimSpace(p.To) == "" {
		errs = append(errs, "to phone number is required")
	} else if !e164Pattern.MatchString(p.To) {
		errs = append(errs, "invalid to phone number format (use E.164: +1234567890)")
	}

	if strings.TrimSpace(p.Body) == "" {
		errs = append(errs, "message body is required")
	} else if utf8.RuneCountInString(p.Body) > smsBodyMaxLen {
		errs = append(errs, fmt.Sprintf("message body is too long (max %d characters)", smsBodyMaxLen))
	}

	return errs
}
