package messaging

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/Respite/internal/models"
	"github.com/BTreeMap/Respite/internal/twilioclient"
)

// ErrNoRecipient is returned when a phone delivery has no usable number.
var ErrNoRecipient = errors.New("no phone recipient")

var nonDigits = regexp.MustCompile(`[^0-9]`)

// CanonicalizePhone validates a phone number and returns it in E.164 form.
// It removes all non-numeric characters and requires at least 6 digits.
func CanonicalizePhone(recipient string) (string, error) {
	if strings.TrimSpace(recipient) == "" {
		return "", fmt.Errorf("%w: recipient cannot be empty", ErrNoRecipient)
	}
	canonical := nonDigits.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("%w: no digits found in recipient %q", ErrNoRecipient, recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("%w: %q is too short (minimum 6 digits required)", ErrNoRecipient, canonical)
	}
	return "+" + canonical, nil
}

// TwilioTransport delivers audio reminders as voice calls and everything else
// as SMS.
type TwilioTransport struct {
	client   twilioclient.Sender
	fallback Transport
}

// TwilioOption configures a TwilioTransport.
type TwilioOption func(*TwilioTransport)

// WithNoRecipientFallback sends commands for users without a contact phone
// through t instead of failing them.
func WithNoRecipientFallback(t Transport) TwilioOption {
	return func(s *TwilioTransport) { s.fallback = t }
}

// NewTwilioTransport creates a TwilioTransport over a real or mock client.
func NewTwilioTransport(client twilioclient.Sender, opts ...TwilioOption) *TwilioTransport {
	s := &TwilioTransport{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send implements Transport.
func (s *TwilioTransport) Send(ctx context.Context, cmd models.DeliveryCommand) error {
	if strings.TrimSpace(cmd.Recipient) == "" && s.fallback != nil {
		slog.Debug("TwilioTransport.Send: no contact phone, using fallback", "command_id", cmd.ID, "user_id", cmd.UserID)
		return s.fallback.Send(ctx, cmd)
	}
	to, err := CanonicalizePhone(cmd.Recipient)
	if err != nil {
		return err
	}
	text := cmd.Message
	if cmd.Title != "" && !strings.Contains(text, cmd.Title) {
		text = cmd.Title + ": " + text
	}
	if cmd.Method == models.MethodAudioReminder {
		slog.Debug("TwilioTransport.Send: placing voice reminder", "command_id", cmd.ID, "user_id", cmd.UserID)
		return s.client.Call(ctx, to, sayTwiML(text))
	}
	slog.Debug("TwilioTransport.Send: sending SMS reminder", "command_id", cmd.ID, "user_id", cmd.UserID)
	return s.client.SendSMS(ctx, to, text)
}

// sayTwiML wraps text in a TwiML document that reads it aloud.
func sayTwiML(text string) string {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response><Say>`)
	_ = xml.EscapeText(&b, []byte(text))
	b.WriteString(`</Say></Response>`)
	return b.String()
}
