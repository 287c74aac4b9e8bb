// Package twilioclient wraps the Twilio REST API for phone deliveries: SMS
// messages and voice calls that read a reminder aloud.
package twilioclient

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender is the phone surface used by the Twilio transport.
type Sender interface {
	SendSMS(ctx context.Context, to, body string) error
	Call(ctx context.Context, to, twiml string) error
}

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the account SID; TWILIO_ACCOUNT_SID is used otherwise.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the auth token; TWILIO_AUTH_TOKEN is used otherwise.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFrom sets the sending number in E.164; TWILIO_FROM_NUMBER is used otherwise.
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// Client wraps Twilio REST API
type Client struct {
	client *twilio.RestClient
	from   string
}

var _ Sender = (*Client)(nil)

// NewClient creates a Twilio client from options and environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	// Fallback to environment variables if not provided via options
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)
	return &Client{client: client, from: cfg.From}, nil
}

// SendSMS sends a text message.
func (c *Client) SendSMS(ctx context.Context, to, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetBody(body)

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("Client.SendSMS: Twilio request failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Client.SendSMS: message sent", "to", to)
	return nil
}

// Call places a voice call that plays the given TwiML document.
func (c *Client) Call(ctx context.Context, to, twiml string) error {
	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetTwiml(twiml)

	if _, err := c.client.Api.CreateCall(params); err != nil {
		slog.Error("Client.Call: Twilio request failed", "to", to, "error", err)
		return fmt.Errorf("failed to call %s: %w", to, err)
	}
	slog.Debug("Client.Call: call placed", "to", to)
	return nil
}

// MockClient records deliveries instead of calling Twilio.
type MockClient struct {
	mu    sync.Mutex
	SMS   []Sent
	Calls []Sent
	Err   error
}

// Sent is one recorded delivery.
type Sent struct {
	To   string
	Body string
}

var _ Sender = (*MockClient)(nil)

// NewMockClient returns an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendSMS(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SMS = append(m.SMS, Sent{To: to, Body: body})
	return nil
}

func (m *MockClient) Call(ctx context.Context, to, twiml string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Calls = append(m.Calls, Sent{To: to, Body: twiml})
	return nil
}
