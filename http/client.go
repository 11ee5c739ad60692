package http

import (
	"fmt"
	"net/http"

	paygate "github.com/nacorid/x402-paygate"
	"github.com/nacorid/x402-paygate/http/internal/helpers"
)

// Client is an HTTP client that pays for x402 protected resources.
// It wraps a standard http.Client whose Transport is an X402Transport.
type Client struct {
	*http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// NewClient creates a paying HTTP client. Without WithSigner it behaves
// like a plain http.Client and returns 402 responses as they are.
func NewClient(opts ...ClientOption) (*Client, error) {
	client := &Client{
		Client: &http.Client{Transport: http.DefaultTransport},
	}

	for _, opt := range opts {
		if err := opt(client); err != nil {
			return nil, err
		}
	}

	return client, nil
}

// WithHTTPClient sets the underlying HTTP client. Apply it before WithSigner,
// which wraps the client's transport.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) error {
		if httpClient == nil {
			return fmt.Errorf("http client cannot be nil")
		}
		c.Client = httpClient
		if c.Transport == nil {
			c.Transport = http.DefaultTransport
		}
		return nil
	}
}

// WithSigner adds a payment signer to the client.
// Signers are tried in the order they were added.
func WithSigner(signer paygate.Signer) ClientOption {
	return func(c *Client) error {
		if signer == nil {
			return fmt.Errorf("signer cannot be nil")
		}
		transport := getOrCreateTransport(c)
		transport.Signers = append(transport.Signers, signer)
		return nil
	}
}

// WithPaymentCallback sets a callback for a specific payment event type.
func WithPaymentCallback(eventType paygate.PaymentEventType, callback paygate.PaymentCallback) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)

		switch eventType {
		case paygate.PaymentEventAttempt:
			transport.OnPaymentAttempt = callback
		case paygate.PaymentEventSuccess:
			transport.OnPaymentSuccess = callback
		case paygate.PaymentEventFailure:
			transport.OnPaymentFailure = callback
		default:
			return fmt.Errorf("unknown payment event type: %s", eventType)
		}

		return nil
	}
}

// getOrCreateTransport gets the X402Transport or wraps the current transport in one.
func getOrCreateTransport(c *Client) *X402Transport {
	transport, ok := c.Transport.(*X402Transport)
	if !ok {
		transport = &X402Transport{Base: c.Transport}
		c.Transport = transport
	}
	return transport
}

// GetSettlement extracts settlement information from an HTTP response.
// Returns nil if no settlement header is present or if parsing fails.
func GetSettlement(resp *http.Response) *paygate.SettleResponse {
	return helpers.ParseSettlement(resp.Header.Get(paygate.PaymentResponseHeader))
}
