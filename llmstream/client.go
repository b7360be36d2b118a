package llmstream

import (
	"context"
	"log/slog"
	"sync"
)

// Client routes requests to registered provider adapters and pumps the
// adapter's event channel into a StreamHandler. It implements StreamClient.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	logger          *slog.Logger
	mu              sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
	}
}

// WithDefaultProvider sets the default provider name.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithClientLogger sets the logger used for stream diagnostics.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]ProviderAdapter),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// RegisterProvider adds a provider adapter to the client.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// resolveProvider determines which provider adapter to use for a request.
func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Params.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		if info := LookupModel(req.Params.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, &ConfigurationError{ClientError: ClientError{
			Message: "no provider specified and no default configured",
		}}
	}
	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{ClientError: ClientError{
			Message: "provider not registered: " + name,
		}}
	}
	return adapter, nil
}

// Complete sends a blocking request through the resolved adapter.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}
	return adapter.Complete(ctx, req)
}

// GenerateStream streams a completion, dispatching each event to the handler.
// It suspends until the stream ends or errors. A non-nil error from the
// handler's OnToolUse is logged and the stream continues; mapping that error
// into a tool_result is the handler's own responsibility.
func (c *Client) GenerateStream(ctx context.Context, req Request, handler StreamHandler) error {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		handler.OnError(err)
		return err
	}

	events, err := adapter.Stream(ctx, req)
	if err != nil {
		handler.OnError(err)
		return err
	}

	for event := range events {
		switch event.Type {
		case TextDelta:
			if event.Delta != "" {
				handler.OnContent(event.Delta)
			}
		case ToolUseEvent:
			if event.ToolUse != nil {
				if err := handler.OnToolUse(*event.ToolUse); err != nil {
					c.logger.Warn("stream handler rejected tool use",
						"tool", event.ToolUse.Name, "error", err)
				}
			}
		case StreamFinish:
			if event.Response != nil {
				handler.OnComplete(event.Response)
			}
		case StreamError:
			streamErr := event.Error
			if streamErr == nil {
				streamErr = &StreamAbortedError{ClientError: ClientError{Message: "stream ended with unspecified error"}}
			}
			handler.OnError(streamErr)
			return streamErr
		}
	}
	return nil
}
