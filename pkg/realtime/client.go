package realtime

import (
	"context"
	"fmt"
	"net/http"
)

// Client layers typed protocol operations over a Transport. It is the single
// object the rest of the bridge talks to; every method maps to exactly one
// wire message.
type Client struct {
	transport Transport
}

// NewClient wraps transport. The transport may be connected before or after.
func NewClient(transport Transport) *Client {
	return &Client{transport: transport}
}

// Transport exposes the underlying transport for lifecycle control.
func (c *Client) Transport() Transport { return c.transport }

// Connect dials the realtime endpoint with bearer auth and the protocol
// version header.
func (c *Client) Connect(ctx context.Context, url, apiKey string) error {
	header := http.Header{
		"Authorization": []string{"Bearer " + apiKey},
		"OpenAI-Beta":   []string{"realtime=v1"},
	}
	return c.transport.Connect(ctx, url, header)
}

// AppendAudio uploads one base64 chunk of caller audio.
func (c *Client) AppendAudio(ctx context.Context, audioB64 string) error {
	return c.transport.Send(ctx, NewInputAudioAppend(audioB64))
}

// CommitInput commits the uncommitted caller audio as a turn.
func (c *Client) CommitInput(ctx context.Context) error {
	return c.transport.Send(ctx, NewInputAudioCommit())
}

// ClearInput discards the uncommitted caller audio.
func (c *Client) ClearInput(ctx context.Context) error {
	return c.transport.Send(ctx, NewInputAudioClear())
}

// CancelResponse aborts the in-flight model response. The server answers with
// "no active response found" when nothing is being generated; callers treat
// that as non-fatal noise.
func (c *Client) CancelResponse(ctx context.Context) error {
	return c.transport.Send(ctx, NewResponseCancel())
}

// UpdateSession sends a session.update with params.
func (c *Client) UpdateSession(ctx context.Context, params SessionParams) error {
	return c.transport.Send(ctx, NewSessionUpdate(params))
}

// CreateResponse asks the model to produce a response scoped by params.
func (c *Client) CreateResponse(ctx context.Context, params ResponseParams) error {
	return c.transport.Send(ctx, NewResponseCreate(params))
}

// CreateUserMessage injects a user text item into the conversation.
func (c *Client) CreateUserMessage(ctx context.Context, text string) error {
	return c.transport.Send(ctx, NewUserMessage(text))
}

// SendToolResult emits the function_call_output item for callID.
func (c *Client) SendToolResult(ctx context.Context, callID, output string) error {
	if callID == "" {
		return fmt.Errorf("realtime: tool result without call id")
	}
	return c.transport.Send(ctx, NewFunctionCallOutput(callID, output))
}

// Close tears the transport down.
func (c *Client) Close() error {
	return c.transport.Close()
}
