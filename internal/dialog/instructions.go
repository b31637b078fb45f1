// Package dialog coordinates the conversation side of a call: the tool router
// that turns model tool calls into booking-engine steps and backend actions,
// and the instruction coordinator that shapes what the assistant says next.
package dialog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/adacab/adacab/pkg/realtime"
)

// strictFrame keeps the model on script for one spoken turn. It forbids the
// failure modes observed on PSTN calls: spurious farewells, re-greeting
// mid-call, and invented booking details.
const strictFrame = `[INSTRUCTION] %s

Say exactly one short, natural turn delivering the instruction above.
Do not greet the caller again. Do not say goodbye unless the instruction itself is a goodbye.
Do not invent addresses, prices, times, or booking details.
Do not call any tools in this response.`

// repromptFrame is the stronger frame used after a response was invalidated.
// Acknowledgements ("sure", "of course") are banned because the caller never
// heard the cancelled response they would refer to.
const repromptFrame = `[INSTRUCTION] %s

Your previous response was invalid and was cancelled; the caller did not hear it.
Say exactly one short, natural turn delivering the instruction above.
Do not acknowledge, apologise, or refer to any earlier attempt.
Do not greet the caller again and do not say goodbye unless instructed.
Do not invent addresses, prices, times, or booking details.
Do not call any tools in this response.`

// groundingMessage is injected as a user item ahead of a reprompt.
const groundingMessage = "The previous assistant response was invalid. Re-ask the question precisely."

// WrapStrict frames text for a normal instructed turn.
func WrapStrict(text string) string { return fmt.Sprintf(strictFrame, text) }

// WrapReprompt frames text for a turn replacing an invalidated response.
func WrapReprompt(text string) string { return fmt.Sprintf(repromptFrame, text) }

// MicState answers the one question the reprompt sequence has about audio:
// whether the caller's mic is currently gated.
type MicState interface {
	IsGated() bool
}

// Coordinator builds and sends the session.update / response.create payload
// pairs that make the assistant speak. All sends go through the serialized
// transport lane, so payload order here is wire order.
type Coordinator struct {
	client *realtime.Client
}

// NewCoordinator wraps client.
func NewCoordinator(client *realtime.Client) *Coordinator {
	return &Coordinator{client: client}
}

// Speak triggers one spoken turn carrying text. Used directly after a tool
// result: the response.create carries the instructions inline and suppresses
// further tool use so the turn cannot race a second tool call.
func (c *Coordinator) Speak(ctx context.Context, text string) error {
	return c.client.CreateResponse(ctx, realtime.ResponseParams{
		Modalities:   []string{"audio", "text"},
		Instructions: WrapStrict(text),
		ToolChoice:   "none",
	})
}

// FollowUp triggers a spoken turn when no tool call is open (backend results
// arriving after the tool result was already sent). The session.update lands
// before the response.create so the new instructions govern the response.
func (c *Coordinator) FollowUp(ctx context.Context, text string) error {
	if err := c.client.UpdateSession(ctx, realtime.SessionParams{
		Instructions: WrapStrict(text),
	}); err != nil {
		return err
	}
	return c.client.CreateResponse(ctx, realtime.ResponseParams{
		Modalities: []string{"audio", "text"},
		ToolChoice: "none",
	})
}

// Reprompt replaces an invalidated in-flight response with a precise re-ask:
// cancel the response, then either discard the input buffer (mic gated — its
// contents are assistant echo) or commit it (mic open — preserve in-flight
// caller speech), inject a grounding user message, and issue the new turn
// under the reprompt frame.
func (c *Coordinator) Reprompt(ctx context.Context, text string, mic MicState) error {
	if err := c.client.CancelResponse(ctx); err != nil {
		// "no active response found" arrives here when nothing was being
		// generated; it is noise, not failure.
		slog.Debug("response cancel during reprompt", "err", err)
	}

	if mic != nil && mic.IsGated() {
		if err := c.client.ClearInput(ctx); err != nil {
			slog.Debug("input clear during reprompt", "err", err)
		}
	} else {
		if err := c.client.CommitInput(ctx); err != nil {
			slog.Debug("input commit during reprompt", "err", err)
		}
	}

	if err := c.client.CreateUserMessage(ctx, groundingMessage); err != nil {
		return err
	}
	if err := c.client.UpdateSession(ctx, realtime.SessionParams{
		Instructions: WrapReprompt(text),
	}); err != nil {
		return err
	}
	return c.client.CreateResponse(ctx, realtime.ResponseParams{
		Modalities: []string{"audio", "text"},
		ToolChoice: "none",
	})
}
