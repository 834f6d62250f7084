package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/dcbrun/domainrt/pkg/dcb"
	"github.com/dcbrun/domainrt/pkg/decider"
)

// CommandArgs is the handlerArgs shape NewEntityHandler expects
// Config.ToHandlerArgs to produce: the caller's command plus the
// identifiers Execute minted for this invocation.
type CommandArgs struct {
	CommandID     string
	CorrelationID string
	StreamID      string
	Command       any
}

// EntityToHandlerArgs builds the Config.ToHandlerArgs for an entity
// command: wrap the raw args as CommandArgs, deriving the stream id
// with getStreamID.
func EntityToHandlerArgs(getStreamID func(args any) string) func(args any, commandID, correlationID string) any {
	return func(args any, commandID, correlationID string) any {
		return CommandArgs{
			CommandID:     commandID,
			CorrelationID: correlationID,
			StreamID:      getStreamID(args),
			Command:       args,
		}
	}
}

// NewEntityHandler composes the standard aggregate command flow into a
// HandlerFunc: load CMS from the stream, run the decider against it,
// and report the append target at the loaded version. State is nil for
// a stream that has never been written to, the entity-creating case
// decider.CreateEntityDeciderHandler permits. now defaults to time.Now.
func NewEntityHandler(events dcb.EventStore, streamType string, projector dcb.StateProjector, handler decider.EntityHandler, now func() time.Time) HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, handlerArgs any) (HandlerResult, error) {
		args, ok := handlerArgs.(CommandArgs)
		if !ok {
			return HandlerResult{}, fmt.Errorf("orchestrator: entity handler expects CommandArgs, got %T", handlerArgs)
		}

		state, version, found, err := events.LoadCMS(ctx, streamType, args.StreamID, projector)
		if err != nil {
			return HandlerResult{}, fmt.Errorf("orchestrator: load CMS for %s/%s: %w", streamType, args.StreamID, err)
		}
		if !found {
			state = nil
		}

		dctx := decider.Context{Now: now(), CommandID: args.CommandID, CorrelationID: args.CorrelationID}
		decision := handler.Handle(state, args.Command, dctx, args.Command)

		return HandlerResult{
			Decision:        decision,
			StreamType:      streamType,
			StreamID:        args.StreamID,
			ExpectedVersion: version,
		}, nil
	}
}
