package chat

import (
	"context"

	"github.com/zhouzirui/z-coach/backend/internal/model/chat"
	"github.com/zhouzirui/z-coach/backend/internal/model/scenario"
	"github.com/zhouzirui/z-coach/backend/internal/model/speech"
)

// ProduceRequest is everything a producer needs to answer one user turn.
type ProduceRequest struct {
	Chat            chat.Chat
	Scenario        *scenario.Scenario
	History         []chat.Turn // turns before UserTurn, ascending
	UserTurn        chat.Turn
	AssistantTurnID int64
}

// Producer generates the assistant reply for a turn. Implementations tag
// failures with NewProduceError to pick the recorded error code.
type Producer interface {
	Produce(ctx context.Context, req ProduceRequest) (chat.Completion, error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, req ProduceRequest) (chat.Completion, error)

func (f ProducerFunc) Produce(ctx context.Context, req ProduceRequest) (chat.Completion, error) {
	return f(ctx, req)
}

// Transcriber turns submitted audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, req speech.TranscribeRequest) (speech.Transcript, error)
}
