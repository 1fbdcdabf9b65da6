package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, ch <-chan StreamItem) []AssistantChunk {
	t.Helper()
	var chunks []AssistantChunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case item, ok := <-ch:
			if !ok {
				return chunks
			}
			require.NoError(t, item.Err)
			chunks = append(chunks, *item.Chunk)
		case <-timeout:
			t.Fatal("timed out draining stream")
		}
	}
}

func TestMockAdapter_CreateSendCancel(t *testing.T) {
	a := NewMockAdapter()
	require.Equal(t, "mock", a.Kind())

	ctx := context.Background()
	sessionID, err := a.CreateSession(ctx, SessionConfig{Model: "mock/default"})
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	stream, err := a.SendPrompt(ctx, sessionID, "STAGE=PLAN do the thing", "mock/default", "")
	require.NoError(t, err)

	chunks := drain(t, stream)
	require.Len(t, chunks, 3)
	require.Equal(t, ChunkText, chunks[0].Kind)
	require.Contains(t, chunks[0].Text, "implementationPlanMd")
	require.Equal(t, ChunkUsage, chunks[1].Kind)
	require.Equal(t, ChunkFinish, chunks[2].Kind)
	require.Equal(t, "end_turn", chunks[2].FinishReason)

	require.NoError(t, a.CancelSession(ctx, sessionID))
	require.NoError(t, a.CancelSession(ctx, sessionID)) // idempotent
}

func TestMockAdapter_SendPrompt_UnknownSession(t *testing.T) {
	a := NewMockAdapter()
	_, err := a.SendPrompt(context.Background(), "nope", "hello", "mock/default", "")
	require.Error(t, err)
}

func TestMockStageResponse_PerStageShapes(t *testing.T) {
	require.Contains(t, mockStageResponse("STAGE=ACT"), "workerDispatch")
	require.Contains(t, mockStageResponse("STAGE=CHECK"), `"status"`)
	require.Contains(t, mockStageResponse("STAGE=REPORT"), "artifacts")
	require.Contains(t, mockStageResponse("STAGE=WORKER_TASK"), "evidence")
}
