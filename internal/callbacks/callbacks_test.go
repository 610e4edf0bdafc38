package callbacks

import (
	"context"
	"errors"
	"strings"
	"testing"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/model"

	"github.com/dohr-michael/agentrunner/internal/events"
)

func TestTruncatePayload_Short(t *testing.T) {
	result := truncatePayload("hello", 100)
	if result != "hello" {
		t.Fatalf("expected %q, got %q", "hello", result)
	}
}

func TestTruncatePayload_Exact(t *testing.T) {
	s := strings.Repeat("a", 50)
	result := truncatePayload(s, 50)
	if result != s {
		t.Fatalf("expected original string (len %d), got len %d", len(s), len(result))
	}
}

func TestTruncatePayload_Long(t *testing.T) {
	s := strings.Repeat("x", 200)
	result := truncatePayload(s, 100)
	if len(result) != 100+len("... (truncated)") {
		t.Fatalf("expected truncated length %d, got %d", 100+len("... (truncated)"), len(result))
	}
	if !strings.HasSuffix(result, "... (truncated)") {
		t.Fatalf("expected suffix '... (truncated)', got %q", result[len(result)-20:])
	}
	if result[:100] != strings.Repeat("x", 100) {
		t.Fatal("prefix should be first 100 chars of original")
	}
}

func TestTruncatePayload_ZeroMax(t *testing.T) {
	s := "hello world"
	result := truncatePayload(s, 0)
	if result != s {
		t.Fatalf("expected original string when maxLen=0, got %q", result)
	}
}

type recordingPublisher struct {
	events []events.Event
}

func (p *recordingPublisher) Publish(e events.Event) { p.events = append(p.events, e) }

func TestEventBusHandler_PublishesModelCalls(t *testing.T) {
	pub := &recordingPublisher{}
	ctx := events.ContextWithRunID(context.Background(), "run-1")
	ctx = einocb.InitCallbacks(ctx, &einocb.RunInfo{
		Name:      "plan",
		Type:      "qwen",
		Component: components.ComponentOfChatModel,
	}, NewEventBusHandler(pub))

	ctx = einocb.OnStart(ctx, &model.CallbackInput{})
	einocb.OnEnd(ctx, &model.CallbackOutput{
		TokenUsage: &model.TokenUsage{PromptTokens: 12, CompletionTokens: 5},
	})

	if len(pub.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(pub.events))
	}
	for _, e := range pub.events {
		if e.RunID != "run-1" || e.Type != events.EventModelCall {
			t.Fatalf("unexpected event %+v", e)
		}
	}
	end, ok := events.ExtractPayload[events.ModelCallPayload](pub.events[1])
	if !ok {
		t.Fatal("expected a model call payload")
	}
	if end.Phase != "response" || end.Purpose != "plan" || end.Model != "qwen" {
		t.Fatalf("unexpected payload %+v", end)
	}
	if end.TokensInput != 12 || end.TokensOutput != 5 {
		t.Fatalf("unexpected token usage %+v", end)
	}
}

func TestEventBusHandler_Error(t *testing.T) {
	pub := &recordingPublisher{}
	ctx := einocb.InitCallbacks(context.Background(), &einocb.RunInfo{
		Name:      "validate_memory",
		Component: components.ComponentOfChatModel,
	}, NewEventBusHandler(pub))

	einocb.OnError(ctx, errors.New("connection refused"))

	if len(pub.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pub.events))
	}
	p, _ := events.ExtractPayload[events.ModelCallPayload](pub.events[0])
	if p.Phase != "error" || p.Error != "connection refused" {
		t.Fatalf("unexpected payload %+v", p)
	}
	if pub.events[0].RunID != "" {
		t.Fatalf("expected no run id, got %q", pub.events[0].RunID)
	}
}
