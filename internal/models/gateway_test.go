package models

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/agentrunner/internal/config"
)

type fakeChat struct {
	reply string
	err   error
	delay time.Duration
	seen  []*schema.Message
	opts  []model.Option
	// callbacks makes Generate report through Eino callbacks like the provider models do.
	callbacks bool
}

func (f *fakeChat) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.seen = input
	f.opts = opts
	if f.callbacks {
		ctx = callbacks.OnStart(ctx, &model.CallbackInput{Messages: input})
		defer callbacks.OnEnd(ctx, &model.CallbackOutput{Message: &schema.Message{Role: schema.Assistant, Content: f.reply}})
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &schema.Message{Role: schema.Assistant, Content: f.reply}, nil
}

func (f *fakeChat) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not supported")
}

func TestChatGateway_Complete(t *testing.T) {
	chat := &fakeChat{reply: `{"steps":[]}`}
	reg := NewRegistry(config.ModelsConfig{})
	reg.Register("planner", chat)
	gw := NewChatGateway(reg, time.Second)

	got, err := gw.Complete(context.Background(), Request{
		Model:       "planner",
		System:      "You plan.",
		User:        "open example.com",
		Temperature: Temperature(0.2),
		Purpose:     "plan",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != `{"steps":[]}` {
		t.Errorf("reply: got %q", got)
	}
	if len(chat.seen) != 2 {
		t.Fatalf("messages: got %d, want 2", len(chat.seen))
	}
	if chat.seen[0].Role != schema.System || chat.seen[1].Role != schema.User {
		t.Errorf("roles: got %s, %s", chat.seen[0].Role, chat.seen[1].Role)
	}
	if len(chat.opts) != 1 {
		t.Errorf("options: got %d, want 1 (temperature)", len(chat.opts))
	}
}

func TestChatGateway_UnknownModelUsesDefault(t *testing.T) {
	chat := &fakeChat{reply: "hi"}
	reg := NewRegistry(config.ModelsConfig{})
	reg.Register("default", chat)
	gw := NewChatGateway(reg, 0)

	if _, err := gw.Complete(context.Background(), Request{Model: "llama3.1:8b", User: "x"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(chat.seen) != 1 {
		t.Errorf("messages: got %d, want 1 without system prompt", len(chat.seen))
	}
	if len(chat.opts) != 1 {
		t.Errorf("options: got %d, want 1 (model override)", len(chat.opts))
	}
}

func TestChatGateway_Timeout(t *testing.T) {
	reg := NewRegistry(config.ModelsConfig{})
	reg.Register("slow", &fakeChat{reply: "late", delay: time.Second})
	gw := NewChatGateway(reg, 20*time.Millisecond)

	_, err := gw.Complete(context.Background(), Request{User: "x"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded in chain, got %v", err)
	}
}

func TestChatGateway_NoDefault(t *testing.T) {
	gw := NewChatGateway(NewRegistry(config.ModelsConfig{}), 0)
	if _, err := gw.Complete(context.Background(), Request{User: "x"}); err == nil {
		t.Fatal("expected error without any provider")
	}
}

func TestChatGateway_Callbacks(t *testing.T) {
	chat := &fakeChat{reply: "ok", callbacks: true}
	reg := NewRegistry(config.ModelsConfig{})
	reg.Register("default", chat)

	var started, ended []string
	handler := callbacks.NewHandlerBuilder().
		OnStartFn(func(ctx context.Context, info *callbacks.RunInfo, _ callbacks.CallbackInput) context.Context {
			started = append(started, info.Name)
			return ctx
		}).
		OnEndFn(func(ctx context.Context, info *callbacks.RunInfo, _ callbacks.CallbackOutput) context.Context {
			ended = append(ended, info.Name)
			return ctx
		}).
		Build()
	gw := NewChatGateway(reg, time.Second).WithCallbacks(handler)

	if _, err := gw.Complete(context.Background(), Request{User: "hi", Purpose: "guard"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(started) != 1 || started[0] != "guard" {
		t.Errorf("start callbacks: got %v", started)
	}
	if len(ended) != 1 || ended[0] != "guard" {
		t.Errorf("end callbacks: got %v", ended)
	}
}
