package local

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/template"
)

func newTestRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	engine, err := template.NewEngine()
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return New("local", engine, opts...)
}

func TestLoadUnload(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()

	if err := r.Load(ctx, "llama-3-8b", nil); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := r.Load(ctx, "llama-3-8b", nil); core.KindOf(err) != core.KindInvalidRequest {
		t.Errorf("double load: got %v", err)
	}

	models, _ := r.ListModels(ctx)
	if len(models) != 1 || models[0].Family != "llama" {
		t.Errorf("detected family: %+v", models)
	}

	if err := r.Unload(ctx, "llama-3-8b"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if err := r.Unload(ctx, "llama-3-8b"); core.KindOf(err) != core.KindNotFound {
		t.Errorf("double unload: got %v", err)
	}
}

func TestComplete_EchoDeterministic(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()
	r.Load(ctx, "m1", nil)

	req := &core.Request{Prompt: "one two three four five", Options: core.Options{MaxTokens: 2}}
	resp, err := r.Complete(ctx, "m1", req)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Text != "four five" {
		t.Errorf("echo tail: %q", resp.Text)
	}
	if resp.FinishReason != core.FinishLength {
		t.Errorf("finish reason: %s", resp.FinishReason)
	}
	if resp.Usage.PromptTokens != 5 || resp.Usage.CompletionTokens != 2 || resp.Usage.TotalTokens != 7 {
		t.Errorf("usage: %+v", resp.Usage)
	}

	again, _ := r.Complete(ctx, "m1", req)
	if again.Text != resp.Text {
		t.Error("echo generator must be deterministic")
	}
}

func TestComplete_RendersMessagesThroughTemplate(t *testing.T) {
	generated := ""
	r := newTestRuntime(t, WithGenerator(func(_ context.Context, _, prompt string, _ core.Options) (string, error) {
		generated = prompt
		return "ok", nil
	}))
	ctx := context.Background()
	r.Load(ctx, "qwen-7b", nil)

	req := &core.Request{
		Messages: []core.Message{core.TextMessage("user", "hi")},
		Options:  core.Options{MaxTokens: 10},
	}
	if _, err := r.Complete(ctx, "qwen-7b", req); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !strings.Contains(generated, "<|im_start|>user\nhi<|im_end|>") {
		t.Errorf("prompt not rendered for the qwen family: %q", generated)
	}
}

func TestComplete_NotLoaded(t *testing.T) {
	r := newTestRuntime(t)
	_, err := r.Complete(context.Background(), "ghost", &core.Request{Prompt: "hi"})
	if core.KindOf(err) != core.KindNotFound {
		t.Errorf("got %v", err)
	}
}

func TestComplete_GeneratorError(t *testing.T) {
	r := newTestRuntime(t, WithGenerator(func(context.Context, string, string, core.Options) (string, error) {
		return "", errors.New("oom")
	}))
	ctx := context.Background()
	r.Load(ctx, "m1", nil)

	_, err := r.Complete(ctx, "m1", &core.Request{Prompt: "hi"})
	if core.KindOf(err) != core.KindUpstream {
		t.Errorf("got %v", err)
	}
}

func TestStream_EmitsWordsThenUsage(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()
	r.Load(ctx, "m1", nil)

	ch, err := r.Stream(ctx, "m1", &core.Request{Prompt: "alpha beta gamma"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var text strings.Builder
	var final core.Chunk
	for c := range ch {
		if c.Done {
			final = c
			continue
		}
		text.WriteString(c.Delta)
	}
	if text.String() != "alpha beta gamma" {
		t.Errorf("streamed text: %q", text.String())
	}
	if final.FinishReason != core.FinishStop || final.Usage == nil {
		t.Errorf("final chunk: %+v", final)
	}
	if final.Usage.CompletionTokens != 3 {
		t.Errorf("usage: %+v", final.Usage)
	}
}

func TestStream_Cancellation(t *testing.T) {
	r := newTestRuntime(t, WithStreamDelay(20*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	r.Load(ctx, "m1", nil)

	long := strings.Repeat("word ", 100)
	ch, err := r.Stream(ctx, "m1", &core.Request{Prompt: long})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	<-ch // first chunk arrived, stream is live
	cancel()

	var final core.Chunk
	for c := range ch {
		final = c
	}
	if final.FinishReason != core.FinishCancelled {
		t.Errorf("expected cancelled finish, got %+v", final)
	}
	if core.KindOf(final.Err) != core.KindCancelled {
		t.Errorf("chunk error: %v", final.Err)
	}
}
