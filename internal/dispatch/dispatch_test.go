package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"primebud.com/primebud-chat/internal/llm"
	"primebud.com/primebud-chat/internal/modes"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubProvider struct {
	name  string
	model string
	reply func(ctx context.Context, req *llm.Request) (string, error)

	mu       sync.Mutex
	requests []*llm.Request
}

func (s *stubProvider) Name() string         { return s.name }
func (s *stubProvider) DefaultModel() string { return s.model }

func (s *stubProvider) Complete(ctx context.Context, req *llm.Request) (string, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.reply == nil {
		return "ok", nil
	}
	return s.reply(ctx, req)
}

func (s *stubProvider) Stream(ctx context.Context, req *llm.Request, fn llm.FragmentFunc) (string, error) {
	text, err := s.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	for _, f := range strings.SplitAfter(text, " ") {
		fn(f)
	}
	return text, nil
}

func (s *stubProvider) calls() []*llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*llm.Request(nil), s.requests...)
}

func newRegistry(t *testing.T) *modes.Registry {
	t.Helper()
	r, err := modes.New(modes.BuiltinPresets(), modes.BuiltinProfiles(), modes.DefaultKey)
	require.NoError(t, err)
	return r
}

func newDispatcher(t *testing.T, providers map[string]llm.Provider, opts Options) *Dispatcher {
	t.Helper()
	if opts.Pipelines == nil {
		opts.Pipelines = BuiltinPipelines()
	}
	d, err := New(newRegistry(t), providers, opts, nil)
	require.NoError(t, err)
	return d
}

func TestGenerate_UsesPresetParameters(t *testing.T) {
	groq := &stubProvider{name: "groq", model: "groq-default", reply: func(context.Context, *llm.Request) (string, error) {
		return "hi there", nil
	}}
	d := newDispatcher(t, map[string]llm.Provider{"groq": groq}, Options{})

	reply := d.Generate(context.Background(), Turn{Mode: "flash", Input: "hello"})
	assert.False(t, reply.Failed)
	assert.Equal(t, "hi there", reply.Text)
	assert.Equal(t, "flash", reply.Mode)
	assert.Equal(t, "groq", reply.Provider)

	flash, _ := newRegistry(t).Resolve("flash")
	calls := groq.calls()
	require.Len(t, calls, 1)
	req := calls[0]
	assert.Equal(t, 0.3, req.Temperature)
	assert.Equal(t, 500, req.MaxTokens)
	assert.Equal(t, flash.Model, req.Model)

	want := []llm.Message{
		{Role: llm.RoleSystem, Content: flash.SystemPrompt},
		{Role: llm.RoleUser, Content: "hello"},
	}
	if diff := cmp.Diff(want, req.Messages); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerate_UnknownModeFallsBackToDefault(t *testing.T) {
	groq := &stubProvider{name: "groq"}
	d := newDispatcher(t, map[string]llm.Provider{"groq": groq}, Options{})

	reply := d.Generate(context.Background(), Turn{Mode: "turbo-max", Input: "hi"})
	assert.Equal(t, modes.DefaultKey, reply.Mode)

	def, _ := newRegistry(t).Resolve(modes.DefaultKey)
	req := groq.calls()[0]
	assert.Equal(t, def.Temperature, req.Temperature)
	assert.Equal(t, def.MaxTokens, req.MaxTokens)
}

func TestGenerate_HistoryAndProfile(t *testing.T) {
	groq := &stubProvider{name: "groq"}
	d := newDispatcher(t, map[string]llm.Provider{"groq": groq}, Options{})

	history := []llm.Message{
		{Role: llm.RoleUser, Content: "first"},
		{Role: llm.RoleAssistant, Content: "answer"},
	}
	d.Generate(context.Background(), Turn{Mode: "standard", Profile: "Coder", History: history, Input: "second"})

	req := groq.calls()[0]
	require.Len(t, req.Messages, 4)
	coder, ok := newRegistry(t).Profile("coder")
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(req.Messages[0].Content, coder.Guidance))
	if diff := cmp.Diff(history, req.Messages[1:3]); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "second"}, req.Messages[3])
}

func TestGenerate_UnknownProfileIgnored(t *testing.T) {
	groq := &stubProvider{name: "groq"}
	d := newDispatcher(t, map[string]llm.Provider{"groq": groq}, Options{})

	d.Generate(context.Background(), Turn{Mode: "flash", Profile: "astronaut", Input: "hi"})
	flash, _ := newRegistry(t).Resolve("flash")
	assert.Equal(t, flash.SystemPrompt, groq.calls()[0].Messages[0].Content)
}

func TestGenerate_ProviderErrorBecomesText(t *testing.T) {
	groq := &stubProvider{name: "groq", reply: func(context.Context, *llm.Request) (string, error) {
		return "", errors.New("boom")
	}}
	d := newDispatcher(t, map[string]llm.Provider{"groq": groq}, Options{})

	reply := d.Generate(context.Background(), Turn{Mode: "flash", Input: "hi"})
	assert.True(t, reply.Failed)
	assert.Equal(t, "❌ Error calling groq API: boom", reply.Text)
	assert.Len(t, groq.calls(), 1, "failed calls are not retried")
}

func TestGenerate_EmptyResponseIsFailure(t *testing.T) {
	groq := &stubProvider{name: "groq", reply: func(context.Context, *llm.Request) (string, error) {
		return "  ", nil
	}}
	d := newDispatcher(t, map[string]llm.Provider{"groq": groq}, Options{})

	reply := d.Generate(context.Background(), Turn{Mode: "flash", Input: "hi"})
	assert.True(t, reply.Failed)
	assert.Contains(t, reply.Text, "empty response")
}

func TestGenerate_NotConfigured(t *testing.T) {
	d := newDispatcher(t, map[string]llm.Provider{}, Options{})

	reply := d.Generate(context.Background(), Turn{Mode: "flash", Input: "hi"})
	assert.True(t, reply.Failed)
	assert.True(t, strings.HasPrefix(reply.Text, "❌ Error: GROQ_API_KEY is not configured"), reply.Text)
}

func TestGenerate_LocalFallback(t *testing.T) {
	ollama := &stubProvider{name: "ollama", model: "llama3.2", reply: func(context.Context, *llm.Request) (string, error) {
		return "local answer", nil
	}}
	d := newDispatcher(t, map[string]llm.Provider{"ollama": ollama}, Options{Fallback: "ollama"})

	reply := d.Generate(context.Background(), Turn{Mode: "pro", Input: "hi"})
	assert.False(t, reply.Failed)
	assert.Equal(t, "local answer", reply.Text)
	assert.Equal(t, "ollama", reply.Provider)
	assert.Equal(t, "llama3.2", reply.Model)
	assert.Equal(t, 2500, ollama.calls()[0].MaxTokens)
}

func TestNew_IgnoresMissingFallback(t *testing.T) {
	d := newDispatcher(t, map[string]llm.Provider{}, Options{Fallback: "ollama"})
	reply := d.Generate(context.Background(), Turn{Mode: "flash", Input: "hi"})
	assert.True(t, reply.Failed)
	assert.Contains(t, reply.Text, "GROQ_API_KEY")
}

func TestStream_RelaysFragments(t *testing.T) {
	groq := &stubProvider{name: "groq", reply: func(context.Context, *llm.Request) (string, error) {
		return "one two three", nil
	}}
	d := newDispatcher(t, map[string]llm.Provider{"groq": groq}, Options{})

	var got []string
	reply := d.Stream(context.Background(), Turn{Mode: "flash", Input: "count"}, func(f string) {
		got = append(got, f)
	})
	assert.Equal(t, []string{"one ", "two ", "three"}, got)
	assert.Equal(t, "one two three", reply.Text)
}

// stageOf identifies a chain stage by the instruction in its system prompt.
func stageOf(req *llm.Request) string {
	system := req.Messages[0].Content
	switch {
	case strings.Contains(system, "Summarize the user's request"):
		return "summarize"
	case strings.Contains(system, "Answer the user's request"):
		return "generate"
	case strings.Contains(system, "explain it in plain language"):
		return "explain"
	}
	return "unknown"
}

func TestPipeline_ChainRunsStagesInOrder(t *testing.T) {
	groq := &stubProvider{name: "groq", reply: func(_ context.Context, req *llm.Request) (string, error) {
		return stageOf(req) + " output", nil
	}}
	d := newDispatcher(t, map[string]llm.Provider{"groq": groq}, Options{})

	reply := d.Generate(context.Background(), Turn{Mode: "chain", Input: "plan a trip"})
	require.False(t, reply.Failed, reply.Text)
	assert.Equal(t, "explain output", reply.Text)
	assert.Equal(t, "chain", reply.Mode)

	calls := groq.calls()
	require.Len(t, calls, 3)
	var order []string
	for _, c := range calls {
		order = append(order, stageOf(c))
	}
	assert.Equal(t, []string{"summarize", "generate", "explain"}, order)

	assert.Equal(t, "plan a trip", calls[0].Messages[len(calls[0].Messages)-1].Content)
	generateInput := calls[1].Messages[len(calls[1].Messages)-1].Content
	assert.Contains(t, generateInput, "plan a trip")
	assert.Contains(t, generateInput, "summarize output")
}

func TestPipeline_StagesUsePipelineParameters(t *testing.T) {
	groq := &stubProvider{name: "groq", reply: func(_ context.Context, req *llm.Request) (string, error) {
		return stageOf(req) + " output", nil
	}}
	d := newDispatcher(t, map[string]llm.Provider{"groq": groq}, Options{})
	registry := newRegistry(t)

	for _, key := range []string{"chain", "council"} {
		pipeline, ok := registry.Resolve(key)
		require.True(t, ok)
		before := len(groq.calls())

		reply := d.Generate(context.Background(), Turn{Mode: key, Input: "x"})
		require.False(t, reply.Failed, reply.Text)

		calls := groq.calls()[before:]
		require.Len(t, calls, 3)
		for _, req := range calls {
			assert.Equal(t, pipeline.Temperature, req.Temperature, "%s stage %q", key, stageOf(req))
			assert.Equal(t, pipeline.MaxTokens, req.MaxTokens, "%s stage %q", key, stageOf(req))
		}
	}
	assert.Equal(t, 0.7, groq.calls()[0].Temperature)
	assert.Equal(t, 3000, groq.calls()[0].MaxTokens)
}

func TestPipeline_StagesKeepModeModel(t *testing.T) {
	groq := &stubProvider{name: "groq", reply: func(_ context.Context, req *llm.Request) (string, error) {
		return stageOf(req) + " output", nil
	}}
	d := newDispatcher(t, map[string]llm.Provider{"groq": groq}, Options{})
	registry := newRegistry(t)

	reply := d.Generate(context.Background(), Turn{Mode: "chain", Input: "x"})
	require.False(t, reply.Failed, reply.Text)

	for _, req := range groq.calls() {
		mode := map[string]string{"summarize": "flash", "generate": "pro", "explain": "light"}[stageOf(req)]
		preset, ok := registry.Resolve(mode)
		require.True(t, ok)
		assert.Equal(t, preset.Model, req.Model)
		assert.True(t, strings.HasPrefix(req.Messages[0].Content, preset.SystemPrompt))
	}
}

func TestPipeline_StageFailureAbortsChain(t *testing.T) {
	groq := &stubProvider{name: "groq", reply: func(_ context.Context, req *llm.Request) (string, error) {
		if stageOf(req) == "summarize" {
			return "", errors.New("rate limited")
		}
		return "never", nil
	}}
	d := newDispatcher(t, map[string]llm.Provider{"groq": groq}, Options{})

	reply := d.Generate(context.Background(), Turn{Mode: "chain", Input: "x"})
	assert.True(t, reply.Failed)
	assert.Equal(t, "❌ Pipeline chain failed at stage summarize: rate limited", reply.Text)
	assert.Len(t, groq.calls(), 1)
}

func TestPipeline_StageTimeout(t *testing.T) {
	groq := &stubProvider{name: "groq", reply: func(ctx context.Context, _ *llm.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	d := newDispatcher(t, map[string]llm.Provider{"groq": groq}, Options{StageTimeout: 20 * time.Millisecond})

	start := time.Now()
	reply := d.Generate(context.Background(), Turn{Mode: "chain", Input: "x"})
	assert.True(t, reply.Failed)
	assert.Contains(t, reply.Text, "stage summarize")
	assert.Contains(t, reply.Text, context.DeadlineExceeded.Error())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPipeline_CouncilDraftsRunConcurrently(t *testing.T) {
	var arrived atomic.Int32
	both := make(chan struct{})
	groq := &stubProvider{name: "groq", reply: func(ctx context.Context, req *llm.Request) (string, error) {
		if strings.Contains(req.Messages[0].Content, "Merge the drafts") {
			return "merged", nil
		}
		if arrived.Add(1) == 2 {
			close(both)
		}
		select {
		case <-both:
			return "draft", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
	d := newDispatcher(t, map[string]llm.Provider{"groq": groq}, Options{Workers: 2, StageTimeout: 2 * time.Second})

	reply := d.Generate(context.Background(), Turn{Mode: "council", Input: "x"})
	require.False(t, reply.Failed, reply.Text)
	assert.Equal(t, "merged", reply.Text)
	assert.Len(t, groq.calls(), 3)
}

func TestPipeline_OnlyFinalStageStreams(t *testing.T) {
	groq := &stubProvider{name: "groq", reply: func(_ context.Context, req *llm.Request) (string, error) {
		return stageOf(req) + " output", nil
	}}
	d := newDispatcher(t, map[string]llm.Provider{"groq": groq}, Options{})

	var got strings.Builder
	reply := d.Stream(context.Background(), Turn{Mode: "chain", Input: "x"}, func(f string) {
		got.WriteString(f)
	})
	require.False(t, reply.Failed)
	assert.Equal(t, "explain output", got.String())
}

func TestPipelineLevels(t *testing.T) {
	council := BuiltinPipelines()[1]
	levels, err := council.levels()
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Len(t, levels[0], 2)
	assert.Equal(t, "synthesize", levels[1][0].Name)
}

func TestPipelineLevels_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		stages []Stage
		errMsg string
	}{
		{"empty", nil, "no stages"},
		{"unknown dep", []Stage{{Name: "a", DependsOn: []string{"b"}}}, "unknown stage b"},
		{"duplicate", []Stage{{Name: "a"}, {Name: "a"}}, "duplicate stage"},
		{"cycle", []Stage{{Name: "a", DependsOn: []string{"b"}}, {Name: "b", DependsOn: []string{"a"}}}, "cycle"},
		{"final not alone", []Stage{{Name: "a"}, {Name: "b"}}, "final stage b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Pipeline{Name: "p", Stages: tt.stages}.levels()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestNew_RejectsBadPipelines(t *testing.T) {
	r := newRegistry(t)

	_, err := New(r, nil, Options{Pipelines: []Pipeline{{Name: "chain", Stages: []Stage{{Name: "a", Mode: "nope"}}}}}, nil)
	assert.ErrorContains(t, err, "unknown mode")

	_, err = New(r, nil, Options{Pipelines: []Pipeline{{Name: "chain", Stages: []Stage{{Name: "a", Mode: "council"}}}}}, nil)
	assert.ErrorContains(t, err, "pipeline mode")

	_, err = New(r, nil, Options{Pipelines: []Pipeline{}}, nil)
	assert.ErrorContains(t, err, "unknown pipeline")
}
