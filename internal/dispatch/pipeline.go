package dispatch

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"primebud.com/primebud-chat/internal/llm"
	"primebud.com/primebud-chat/internal/modes"
)

// Stage is one model call inside a Pipeline. A stage with no dependencies
// receives the user input; a dependent stage also receives its dependencies' outputs.
type Stage struct {
	Name        string
	Mode        string
	Instruction string
	DependsOn   []string
}

// Pipeline is a fixed DAG of stages. The last stage listed produces the answer
// and must be the only stage at the deepest level.
type Pipeline struct {
	Name   string
	Stages []Stage
}

// levels groups stages so every stage sits one level after its deepest dependency.
func (p Pipeline) levels() ([][]Stage, error) {
	if len(p.Stages) == 0 {
		return nil, fmt.Errorf("pipeline %s has no stages", p.Name)
	}
	byName := make(map[string]Stage, len(p.Stages))
	for _, s := range p.Stages {
		if s.Name == "" {
			return nil, fmt.Errorf("pipeline %s has a stage without a name", p.Name)
		}
		if _, dup := byName[s.Name]; dup {
			return nil, fmt.Errorf("pipeline %s: duplicate stage %s", p.Name, s.Name)
		}
		byName[s.Name] = s
	}

	depth := make(map[string]int, len(p.Stages))
	visiting := make(map[string]bool)
	var visit func(name string) (int, error)
	visit = func(name string) (int, error) {
		if d, ok := depth[name]; ok {
			return d, nil
		}
		if visiting[name] {
			return 0, fmt.Errorf("pipeline %s: dependency cycle through stage %s", p.Name, name)
		}
		visiting[name] = true
		level := 0
		for _, dep := range byName[name].DependsOn {
			if _, ok := byName[dep]; !ok {
				return 0, fmt.Errorf("pipeline %s: stage %s depends on unknown stage %s", p.Name, name, dep)
			}
			d, err := visit(dep)
			if err != nil {
				return 0, err
			}
			if d+1 > level {
				level = d + 1
			}
		}
		visiting[name] = false
		depth[name] = level
		return level, nil
	}

	maxLevel := 0
	for _, s := range p.Stages {
		d, err := visit(s.Name)
		if err != nil {
			return nil, err
		}
		if d > maxLevel {
			maxLevel = d
		}
	}

	out := make([][]Stage, maxLevel+1)
	for _, s := range p.Stages {
		out[depth[s.Name]] = append(out[depth[s.Name]], s)
	}
	final := p.Stages[len(p.Stages)-1]
	if last := out[maxLevel]; len(last) != 1 || last[0].Name != final.Name {
		return nil, fmt.Errorf("pipeline %s: final stage %s must be the only stage at the deepest level", p.Name, final.Name)
	}
	return out, nil
}

// StageError names the stage that aborted a pipeline.
type StageError struct {
	Pipeline string
	Stage    string
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("❌ Pipeline %s failed at stage %s: %v", e.Pipeline, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageInput(input string, stage Stage, outputs map[string]string) string {
	if len(stage.DependsOn) == 0 {
		return input
	}
	var b strings.Builder
	b.WriteString("User request:\n")
	b.WriteString(input)
	for _, dep := range stage.DependsOn {
		fmt.Fprintf(&b, "\n\nOutput of %s:\n%s", dep, outputs[dep])
	}
	return b.String()
}

func (d *Dispatcher) runPipeline(ctx context.Context, p *Pipeline, preset modes.Preset, profile *modes.Profile, turn Turn, fn llm.FragmentFunc) Reply {
	reply := Reply{Mode: preset.Key}
	levels, err := p.levels()
	if err != nil {
		reply.Text, reply.Failed = "❌ "+err.Error(), true
		return reply
	}

	outputs := make(map[string]string, len(p.Stages))
	for i, level := range levels {
		final := i == len(levels)-1
		results := make([]callResult, len(level))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.workers)
		for j, stage := range level {
			g.Go(func() error {
				// A stage borrows prompt, provider and model from its mode;
				// temperature and max tokens are the pipeline mode's own.
				stagePreset, _ := d.registry.Resolve(stage.Mode)
				stagePreset.SystemPrompt = joinPrompt(stagePreset.SystemPrompt, stage.Instruction)
				stagePreset.Temperature = preset.Temperature
				stagePreset.MaxTokens = preset.MaxTokens

				var stageProfile *modes.Profile
				var stageFn llm.FragmentFunc
				if final {
					stageProfile, stageFn = profile, fn
				}

				sctx, cancel := context.WithTimeout(gctx, d.stageTimeout)
				defer cancel()
				res, err := d.call(sctx, stagePreset, stageProfile, turn.History, stageInput(turn.Input, stage, outputs), stageFn)
				if err != nil {
					return &StageError{Pipeline: p.Name, Stage: stage.Name, Err: err}
				}
				results[j] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			d.logger.Warn("Pipeline aborted", zap.String("pipeline", p.Name), zap.Error(err))
			reply.Text, reply.Failed = err.Error(), true
			return reply
		}
		for j, stage := range level {
			outputs[stage.Name] = results[j].text
		}
		if final {
			reply.Text = results[0].text
			reply.Provider = results[0].provider
			reply.Model = results[0].model
		}
	}
	return reply
}

func joinPrompt(base, extra string) string {
	switch {
	case extra == "":
		return base
	case base == "":
		return extra
	default:
		return base + "\n\n" + extra
	}
}

// BuiltinPipelines are the pipelines the built-in "chain" and "council" modes use.
func BuiltinPipelines() []Pipeline {
	return []Pipeline{
		{
			Name: "chain",
			Stages: []Stage{
				{
					Name:        "summarize",
					Mode:        "flash",
					Instruction: "Summarize the user's request in two or three sentences, keeping every constraint it states. Do not answer it.",
				},
				{
					Name:        "generate",
					Mode:        "pro",
					Instruction: "Answer the user's request. Use the summary to stay on target.",
					DependsOn:   []string{"summarize"},
				},
				{
					Name:        "explain",
					Mode:        "light",
					Instruction: "Present the answer above, then explain it in plain language for a non-expert without losing its substance.",
					DependsOn:   []string{"generate"},
				},
			},
		},
		{
			Name: "council",
			Stages: []Stage{
				{Name: "draft_fast", Mode: "flash"},
				{Name: "draft_deep", Mode: "ultra"},
				{
					Name:        "synthesize",
					Mode:        "v1_5",
					Instruction: "Merge the drafts into one answer. Keep what is correct in each and resolve any disagreement explicitly.",
					DependsOn:   []string{"draft_fast", "draft_deep"},
				},
			},
		},
	}
}
