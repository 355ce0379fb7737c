package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/codegrove/appforge/internal/appforge"
	"github.com/codegrove/appforge/internal/fault"
	"github.com/codegrove/appforge/internal/llmutil"
)

// maxFailureRatio is the share of per-file failures stage 8 tolerates
// before the whole stage fails.
const maxFailureRatio = 0.30

// CodeGeneration (stage 8) fans the prompt array out over a bounded worker
// pool, one file per task, in batches of the stage's concurrency. Batch
// boundaries are cancellation checkpoints. A file-level failure is recorded
// but only fails the stage when the failure ratio exceeds maxFailureRatio.
func (h *Handlers) CodeGeneration(ctx context.Context, sc *StageContext) (*appforge.StageResult, error) {
	prompts, ok := sc.Inputs["gemini_prompts.json"].([]any)
	if !ok || len(prompts) == 0 {
		return nil, fault.New(fault.KindInputMissing, "gemini_prompts.json is empty or missing")
	}

	concurrency := sc.Stage.Concurrency
	if concurrency < 1 {
		concurrency = 5
	}

	var mu sync.Mutex
	var written []string
	var failed []string

	total := len(prompts)
	completed := 0

	for start := 0; start < total; start += concurrency {
		if ctx.Err() != nil {
			return h.codegenResult(written, failed),
				fault.Wrap(fault.KindCancelled, ctx.Err(), "cancelled between code generation batches")
		}

		end := start + concurrency
		if end > total {
			end = total
		}

		g, gCtx := errgroup.WithContext(ctx)
		for _, entry := range prompts[start:end] {
			record, _ := entry.(map[string]any)
			g.Go(func() error {
				filename, genErr := h.generateFile(gCtx, sc, record)
				mu.Lock()
				if genErr != nil {
					// Keep going: file failures are tallied, not fatal,
					// unless the build itself was cancelled.
					if fault.IsCancelled(genErr) {
						mu.Unlock()
						return genErr
					}
					failed = append(failed, filename)
				} else {
					written = append(written, filename)
				}
				completed++
				done := completed
				mu.Unlock()
				if sc.Progress != nil {
					sc.Progress(done, total, filename)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return h.codegenResult(written, failed), err
		}
	}

	if ratio := float64(len(failed)) / float64(total); ratio > maxFailureRatio {
		return h.codegenResult(written, failed),
			fault.New(fault.KindProviderUnavailable, "code generation failed for %d of %d files (%.0f%%)",
				len(failed), total, ratio*100)
	}
	result := h.codegenResult(written, failed)
	result.Success = true
	if len(failed) > 0 {
		result.Diagnostics = []string{fmt.Sprintf("%d of %d files failed to generate", len(failed), total)}
	}
	return result, nil
}

func (h *Handlers) generateFile(ctx context.Context, sc *StageContext, record map[string]any) (string, error) {
	filename, _ := record["filename"].(string)
	if filename == "" {
		return "(unnamed)", fault.New(fault.KindInvalidRequest, "prompt record missing filename")
	}
	generatedPrompt, _ := record["generatedPrompt"].(string)
	if generatedPrompt == "" {
		return filename, fault.New(fault.KindInvalidRequest, "prompt record for %s missing generatedPrompt", filename)
	}

	p, err := h.Prompts.Render("gemini-coder", map[string]any{
		"generated_prompt": generatedPrompt,
		"filename":         filename,
	})
	if err != nil {
		return filename, err
	}

	opts := h.callOpts(sc)
	opts.FilePath = filename
	resp, err := h.Router.CallStage(ctx, sc.Stage.ID, p, opts)
	if err != nil {
		return filename, err
	}

	code := llmutil.StripCodeFence(resp.Content)
	if err := h.Store.Write(sc.Build.ProjectDir, "code/"+filename, code); err != nil {
		return filename, err
	}
	return filename, nil
}

func (h *Handlers) codegenResult(written, failed []string) *appforge.StageResult {
	sort.Strings(written)
	sort.Strings(failed)
	if written == nil {
		written = []string{}
	}
	if failed == nil {
		failed = []string{}
	}
	return &appforge.StageResult{
		Artifacts: map[string]any{
			"generated_files.json": map[string]any{
				"written": written,
				"failed":  failed,
			},
		},
	}
}
