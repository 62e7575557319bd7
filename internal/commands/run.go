package commands

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cua-agent/cua-agent/internal/computer/fakecomputer"
	"github.com/cua-agent/cua-agent/internal/config"
	"github.com/cua-agent/cua-agent/internal/cuaerr"
	"github.com/cua-agent/cua-agent/internal/executoradapter"
	"github.com/cua-agent/cua-agent/internal/llmclient"
	"github.com/cua-agent/cua-agent/internal/memory"
	"github.com/cua-agent/cua-agent/internal/memory/vectorindex"
	"github.com/cua-agent/cua-agent/internal/orchestrator"
	"github.com/cua-agent/cua-agent/internal/output"
	"github.com/cua-agent/cua-agent/internal/planneradapter"
	"github.com/cua-agent/cua-agent/internal/policy"
	"github.com/cua-agent/cua-agent/internal/reflectoradapter"
	"github.com/cua-agent/cua-agent/internal/skill"
)

const llmRequestTimeout = 60 * time.Second

// runLoop reads goal prompts from stdin, one per line, running each
// through the Orchestrator until blank input or EOF (spec §6 "cua_agent
// [--adapter <module>]": an interactive REPL, not a one-shot command,
// since a single process amortizes the Memory and Skill stores across
// many tasks).
func runLoop(ctx context.Context) error {
	settings, err := config.Load()
	if err != nil {
		return printedError{fmt.Errorf("load configuration: %w", err)}
	}

	orch, cleanup, err := buildOrchestrator(settings)
	if err != nil {
		return output.PrintError(err)
	}
	defer cleanup()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Fprintln(os.Stderr, "cua_agent ready; enter a task, blank line to exit.")
	for scanner.Scan() {
		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			break
		}

		ep, err := orch.RunTask(ctx, prompt)
		if err != nil {
			if enriched, ok := err.(*cuaerr.Enriched); ok && enriched.ErrorCode() != cuaerr.CodeHealthCheck {
				_ = output.PrintError(err)
				continue
			}
			return output.PrintError(err)
		}
		if err := output.PrintSuccess(ep); err != nil {
			slog.Default().Warn("print episode result", "error", err.Error())
		}
	}
	return scanner.Err()
}

// buildOrchestrator wires every collaborator the Orchestrator needs from
// Settings (spec §4.9, §6): the Computer Adapter, Policy Engine, the
// three LLM adapters, the Skill and Memory stores, and the optional
// vector cache. The cleanup func closes anything that holds a file
// descriptor open across the process lifetime.
func buildOrchestrator(settings config.Settings) (*orchestrator.Orchestrator, func(), error) {
	memRoot, err := settings.ResolveMemoryRoot()
	if err != nil {
		return nil, nil, cuaerr.Wrap(cuaerr.CodeAdapterMissing, "resolve memory root", "set MEMORY_ROOT or HOME", nil, err)
	}

	rulesPath := filepath.Join(filepath.Dir(memRoot), "safety_rules.yaml")
	rules, err := policy.LoadRules(rulesPath)
	if err != nil {
		return nil, nil, cuaerr.Wrap(cuaerr.CodePolicyDenied, "load safety rules", "fix the YAML in "+rulesPath, nil, err)
	}

	computerAdapter := selectComputerAdapter(settings)

	client := llmclient.New(resolveBaseURL(settings), settings.OpenRouterAPIKey, llmRequestTimeout)
	plannerClient := client
	if settings.PlannerBaseURL != "" {
		plannerClient = llmclient.New(settings.PlannerBaseURL, firstNonEmpty(settings.PlannerAPIKey, settings.OpenRouterAPIKey), llmRequestTimeout)
	}
	reflectorClient := client
	if settings.ReflectorBaseURL != "" {
		reflectorClient = llmclient.New(settings.ReflectorBaseURL, firstNonEmpty(settings.ReflectorAPIKey, settings.OpenRouterAPIKey), llmRequestTimeout)
	}
	embeddingClient := client
	if settings.EmbeddingBaseURL != "" {
		embeddingClient = llmclient.New(settings.EmbeddingBaseURL, firstNonEmpty(settings.EmbeddingAPIKey, settings.OpenRouterAPIKey), llmRequestTimeout)
	}

	executorModel := firstNonEmpty(settings.OpenRouterModel, "anthropic/claude-3.5-sonnet")
	plannerModel := firstNonEmpty(settings.PlannerModel, executorModel)
	reflectorModel := firstNonEmpty(settings.ReflectorModel, executorModel)

	skills := skill.New(filepath.Join(memRoot, "skills"))
	episodes := memory.NewEpisodeStore(filepath.Join(memRoot, "episodes"))
	semantic := memory.NewSemanticStore(filepath.Join(memRoot, "semantic"))

	var reflector orchestrator.Reflector
	if settings.EnableReflection {
		reflector = reflectoradapter.New(reflectorClient, reflectorModel)
	}

	var embedder orchestrator.Embedder
	var vectors *vectorindex.Index
	cleanup := func() {}
	if settings.EnableEmbeddings {
		embedder = embeddingClient
		db, err := vectorindex.Open(filepath.Join(memRoot, "vectors.db"))
		if err == nil {
			vectors = vectorindex.New(db)
			cleanup = func() { _ = vectorindex.Close(db) }
		} else {
			slog.Default().Warn("vector cache unavailable, semantic search disabled", "error", err.Error())
		}
	}

	deps := orchestrator.Deps{
		Computer:  computerAdapter,
		Policy:    policy.New(rules),
		Executor:  executoradapter.New(client, executorModel),
		Planner:   planneradapter.New(plannerClient, plannerModel),
		Reflector: reflector,
		Skills:    skills,
		Episodes:  episodes,
		Semantic:  semantic,
		Vectors:   vectors,
		Embedder:  embedder,
		Settings:  settings,
	}
	return orchestrator.New(deps), cleanup, nil
}

// selectComputerAdapter resolves CUA_ADAPTER (spec §6). Only the
// in-process fake backend ships in this repo; per-OS HID/AX drivers are
// out of scope (spec Non-goals) and would be registered here by name if
// compiled in as a build-tagged implementation of computer.Adapter.
func selectComputerAdapter(settings config.Settings) *fakecomputer.Adapter {
	if settings.CUAAdapter != "" && settings.CUAAdapter != "fake" {
		slog.Default().Warn("unknown computer adapter requested, using in-process fake", "adapter", settings.CUAAdapter)
	}
	return fakecomputer.New()
}

func resolveBaseURL(settings config.Settings) string {
	return firstNonEmpty(settings.OpenRouterBaseURL, "https://openrouter.ai/api/v1")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
