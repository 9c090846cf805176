// leanchat is an interactive terminal chat that keeps a bounded history of
// the conversation and sends it in full on every request.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/pflag"

	"LeanChat/internal/config"
	"LeanChat/internal/conversation"
	"LeanChat/internal/history"
	"LeanChat/internal/llm/provider"
	"LeanChat/internal/prompt"
	"LeanChat/pkg/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	system      string
	vars        map[string]string
	maxHistory  int
	provider    string
	model       string
	temperature float64
	fewShot     string
	fewShotMode string
}

func run(args []string) error {
	cfg, err := config.Resolve(os.Getenv(config.EnvConfigPath))
	if err != nil {
		return err
	}

	var opts options
	flagSet := pflag.NewFlagSet("leanchat", pflag.ContinueOnError)
	flagSet.StringVar(&opts.system, "system", cfg.Conversation.System, "system prompt; {name} placeholders are filled from --var")
	flagSet.StringToStringVar(&opts.vars, "var", nil, "placeholder values for --system, e.g. --var name=Alice")
	flagSet.IntVar(&opts.maxHistory, "max-history", cfg.Conversation.MaxHistory, "number of user/assistant turns to keep")
	flagSet.StringVar(&opts.provider, "provider", cfg.LLM.Provider, "completion backend: http|sdk|stub")
	flagSet.StringVar(&opts.model, "model", cfg.LLM.Model, "model identifier")
	flagSet.Float64Var(&opts.temperature, "temperature", cfg.Conversation.Temperature, "sampling temperature")
	flagSet.StringVar(&opts.fewShot, "few-shot", cfg.Conversation.FewShotFile, "YAML file with few-shot examples")
	flagSet.StringVar(&opts.fewShotMode, "few-shot-mode", "system", "where examples go: system (appended to the system prompt) or turns (seeded as history)")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg.Conversation.MaxHistory = opts.maxHistory
	cfg.Conversation.Temperature = opts.temperature
	cfg.LLM.Provider = opts.provider
	cfg.LLM.Model = opts.model
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := logger.Init(logger.Config{Level: "warn", Format: "console", OutputPaths: []string{"stderr"}}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	client, err := provider.New(provider.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.BaseURL,
		Model:    cfg.LLM.Model,
		Timeout:  cfg.LLM.Timeout,
	})
	if err != nil {
		return err
	}

	seed, err := initialTurns(opts)
	if err != nil {
		return err
	}
	buf, err := history.New("", cfg.Conversation.MaxHistory)
	if err != nil {
		return err
	}
	if err := buf.Restore(seed); err != nil {
		return err
	}
	conv := conversation.New(buf, client,
		conversation.WithModel(cfg.LLM.Model),
		conversation.WithTemperature(cfg.Conversation.Temperature),
		conversation.WithTimeout(cfg.Conversation.Timeout),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return newREPL(conv, seed, os.Stdin, os.Stdout).Run(ctx)
}

// initialTurns 组装启动时的 system 消息与可选的少样本示例。
func initialTurns(opts options) ([]history.Turn, error) {
	system := prompt.SystemPrompt(opts.system, opts.vars)
	var seed []history.Turn
	if opts.fewShot != "" {
		fewShot, err := prompt.LoadExamples(opts.fewShot)
		if err != nil {
			return nil, err
		}
		switch opts.fewShotMode {
		case "system":
			if rendered := fewShot.Render(); rendered != "" {
				if system != "" {
					system += "\n\n"
				}
				system += rendered
			}
		case "turns":
			if fewShot.Instruction != "" {
				if system != "" {
					system += "\n\n"
				}
				system += fewShot.Instruction
			}
			seed = fewShot.Turns()
		default:
			return nil, fmt.Errorf("unknown --few-shot-mode %q (want system or turns)", opts.fewShotMode)
		}
	}
	if system == "" {
		return seed, nil
	}
	return append([]history.Turn{history.System(system)}, seed...), nil
}
