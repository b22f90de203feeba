package provider

import "github.com/steroids-dev/steroids/internal/types"

// cli is the shared shape of every registered provider. Invocation templates
// are argv slices with two placeholders filled at build time: the model name
// and the prompt file path.
type cli struct {
	name       string
	command    string
	streamJSON bool
	// args builds the argv after the command.
	args func(promptPath, model string) []string
	// models maps roles to defaults; first entry is the orchestrator default.
	defaults map[types.Role]string
	models   []string
	classify func(Result) Classification
}

func (c *cli) Name() string    { return c.name }
func (c *cli) Command() string { return c.command }
func (c *cli) BuildArgs(promptPath, model string) []string {
	return c.args(promptPath, model)
}
func (c *cli) StreamJSON() bool { return c.streamJSON }
func (c *cli) IsAvailable() bool {
	_, err := lookPath(c.command)
	return err == nil
}
func (c *cli) DefaultModel(role types.Role) string {
	if m, ok := c.defaults[role]; ok {
		return m
	}
	return c.models[0]
}
func (c *cli) ListModels() []string { return append([]string(nil), c.models...) }
func (c *cli) Classify(res Result) Classification {
	if c.classify != nil {
		return c.classify(res)
	}
	return classifyCommon(res)
}

var registry = map[string]Provider{
	"claude": &cli{
		name:       "claude",
		command:    "claude",
		streamJSON: true,
		args: func(promptPath, model string) []string {
			return []string{
				"--print", "--verbose",
				"--output-format", "stream-json",
				"--model", model,
				"--dangerously-skip-permissions",
				"--prompt-file", promptPath,
			}
		},
		defaults: map[types.Role]string{
			types.RoleCoder:        "sonnet",
			types.RoleReviewer:     "sonnet",
			types.RoleOrchestrator: "opus",
		},
		models: []string{"sonnet", "opus", "haiku"},
	},
	"gemini": &cli{
		name:    "gemini",
		command: "gemini",
		args: func(promptPath, model string) []string {
			return []string{"--model", model, "--yolo", "--prompt-file", promptPath}
		},
		defaults: map[types.Role]string{
			types.RoleCoder:    "gemini-2.5-pro",
			types.RoleReviewer: "gemini-2.5-flash",
		},
		models: []string{"gemini-2.5-pro", "gemini-2.5-flash"},
	},
	"openai": &cli{
		name:    "openai",
		command: "openai",
		args: func(promptPath, model string) []string {
			return []string{"api", "chat.completions.create", "--model", model, "--prompt-file", promptPath}
		},
		defaults: map[types.Role]string{},
		models:   []string{"gpt-4o", "gpt-4o-mini", "o3"},
	},
	"codex": &cli{
		name:    "codex",
		command: "codex",
		args: func(promptPath, model string) []string {
			return []string{"exec", "--model", model, "--full-auto", "--prompt-file", promptPath}
		},
		defaults: map[types.Role]string{},
		models:   []string{"gpt-5-codex", "o4-mini"},
	},
	"mistral": &cli{
		name:    "mistral",
		command: "mistral",
		args: func(promptPath, model string) []string {
			return []string{"chat", "--model", model, "--prompt-file", promptPath}
		},
		defaults: map[types.Role]string{},
		models:   []string{"mistral-large-latest", "codestral-latest"},
	},
}
