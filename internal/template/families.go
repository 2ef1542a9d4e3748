package template

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
)

// Family describes how one model family turns messages into a prompt.
type Family struct {
	Name          string
	StopTokens    []string
	SystemSupport bool
	DefaultSystem string
	source        string
	tmpl          *Template
}

// Engine holds the registered families. The built-in set is parsed once at
// construction; custom families can be registered afterwards and replace
// built-ins of the same name.
type Engine struct {
	mu       sync.RWMutex
	families map[string]*Family
}

// NewEngine creates an engine with the built-in family set. Built-in
// templates are compiled here, so a grammar regression fails construction
// rather than the first request.
func NewEngine() (*Engine, error) {
	e := &Engine{families: make(map[string]*Family)}
	for _, f := range builtinFamilies() {
		if err := e.Register(f); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Register parses and installs a family template. Parse errors reject the
// registration.
func (e *Engine) Register(f Family) error {
	tmpl, err := Parse(f.Name, f.source)
	if err != nil {
		return fmt.Errorf("register family %s: %w", f.Name, err)
	}
	f.tmpl = tmpl
	e.mu.Lock()
	e.families[f.Name] = &f
	e.mu.Unlock()
	return nil
}

// RegisterSource installs a family from raw template source.
func (e *Engine) RegisterSource(f Family, src string) error {
	f.source = src
	return e.Register(f)
}

// Rendered is the product of applying a family template to a message list.
type Rendered struct {
	Prompt        string
	StopTokens    []string
	SystemSupport bool
}

// DetectFamily maps a model id or path onto a family name. Unknown ids fall
// back to the default chatml-style family.
func DetectFamily(modelID string) string {
	id := strings.ToLower(modelID)
	for _, probe := range []struct{ needle, family string }{
		{"llama", "llama"},
		{"mistral", "mistral"},
		{"mixtral", "mistral"},
		{"qwen", "qwen"},
		{"phi", "phi"},
		{"gemma", "gemma"},
		{"smollm", "smollm"},
		{"claude", "claude"},
	} {
		if strings.Contains(id, probe.needle) {
			return probe.family
		}
	}
	return "default"
}

// Render produces the prompt for a model family. A system message is
// injected only when the family advertises system support; families without
// it fold the system text into the first user turn. When the message list
// has no system message, the family's default system instructions are used.
func (e *Engine) Render(family string, msgs []core.Message) (Rendered, error) {
	e.mu.RLock()
	f, ok := e.families[family]
	if !ok {
		f = e.families["default"]
	}
	e.mu.RUnlock()

	system := f.DefaultSystem
	var rest []map[string]any
	for _, m := range msgs {
		if m.Role == "system" {
			system = m.ContentText()
			continue
		}
		rest = append(rest, map[string]any{
			"role":    m.Role,
			"content": m.ContentText(),
		})
	}

	if !f.SystemSupport && system != "" && len(rest) > 0 {
		// Fold system instructions into the first user turn.
		first := rest[0]
		if first["role"] == "user" {
			first["content"] = system + "\n\n" + first["content"].(string)
		}
		system = ""
	}

	vars := map[string]any{
		"system":   system,
		"messages": anySlice(rest),
	}
	prompt, err := f.tmpl.Render(vars)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{
		Prompt:        prompt,
		StopTokens:    append([]string(nil), f.StopTokens...),
		SystemSupport: f.SystemSupport,
	}, nil
}

func anySlice(in []map[string]any) []any {
	out := make([]any, len(in))
	for i := range in {
		out[i] = in[i]
	}
	return out
}

func builtinFamilies() []Family {
	return []Family{
		{
			Name:          "llama",
			StopTokens:    []string{"<|eot_id|>", "<|end_of_text|>"},
			SystemSupport: true,
			DefaultSystem: "You are a helpful assistant.",
			source: "<|begin_of_text|>{% if system %}<|start_header_id|>system<|end_header_id|>\n\n{{ system }}<|eot_id|>{% endif %}" +
				"{% for m in messages %}<|start_header_id|>{{ m.role }}<|end_header_id|>\n\n{{ m.content }}<|eot_id|>{% endfor %}" +
				"<|start_header_id|>assistant<|end_header_id|>\n\n",
		},
		{
			Name:          "mistral",
			StopTokens:    []string{"</s>"},
			SystemSupport: false,
			DefaultSystem: "",
			source: "<s>{% for m in messages %}{% if m.role == 'user' %}[INST] {{ m.content }} [/INST]{% else %}{{ m.content }}</s>{% endif %}{% endfor %}",
		},
		{
			Name:          "qwen",
			StopTokens:    []string{"<|im_end|>"},
			SystemSupport: true,
			DefaultSystem: "You are Qwen, a helpful assistant.",
			source: "{% if system %}<|im_start|>system\n{{ system }}<|im_end|>\n{% endif %}" +
				"{% for m in messages %}<|im_start|>{{ m.role }}\n{{ m.content }}<|im_end|>\n{% endfor %}" +
				"<|im_start|>assistant\n",
		},
		{
			Name:          "phi",
			StopTokens:    []string{"<|end|>"},
			SystemSupport: true,
			DefaultSystem: "You are a helpful AI assistant.",
			source: "{% if system %}<|system|>\n{{ system }}<|end|>\n{% endif %}" +
				"{% for m in messages %}<|{{ m.role }}|>\n{{ m.content }}<|end|>\n{% endfor %}" +
				"<|assistant|>\n",
		},
		{
			Name:          "gemma",
			StopTokens:    []string{"<end_of_turn>"},
			SystemSupport: false,
			DefaultSystem: "",
			source: "{% for m in messages %}{% if m.role == 'assistant' %}<start_of_turn>model\n{{ m.content }}<end_of_turn>\n{% else %}<start_of_turn>user\n{{ m.content }}<end_of_turn>\n{% endif %}{% endfor %}" +
				"<start_of_turn>model\n",
		},
		{
			Name:          "smollm",
			StopTokens:    []string{"<|im_end|>"},
			SystemSupport: true,
			DefaultSystem: "You are a helpful AI assistant named SmolLM.",
			source: "{% if system %}<|im_start|>system\n{{ system }}<|im_end|>\n{% endif %}" +
				"{% for m in messages %}<|im_start|>{{ m.role }}\n{{ m.content }}<|im_end|>\n{% endfor %}" +
				"<|im_start|>assistant\n",
		},
		{
			Name:          "claude",
			StopTokens:    []string{"\n\nHuman:"},
			SystemSupport: true,
			DefaultSystem: "",
			source: "{% if system %}{{ system }}\n\n{% endif %}" +
				"{% for m in messages %}{% if m.role == 'user' %}\n\nHuman: {{ m.content }}{% else %}\n\nAssistant: {{ m.content }}{% endif %}{% endfor %}\n\nAssistant:",
		},
		{
			Name:          "default",
			StopTokens:    []string{"<|im_end|>"},
			SystemSupport: true,
			DefaultSystem: "You are a helpful assistant.",
			source: "{% if system %}<|im_start|>system\n{{ system }}<|im_end|>\n{% endif %}" +
				"{% for m in messages %}<|im_start|>{{ m.role }}\n{{ m.content }}<|im_end|>\n{% endfor %}" +
				"<|im_start|>assistant\n",
		},
	}
}
