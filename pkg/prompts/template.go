package prompts

import (
	"strings"

	"github.com/run-bigpig/chatstream/pkg/llm"
)

// ChatTemplate describes the markers a model expects around conversation turns
type ChatTemplate struct {
	Name      string
	BOS       string // Start-of-sequence marker
	InstOpen  string // Opens an instruction (user) segment
	InstClose string // Closes an instruction segment
	EOS       string // Ends an assistant segment
}

// MixtralTemplate is the instruction format used by Mistral and Mixtral instruct models
var MixtralTemplate = ChatTemplate{
	Name:      "mixtral",
	BOS:       "<s>",
	InstOpen:  "[INST] ",
	InstClose: " [/INST]",
	EOS:       "</s> ",
}

// TemplateOption is a function that configures a template
type TemplateOption func(*ChatTemplate)

// WithBOS sets the start-of-sequence marker
func WithBOS(bos string) TemplateOption {
	return func(t *ChatTemplate) {
		t.BOS = bos
	}
}

// WithEOS sets the end-of-segment marker
func WithEOS(eos string) TemplateOption {
	return func(t *ChatTemplate) {
		t.EOS = eos
	}
}

// WithInstructionMarkers sets the markers wrapping user segments
func WithInstructionMarkers(open, close string) TemplateOption {
	return func(t *ChatTemplate) {
		t.InstOpen = open
		t.InstClose = close
	}
}

// NewTemplate creates a template starting from MixtralTemplate
func NewTemplate(name string, options ...TemplateOption) ChatTemplate {
	tmpl := MixtralTemplate
	tmpl.Name = name
	for _, option := range options {
		option(&tmpl)
	}
	return tmpl
}

// Format builds the model prompt for message following history.
// The prompt ends on an open instruction so the model continues with the reply.
func (t ChatTemplate) Format(message string, history llm.History) string {
	var b strings.Builder
	b.WriteString(t.BOS)
	for _, turn := range history {
		t.writeInstruction(&b, turn.User)
		b.WriteString(" ")
		b.WriteString(turn.Assistant)
		b.WriteString(t.EOS)
	}
	t.writeInstruction(&b, message)
	return b.String()
}

func (t ChatTemplate) writeInstruction(b *strings.Builder, text string) {
	b.WriteString(t.InstOpen)
	b.WriteString(text)
	b.WriteString(t.InstClose)
}

// CountSegments returns the number of instruction segments in prompt
func (t ChatTemplate) CountSegments(prompt string) int {
	if t.InstClose == "" {
		return 0
	}
	return strings.Count(prompt, t.InstClose)
}

// Format builds a prompt with MixtralTemplate
func Format(message string, history llm.History) string {
	return MixtralTemplate.Format(message, history)
}
