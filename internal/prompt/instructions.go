package prompt

import (
	"sort"
	"strings"
)

// Instruction is one named prompt template plus the history policy bound to it.
type Instruction struct {
	Name               string
	InitPrompt         string
	ResultReplacements map[string]string
	AIName             string
	SaveHistory        bool
	SummarizeOnFull    bool
	StripEmotions      bool
	InstructTags       string // "llama2" or ""
	Communication      string // "multi_user_chat" or ""
}

// DefaultName selects the general-purpose assistant template.
const DefaultName = "default"

const llama2AssistantPrompt = "[INST] <<SYS>>\nYou are a helpful, respectful, honest Assistant. " +
	"Your name is {ai_name}. Current time is {current_day}, {current_datetime}. " +
	"Only tell the date and time if asked. Always answer as helpfully as possible, while being safe. " +
	"Keep the answers short.{summary}\n<</SYS>>\n{history}{name}{prompt}{stop}[/INST]\n"

const codingPrompt = "### System Prompt\nYou are an intelligent programming assistant.\n\n" +
	"### User Message\n{prompt}\n\n### Assistant\n"

// Registry maps instruction names to templates. The set is fixed at startup;
// lookups are read-only afterwards.
type Registry struct {
	sets map[string]Instruction
}

// NewRegistry builds the built-in instruction sets. stopMarker is substituted
// into templates that force explicit generation stops.
func NewRegistry(stopMarker string) *Registry {
	sets := map[string]Instruction{
		DefaultName: {
			Name:       DefaultName,
			InitPrompt: strings.ReplaceAll(llama2AssistantPrompt, "{stop}", stopMarker),
			ResultReplacements: map[string]string{
				stopMarker: "",
			},
			AIName:          "Assistant",
			SaveHistory:     true,
			SummarizeOnFull: true,
			StripEmotions:   false,
			InstructTags:    "llama2",
			Communication:   "multi_user_chat",
		},
		"coding": {
			Name:               "coding",
			InitPrompt:         codingPrompt,
			ResultReplacements: map[string]string{},
			AIName:             "Assistant",
			SaveHistory:        false,
			SummarizeOnFull:    false,
		},
	}
	return &Registry{sets: sets}
}

// Get resolves an instruction by name. The empty string and "_" select the
// default set.
func (r *Registry) Get(name string) (Instruction, bool) {
	name = strings.TrimSpace(name)
	if name == "" || name == "_" {
		name = DefaultName
	}
	ins, ok := r.sets[name]
	return ins, ok
}

// Names lists the registered instruction names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sets))
	for name := range r.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HistoryManaged lists the instruction names whose conversations keep history,
// for startup initialization and restore.
func (r *Registry) HistoryManaged() []string {
	var names []string
	for name, ins := range r.sets {
		if ins.SaveHistory {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
