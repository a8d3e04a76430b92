package prompt

import (
	"regexp"
	"strings"
	"time"
)

// AssembleInput is the conversation snapshot a prompt is rendered from.
type AssembleInput struct {
	Summary string // rolling summary, may be empty
	History string // transcript with stop markers, may be empty
	Text    string // the user's message
	Speaker string // the user's display name, may be empty
	Now     time.Time
}

// Assemble renders the literal prompt text handed to the completion backend.
// Pure function of the instruction template and the snapshot.
func Assemble(ins Instruction, in AssembleInput) string {
	nameStr := ""
	if in.Speaker != "" {
		nameStr = in.Speaker + ": "
	}

	summary := in.Summary
	if summary != "" {
		summary = " Summary of previous messages: " + summary
	}
	history := in.History
	if history != "" {
		history = history + "\n"
	}

	return strings.NewReplacer(
		"{ai_name}", ins.AIName,
		"{summary}", summary,
		"{history}", history,
		"{prompt}", in.Text,
		"{name}", nameStr,
		"{current_day}", in.Now.Format("Monday"),
		"{current_datetime}", in.Now.Format("2006-01-02 15:04:05"),
	).Replace(ins.InitPrompt)
}

var (
	llama2InstBlock = regexp.MustCompile(`(?s)\[INST\].*?\[/INST\]\n?`)
	emotionMarker   = regexp.MustCompile(`\*[^*]+\*`)
)

// StripLlama2Tags removes instruct-format control tokens. Applied to user
// input so injected tags cannot break the template, and to model output where
// they should never appear.
func StripLlama2Tags(text, stopMarker string) string {
	text = llama2InstBlock.ReplaceAllString(text, "")
	if stopMarker != "" {
		text = strings.ReplaceAll(text, stopMarker, "")
	}
	text = strings.ReplaceAll(text, "[INST]", "")
	text = strings.ReplaceAll(text, "[/INST]", "")
	text = strings.ReplaceAll(text, "<<SYS>>", "")
	text = strings.ReplaceAll(text, "<</SYS>>", "")
	return text
}

// RemoveEmotions strips *stage direction* markers from a reply.
func RemoveEmotions(text string) string {
	return strings.TrimSpace(emotionMarker.ReplaceAllString(text, ""))
}

// CleanResult applies the instruction's configured string replacements and,
// for multi-user chat templates, drops a leading "AssistantName:" echo.
func CleanResult(ins Instruction, answer string) string {
	for original, replacement := range ins.ResultReplacements {
		answer = strings.ReplaceAll(answer, original, replacement)
	}

	if ins.Communication == "multi_user_chat" {
		for strings.HasPrefix(answer, ins.AIName) {
			answer = answer[len(ins.AIName):]
		}
		answer = strings.TrimSpace(answer)
		for strings.HasPrefix(answer, ":") {
			answer = answer[1:]
		}
	}

	return strings.TrimSpace(answer)
}
