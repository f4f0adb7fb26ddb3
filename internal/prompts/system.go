package prompts

import "fmt"

// fallbackSystem replaces a template's system prompt when its user
// prompt cannot be rendered.
const fallbackSystem = "You are a helpful assistant. There was an error with the prompt template."

// fallbackUserTemplate echoes the raw command so the model can still
// answer. The verbs are the missing placeholder name and the user input.
const fallbackUserTemplate = "Error constructing prompt: Missing placeholder {%s} in template. Original user input: %s"

// FallbackSystemPrompt returns the system prompt used when a template
// references a context key that does not exist.
func FallbackSystemPrompt() string {
	return fallbackSystem
}

// FallbackUserPrompt returns the user prompt used when a template
// references the missing context key.
func FallbackUserPrompt(missingKey, userInput string) string {
	return fmt.Sprintf(fallbackUserTemplate, missingKey, userInput)
}

// ModelPrompt joins a system and user prompt into the single prompt
// string the generate endpoint accepts.
func ModelPrompt(system, user string) string {
	return fmt.Sprintf("System: %s\n\nUser: %s", system, user)
}
