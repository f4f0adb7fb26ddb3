// Package prompts contains the fixed prompt text Hearth sends to the
// language model.
//
// Prompt text is Go code rather than config files because it is program
// logic: it uses fmt.Sprintf interpolation and is validated by tests.
// Operator-authored prompts (response templates and named system
// prompts) live in the template store; this package holds only the
// built-in prompts: the structured action prompt and the fallbacks used
// when a template cannot be rendered.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully
// interpolated prompt string.
package prompts
