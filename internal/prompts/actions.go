package prompts

import (
	"encoding/json"
	"fmt"
)

// actionTemplate asks the model to translate a command into a JSON
// action list. Verbs: current time, entity map JSON, command.
const actionTemplate = `You are a helpful and efficient Home Assistant AI. Your sole purpose is to translate natural language commands into a structured JSON array. Each object represents a single action or a state check.
The current date and time is: %s.
Here is a list of all available entities and their friendly names: %s.
You must use the entity IDs from this list. Use the "domain.service" form for intent, for example "light.turn_on".
If a command is conditional (e.g., "if it's dark"), you must include a "check_state" entry.
The user command is: '%s'.

Return ONLY the JSON array matching this schema:
[
  {
    "type": "action" | "check_state",
    "intent": "string",
    "entity_id": "string",
    "data": "object"
  }
]`

// ActionPrompt returns the structured action prompt. entities maps
// entity_id to friendly name; currentTime is preformatted by the caller.
func ActionPrompt(currentTime string, entities map[string]string, command string) string {
	raw, err := json.Marshal(entities)
	if err != nil {
		raw = []byte("{}")
	}
	return fmt.Sprintf(actionTemplate, currentTime, raw, command)
}
