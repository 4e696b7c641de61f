package generation

import (
	"encoding/json"
	"fmt"
	"strings"

	"narrative-engine/internal/models"
)

const turnSystemPrompt = `You are the narrator of an interactive story.
The user message is a JSON object describing the story so far and the player's action.
Continue the story in response to the action and reply with ONE JSON object:
{
  "narrative": string (required, the outcome of the action, 1-3 paragraphs),
  "location_name": string,
  "selected_scene_id": string (id of one of candidate_scenes),
  "new_scene": {"name": string, "description": string, "image_prompt": string},
  "time_of_day": "morning" | "afternoon" | "evening" | "night",
  "progression_summary": string (short summary of the whole story so far),
%s  "next_character_id": string,
  "story_ended": boolean
}
Omit fields that do not change. Use only ids that appear in the input.`

const fullModeFields = `  "vitals": {"health": int, "money": int, "happiness": int, "items": [string] (full inventory, only if it changed), "xp_gained": int, "stat_points_gained": int, "skills_gained": [string]},
  "relationship_deltas": [{"from_character_id": string, "to_character_id": string, "delta": int}],
  "relationship_event": {"description": string, "image_prompt": string},
  "completed_objective_id": string,
`

const objectiveField = `  "new_objective": {"description": string, "token_reward": int (1-3)} (REQUIRED this turn),
`

const chapterSystemPrompt = `You summarize chapters of an interactive story.
The user message is a JSON object with the story title, the summary so far and the chapter's entries.
Reply with a plain-text summary of the chapter, 3-5 sentences, without any preamble.`

const suggestionSystemPrompt = `You help a player of an interactive story decide what to do next.
The user message is a JSON object describing the current situation.
Reply with ONE JSON object {"suggestions": [string]} holding %d short, distinct actions the active character could take.`

func languageLine(lang string) string {
	if strings.TrimSpace(lang) == "" {
		return ""
	}
	return fmt.Sprintf("\nWrite all text in language: %s.", lang)
}

func buildTurnSystemPrompt(req models.GenerationRequest) string {
	var extra strings.Builder
	if !req.NarratorMode {
		extra.WriteString(fullModeFields)
		if req.MustCreateObjective {
			extra.WriteString(objectiveField)
		}
	}
	return fmt.Sprintf(turnSystemPrompt, extra.String()) + languageLine(req.Language)
}

func buildChapterSystemPrompt(req models.ChapterRequest) string {
	return chapterSystemPrompt + languageLine(req.Language)
}

func buildSuggestionSystemPrompt(req models.SuggestionRequest, n int) string {
	return fmt.Sprintf(suggestionSystemPrompt, n) + languageLine(req.Language)
}

// encodeInput renders the user message.
func encodeInput(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode prompt input: %w", err)
	}
	return string(b), nil
}

// extractJSONObject returns the outermost JSON object in text. Models wrap
// JSON in code fences or add a sentence around it.
func extractJSONObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}
