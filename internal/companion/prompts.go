package companion

import (
	"fmt"
	"strings"

	"companion/internal/chat"
)

// User facing strings returned instead of errors.
const (
	MsgHighTraffic = "The AI is getting a lot of traffic right now. Please try again in a few seconds."
	MsgBusy        = "I'm having trouble responding right now. Please try again."

	FallbackDescription = "A new companion with a story still waiting to be written."
	FallbackScenario    = "Two strangers are stuck together in a snowed-in mountain cabin, and only one of them knows why the road is closed."
	FallbackStory       = "The story could not be written right now. Please try again in a moment."
	FallbackCodePrompt  = "Could not generate a code prompt right now. Please try again in a moment."
)

const (
	suggestionSystem = "You help a user keep a roleplay conversation going. Write the single next message the user could send. " +
		"Reply with that message only, in the user's voice, one or two sentences, with no quotes, labels or commentary."

	descriptionSystem = "You write short, vivid character descriptions for a chat app. Reply with the description only, two or three sentences."

	scenarioSystem = "You invent opening scenarios for roleplay chats. Reply with one scenario of at most three sentences and nothing else."

	storySystem = "You are a creative fiction writer. Write a complete short story in prose. Do not add a title or notes."

	codePromptSystem = "You turn a rough programming task into a precise prompt for a code generation model. " +
		"Reply with the prompt only: goal, inputs and outputs, constraints, and edge cases to handle."
)

// StoryCharacter is one named participant of a generated story.
type StoryCharacter struct {
	Name        string `json:"name" validate:"required"`
	Personality string `json:"personality"`
}

func suggestionPrompt(history []chat.Turn, personality string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The user is chatting with a character described as:\n%s\n\n", strings.TrimSpace(personality))
	if len(history) == 0 {
		b.WriteString("The conversation has not started yet. Suggest an opening message.")
		return b.String()
	}
	b.WriteString("Conversation so far:\n")
	b.WriteString(chat.Transcript(history, "User", "Character"))
	b.WriteString("\n\nSuggest the user's next message.")
	return b.String()
}

func descriptionPrompt(personality string) string {
	return "Describe this character for their profile card:\n" + strings.TrimSpace(personality)
}

func scenarioPrompt(personalities []string) string {
	var cast []string
	for _, p := range personalities {
		if p = strings.TrimSpace(p); p != "" {
			cast = append(cast, "- "+p)
		}
	}
	if len(cast) == 0 {
		return "Invent an intriguing opening scenario for a conversation between the user and a character."
	}
	return "Invent an intriguing opening scenario involving these characters:\n" + strings.Join(cast, "\n")
}

func storyPrompt(characters []StoryCharacter, otherNames []string, scenario string) string {
	var b strings.Builder
	b.WriteString("Characters:\n")
	for _, c := range characters {
		fmt.Fprintf(&b, "- %s", strings.TrimSpace(c.Name))
		if p := strings.TrimSpace(c.Personality); p != "" {
			fmt.Fprintf(&b, ": %s", p)
		}
		b.WriteString("\n")
	}
	var others []string
	for _, n := range otherNames {
		if n = strings.TrimSpace(n); n != "" {
			others = append(others, n)
		}
	}
	if len(others) > 0 {
		fmt.Fprintf(&b, "Also present: %s\n", strings.Join(others, ", "))
	}
	if s := strings.TrimSpace(scenario); s != "" {
		fmt.Fprintf(&b, "\nScenario: %s\n", s)
	}
	b.WriteString("\nWrite the story.")
	return b.String()
}

func codePrompt(task, language string) string {
	language = strings.TrimSpace(language)
	if language == "" {
		language = "any suitable language"
	}
	return fmt.Sprintf("Task: %s\nTarget language: %s", strings.TrimSpace(task), language)
}
