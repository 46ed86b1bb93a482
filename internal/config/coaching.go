package config

import (
	"bytes"
	"fmt"
	"slices"
	"text/template"
)

// Level is the learner's proficiency.
type Level string

const (
	LevelBeginner     Level = "beginner"
	LevelIntermediate Level = "intermediate"
	LevelAdvanced     Level = "advanced"
)

// IsValid reports whether l is a recognised level.
func (l Level) IsValid() bool {
	switch l {
	case LevelBeginner, LevelIntermediate, LevelAdvanced:
		return true
	}
	return false
}

// Goal is the practice scenario of a session.
type Goal string

const (
	GoalDaily      Goal = "Daily Conversation"
	GoalInterview  Goal = "Job Interview"
	GoalOffice     Goal = "Office Talk"
	GoalNewsEvents Goal = "News & Events"
	GoalMovies     Goal = "Cinema & Movies"
	GoalSports     Goal = "Sports Talk"
	GoalGK         Goal = "General Knowledge"
	GoalExamPrep   Goal = "Exam Preparation"
	GoalSkillEval  Goal = "Skill Evaluation"
)

// Goals lists every practice goal in display order.
var Goals = []Goal{
	GoalDaily, GoalInterview, GoalOffice, GoalNewsEvents, GoalMovies,
	GoalSports, GoalGK, GoalExamPrep, GoalSkillEval,
}

// IsValid reports whether g is a recognised goal.
func (g Goal) IsValid() bool { return slices.Contains(Goals, g) }

// Languages lists the supported native languages, sorted.
var Languages = []string{
	"Arabic", "Bengali", "Chinese", "English", "French", "German", "Hindi",
	"Indonesian", "Italian", "Japanese", "Korean", "Malayalam", "Marathi",
	"Portuguese", "Punjabi", "Russian", "Spanish", "Tamil", "Telugu",
	"Turkish", "Urdu", "Vietnamese",
}

// Coaching defaults.
const (
	DefaultLevel    = LevelIntermediate
	DefaultGoal     = GoalDaily
	DefaultLanguage = "Tamil"
)

var instructionTmpl = template.Must(template.New("instruction").Parse(
	`You are Pesu Buddy, a world-class Communication Coach.
Current User Level: {{.Level}}.
Primary Practice Goal: {{.Goal}}.
Native Language: {{.NativeLanguage}}.

GUIDELINES:
1. Chat naturally, like a real supportive friend.
2. Correct grammar gently. If the user makes a mistake, provide a better version.
3. Always ask one interesting question to keep the conversation flowing.
4. Adapt your vocabulary to the user's level.

RESPONSE FORMAT (Strictly follow this order for feedback):
Corrected: [A natural, better version. Use **bold** for improved words]
Meaning: [A short translation/explanation in {{.NativeLanguage}}]
Practice: [One simple sentence for the user to repeat out loud]

[Your natural chat response and follow-up question here]
`))

// SystemInstruction renders the coach prompt for c.
func (c CoachingConfig) SystemInstruction() (string, error) {
	var buf bytes.Buffer
	if err := instructionTmpl.Execute(&buf, c); err != nil {
		return "", fmt.Errorf("config: render system instruction: %w", err)
	}
	return buf.String(), nil
}

// Greeting returns the coach's opening line for a new session.
func (c CoachingConfig) Greeting() string {
	return fmt.Sprintf("Hello! I'm Pesu Buddy, your coach. I'm excited to help you with %s. How has your day been so far?", c.Goal)
}
