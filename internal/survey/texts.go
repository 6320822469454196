package survey

import "fmt"

// PromptText is the regular sampling invitation.
const PromptText = "📋 Time for a quick check-in! How are you feeling right now?\n\n" +
	"Tap «Answer now» to record this moment, or «Skip» if you really can't."

// Escalation follow-ups, one per level, increasingly urgent. Levels past the
// table reuse the last message.
var escalationTexts = []string{
	"👋 Still there? Your check-in from earlier is waiting — it only takes a minute.",
	"⏰ Second reminder: the survey window is closing. Please answer when you can.",
	"🚨 Last call! This check-in will be marked as missed soon. One minute is all it takes.",
}

// EscalationText returns the follow-up message for the given level (1-based).
func EscalationText(level int) string {
	if level < 1 {
		level = 1
	}
	if level > len(escalationTexts) {
		level = len(escalationTexts)
	}
	return fmt.Sprintf("%s (reminder %d)", escalationTexts[level-1], level)
}
