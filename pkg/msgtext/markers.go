package msgtext

import "strings"

// markers are the substrings that indicate the client asked for a human:
// a call, a meeting, an office or showroom visit, or complained about the bot.
var markers = []string{
	"звонок", "созвон", "перезвон", "в офис", " бот", "робот", " ии", "позвон",
	"встреча", "встретимся", "встретиться", "о встрече", "позови", "шоурум", "шоу рум",
}

// CheckMarkers reports the first intent marker found in the message,
// case-insensitively. Returns "" when the message is clean.
func CheckMarkers(message string) string {
	text := strings.ToLower(message)
	for _, marker := range markers {
		if strings.Contains(text, marker) {
			return marker
		}
	}
	return ""
}
