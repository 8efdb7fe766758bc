package msgtext

import (
	"fmt"
	"strings"
)

const (
	// AgentCardMarker asks the pipeline to send the agent's own business card.
	AgentCardMarker = "[Мой контакт]"
	// ManagerCardMarker asks the pipeline to send a manager's contact card;
	// the card fields follow on the next lines.
	ManagerCardMarker = "[Менеджер по строительству]"
)

// ContactCard is a manager's card parsed from a helpdesk message.
type ContactCard struct {
	Name     string
	LastName string
	Phone    string
}

// BuildContactInfo renders the manager card payload posted into the helpdesk.
func BuildContactInfo(name, lastName, phone string) string {
	return fmt.Sprintf("%s\nИмя: %s\nФамилия: %s\nТелефон: %s\n",
		ManagerCardMarker, name, lastName, phone)
}

// ParseContactMessage extracts a manager card from a BuildContactInfo payload.
func ParseContactMessage(message string) ContactCard {
	var card ContactCard
	for _, line := range strings.Split(strings.TrimSpace(message), "\n") {
		switch {
		case strings.HasPrefix(line, "Имя:"):
			card.Name = strings.TrimSpace(strings.TrimPrefix(line, "Имя:"))
		case strings.HasPrefix(line, "Фамилия:"):
			card.LastName = strings.TrimSpace(strings.TrimPrefix(line, "Фамилия:"))
		case strings.HasPrefix(line, "Телефон:"):
			card.Phone = strings.TrimSpace(strings.TrimPrefix(line, "Телефон:"))
		}
	}
	return card
}

// ManagerIntro renders the text note sent before the manager card itself.
func ManagerIntro(card ContactCard) string {
	return fmt.Sprintf("Ваш менеджер по строительству %s %s.\nТелефон: %s",
		card.LastName, card.Name, card.Phone)
}

// AgentCardIntro is the note sent before the agent's own card.
const AgentCardIntro = "Сохраните мой контакт — вернемся к разговору, когда будете готовы"
