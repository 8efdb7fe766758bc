package msgtext

import (
	"regexp"
	"strings"
)

var bbCommentRegex = regexp.MustCompile(`(?is)\[B\]\s*Комментарий\s*:\s*\[/B\]\s*(.*?)(?:\[B\]|$)`)

// CommentFromBBString extracts the operator comment from a BB-formatted CRM
// timeline string. Returns "" when the block is absent.
func CommentFromBBString(bb string) string {
	m := bbCommentRegex.FindStringSubmatch(bb)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

var (
	quizFloorsRegex = regexp.MustCompile(`Сколько этажей вы хотите в доме\?\s*:?\s*([^\n]+)`)
	quizAreaRegex   = regexp.MustCompile(`Какой площади хотели бы дом\?\s*:?\s*([^\n]+)`)
)

// MessageFromComment builds the opening message for a website form submission
// depending on the form type.
func MessageFromComment(comment, formType string) string {
	switch {
	case formType == "quiz":
		var floors, area string
		if m := quizFloorsRegex.FindStringSubmatch(comment); m != nil {
			floors = strings.TrimSpace(m[1])
		}
		if m := quizAreaRegex.FindStringSubmatch(comment); m != nil {
			area = strings.TrimSpace(m[1])
		}
		return `Здравствуйте, я верно понимаю, что вы хотели получить подборку проектов "этажей: ` + floors + `, площадь: ` + area + `"?`
	case strings.HasPrefix(formType, "Презентация проекта"):
		return "Здравствуйте, я верно понимаю, что вы хотели получить презентацию проекта?"
	default:
		return "Здравствуйте, я верно понимаю, что хотели бы посмотреть каталог проектов?"
	}
}
