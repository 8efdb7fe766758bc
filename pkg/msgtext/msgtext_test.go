package msgtext

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSplitByLinks(t *testing.T) {
	msg := "Держите документ: https://site/pricelist.pdf и каталог: https://site/catalog.pdf"
	segments := SplitByLinks(msg)

	assert.Equal(t, []Segment{
		{Kind: SegmentText, Value: "Держите документ:"},
		{Kind: SegmentFile, Value: "https://site/pricelist.pdf"},
		{Kind: SegmentText, Value: "и каталог:"},
		{Kind: SegmentFile, Value: "https://site/catalog.pdf"},
	}, segments)
}

func TestSplitByLinksPlainText(t *testing.T) {
	segments := SplitByLinks("Добрый день! Чем могу помочь?")
	assert.Equal(t, []Segment{
		{Kind: SegmentText, Value: "Добрый день! Чем могу помочь?"},
	}, segments)
}

func TestSplitByLinksPreservesOrderAndURLs(t *testing.T) {
	msg := "a http://x.ru/1.jpg b https://y.ru/2.zip c"
	segments := SplitByLinks(msg)

	var files, texts []string
	for _, s := range segments {
		if s.Kind == SegmentFile {
			files = append(files, s.Value)
		} else {
			texts = append(texts, s.Value)
		}
	}
	assert.Equal(t, []string{"http://x.ru/1.jpg", "https://y.ru/2.zip"}, files)
	assert.Equal(t, []string{"a", "b", "c"}, texts)
}

func TestSplitByLinksTrimsMarkdownWrapping(t *testing.T) {
	msg := "Смотрите (https://site/plan.pdf) тут"
	segments := SplitByLinks(msg)
	assert.Equal(t, []Segment{
		{Kind: SegmentText, Value: "Смотрите"},
		{Kind: SegmentFile, Value: "https://site/plan.pdf"},
		{Kind: SegmentText, Value: "тут"},
	}, segments)
}

func TestFileNameFromURL(t *testing.T) {
	assert.Equal(t, "pricelist.pdf", FileNameFromURL("https://site.ru/files/pricelist.pdf"))
	assert.Equal(t, "photo.jpeg", FileNameFromURL("https://site.ru/photo.jpeg?x=1"))
}

func TestCheckMarkers(t *testing.T) {
	assert.Equal(t, "звонок", CheckMarkers("Хочу ЗВОНОК завтра"))
	assert.Equal(t, "встреча", CheckMarkers("когда встреча?"))
	assert.Equal(t, "", CheckMarkers("просто вопрос по проекту"))
	// " бот" requires the leading space so "работа" does not trip it.
	assert.Equal(t, "", CheckMarkers("работа идет"))
	assert.Equal(t, " бот", CheckMarkers("вы бот?"))
}

func TestVisibleCharCountIgnoresLinks(t *testing.T) {
	text := "Вот файл https://site/doc.pdf спасибо"
	assert.Equal(t, VisibleCharCount("Вот файл спасибо"), VisibleCharCount(text))
	assert.Equal(t, 0, VisibleCharCount("https://site/doc.pdf"))
}

func TestTypingDelay(t *testing.T) {
	// 100 chars at 200 chars/min is 30s; minus 10s thinking leaves 20s.
	reply := ""
	for i := 0; i < 100; i++ {
		reply += "а"
	}
	delay := TypingDelay(reply, 10*time.Second)
	assert.InDelta(t, 20.0, delay.Seconds(), 0.5)

	// Thinking longer than the target drops the delay to zero.
	assert.Equal(t, time.Duration(0), TypingDelay("ок", time.Minute))

	// Capped at 180s.
	long := ""
	for i := 0; i < 5000; i++ {
		long += "б"
	}
	assert.Equal(t, MaxTypingDelay, TypingDelay(long, 0))
}

func TestContactCardRoundTrip(t *testing.T) {
	payload := BuildContactInfo("Иван", "Петров", "+79991112233")
	card := ParseContactMessage(payload)
	assert.Equal(t, ContactCard{Name: "Иван", LastName: "Петров", Phone: "+79991112233"}, card)
	assert.Equal(t, "Ваш менеджер по строительству Петров Иван.\nТелефон: +79991112233", ManagerIntro(card))
}

func TestCommentFromBBString(t *testing.T) {
	bb := "[B]Звонок:[/B] исходящий\n[B]Комментарий:[/B] перезвонить в среду [B]Статус:[/B] новый"
	assert.Equal(t, "перезвонить в среду", CommentFromBBString(bb))
	assert.Equal(t, "", CommentFromBBString("[B]Звонок:[/B] без комментария"))
}

func TestMessageFromComment(t *testing.T) {
	quiz := "Сколько этажей вы хотите в доме?: 2\nКакой площади хотели бы дом?: 120 м2"
	assert.Equal(t,
		`Здравствуйте, я верно понимаю, что вы хотели получить подборку проектов "этажей: 2, площадь: 120 м2"?`,
		MessageFromComment(quiz, "quiz"))
	assert.Equal(t,
		"Здравствуйте, я верно понимаю, что вы хотели получить презентацию проекта?",
		MessageFromComment("", "Презентация проекта Альфа"))
	assert.Equal(t,
		"Здравствуйте, я верно понимаю, что хотели бы посмотреть каталог проектов?",
		MessageFromComment("", "catalog"))
}
