// Package transcribe runs the durable call-transcription queue: a dispatcher
// leases due jobs, a bounded pool of workers pulls new call recordings from
// the CRM timeline, feeds them to speech-to-text, and posts the summary back
// as a timeline comment.
package transcribe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Call direction and status labels shown in the CRM timeline comment.
const (
	directionIncoming = "Входящий"
	directionOutgoing = "Исходящий"
	directionUnknown  = "Неизвестно"

	statusMissed    = "Пропущенный"
	statusCancelled = "Отменённый"
	statusCompleted = "Успешный"
)

// CallInfo is the normalized view of a crm.activity.list record.
type CallInfo struct {
	ID        string
	Subject   string
	Direction string
	Start     *time.Time
	End       *time.Time
	Duration  string
	Status    string
	FileID    string
}

// flexScalar tolerates CRM fields that arrive as strings, numbers, or
// booleans, depending on the portal version.
type flexScalar string

func (f *flexScalar) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexScalar(s)
		return nil
	}
	*f = flexScalar(strings.Trim(string(data), `"`))
	return nil
}

func (f flexScalar) String() string { return string(f) }

type activityRecord struct {
	ID        flexScalar `json:"ID"`
	Subject   string     `json:"SUBJECT"`
	Direction flexScalar `json:"DIRECTION"`
	StartTime string     `json:"START_TIME"`
	EndTime   string     `json:"END_TIME"`
	Completed flexScalar `json:"COMPLETED"`
	Settings  struct {
		MissedCall bool `json:"MISSED_CALL"`
	} `json:"SETTINGS"`
	Files []struct {
		ID flexScalar `json:"id"`
	} `json:"FILES"`
}

// parseCallInfo decodes one timeline activity into a CallInfo.
func parseCallInfo(raw json.RawMessage) (*CallInfo, error) {
	var rec activityRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}

	start := parseCallTime(rec.StartTime)
	end := parseCallTime(rec.EndTime)

	direction := directionUnknown
	switch rec.Direction.String() {
	case "1":
		direction = directionIncoming
	case "2":
		direction = directionOutgoing
	}

	info := &CallInfo{
		ID:        rec.ID.String(),
		Subject:   rec.Subject,
		Direction: direction,
		Start:     start,
		End:       end,
		Duration:  formatDuration(start, end),
		Status:    callStatus(rec, start, end),
	}
	if len(rec.Files) > 0 {
		info.FileID = rec.Files[0].ID.String()
	}
	return info, nil
}

func callStatus(rec activityRecord, start, end *time.Time) string {
	if rec.Settings.MissedCall {
		return statusMissed
	}
	completed := strings.EqualFold(rec.Completed.String(), "y") || rec.Completed.String() == "true"
	if end == nil || (start != nil && end.Equal(*start)) || !completed {
		return statusCancelled
	}
	return statusCompleted
}

// parseCallTime accepts the CRM's ISO timestamps with or without an offset.
func parseCallTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// formatDuration renders the call length as a human string, e.g.
// "1 ч. 2 мин. 3 сек.".
func formatDuration(start, end *time.Time) string {
	if start == nil || end == nil || end.Before(*start) {
		return "0 сек."
	}
	total := int(end.Sub(*start).Seconds())
	h := total / 3600
	m := total % 3600 / 60
	s := total % 60

	var parts []string
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%d ч.", h))
	}
	if m > 0 {
		parts = append(parts, fmt.Sprintf("%d мин.", m))
	}
	if s > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%d сек.", s))
	}
	return strings.Join(parts, " ")
}

var ruMonths = [...]string{
	"января", "февраля", "марта", "апреля", "мая", "июня",
	"июля", "августа", "сентября", "октября", "ноября", "декабря",
}

// formatCallDate renders the call time in the local offset of the record:
// "6 августа 2025, 11:43 (UTC+03:00)".
func formatCallDate(t time.Time) string {
	zone := t.Format("-07:00")
	return fmt.Sprintf("%d %s %d, %02d:%02d (UTC%s)",
		t.Day(), ruMonths[t.Month()-1], t.Year(), t.Hour(), t.Minute(), zone)
}

// buildCallSummary renders the timeline comment posted back into the deal.
func buildCallSummary(info *CallInfo, transcription string) string {
	subject := info.Subject
	if subject == "" {
		subject = "Звонок"
	}

	lines := []string{subject}
	if info.Direction != "" {
		lines = append(lines, "тип: "+info.Direction)
	}
	if info.Start != nil {
		lines = append(lines, "дата: "+formatCallDate(*info.Start))
	}
	if info.Duration != "" {
		lines = append(lines, "длительность: "+info.Duration)
	}
	if transcription != "" {
		lines = append(lines, "транскрибация:", transcription)
	}
	return strings.Join(lines, "\n")
}
