package warmup

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Stats accumulates the outcome of one warmup pass for the run-summary log.
type Stats struct {
	StartedAt  time.Time
	FinishedAt time.Time

	Total    int
	ByStatus map[string]int
	ByInbox  map[int]map[string]int

	SentIDs []int
	Errors  map[int]string
}

func NewStats(startedAt time.Time) *Stats {
	return &Stats{
		StartedAt: startedAt,
		ByStatus:  make(map[string]int),
		ByInbox:   make(map[int]map[string]int),
		Errors:    make(map[int]string),
	}
}

func (s *Stats) Register(inboxID, convID int, status string, err error) {
	s.Total++
	s.ByStatus[status]++
	if s.ByInbox[inboxID] == nil {
		s.ByInbox[inboxID] = make(map[string]int)
	}
	s.ByInbox[inboxID][status]++

	if status == statusSent {
		s.SentIDs = append(s.SentIDs, convID)
	}
	if err != nil {
		s.Errors[convID] = err.Error()
	}
}

func (s *Stats) Finish(at time.Time) { s.FinishedAt = at }

// Summary renders a single log line per run.
func (s *Stats) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "warmup run %s..%s: total=%d sent=%d completed=%d wait_date=%d skipped=%d errors=%d",
		s.StartedAt.UTC().Format(time.RFC3339), s.FinishedAt.UTC().Format(time.RFC3339),
		s.Total, s.ByStatus[statusSent], s.ByStatus[statusCompleted],
		s.ByStatus[statusWaitDate], s.ByStatus[statusSkipped], s.ByStatus[statusError])

	if len(s.SentIDs) > 0 {
		fmt.Fprintf(&b, " sent_ids=%v", s.SentIDs)
	}
	if len(s.Errors) > 0 {
		ids := make([]int, 0, len(s.Errors))
		for id := range s.Errors {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		b.WriteString(" failed:")
		for _, id := range ids {
			fmt.Fprintf(&b, " %d=%q", id, s.Errors[id])
		}
	}
	return b.String()
}
