package history

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/webphone/pkg/call"
	"github.com/arzzra/webphone/pkg/signaling"
)

// CallType тип вызова
type CallType string

const (
	TypeAudio CallType = "audio"
	TypeVideo CallType = "video"
)

// Outcome итог вызова
type Outcome string

const (
	OutcomeAnswered Outcome = "answered"
	OutcomeMissed   Outcome = "missed"
	OutcomeDeclined Outcome = "declined"
	OutcomeBusy     Outcome = "busy"
	OutcomeFailed   Outcome = "failed"
)

// Record запись журнала вызовов
type Record struct {
	ID            string              `json:"id"`
	ContactName   string              `json:"contact_name"`
	ContactNumber string              `json:"contact_number"`
	Type          CallType            `json:"type"`
	Direction     signaling.Direction `json:"direction"`
	Outcome       Outcome             `json:"outcome"`
	StartedAt     time.Time           `json:"started_at"`
	Duration      time.Duration       `json:"duration"`
}

// Filter параметры выборки. Пустые поля не ограничивают выборку.
// Outcome "outgoing" отбирает исходящие вызовы.
type Filter struct {
	Search  string
	Type    CallType
	Outcome string
}

// FilterOutgoing значение Filter.Outcome для исходящих вызовов
const FilterOutgoing = "outgoing"

func (f Filter) match(r Record) bool {
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(r.ContactName), q) &&
			!strings.Contains(strings.ToLower(r.ContactNumber), q) {
			return false
		}
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	switch f.Outcome {
	case "":
	case FilterOutgoing:
		if r.Direction != signaling.DirectionOutgoing {
			return false
		}
	default:
		if string(r.Outcome) != f.Outcome {
			return false
		}
	}
	return true
}

// Store журнал вызовов в памяти процесса
type Store struct {
	mu      sync.RWMutex
	records map[string]Record
	limit   int
}

// NewStore создает журнал. limit ограничивает число записей,
// при переполнении удаляются самые старые. Ноль снимает ограничение.
func NewStore(limit int) *Store {
	return &Store{records: make(map[string]Record), limit: limit}
}

// Add добавляет запись. Пустой ID заменяется новым UUID.
func (s *Store) Add(r Record) Record {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[r.ID] = r
	if s.limit > 0 && len(s.records) > s.limit {
		var oldest Record
		first := true
		for _, rec := range s.records {
			if first || rec.StartedAt.Before(oldest.StartedAt) {
				oldest = rec
				first = false
			}
		}
		delete(s.records, oldest.ID)
	}
	return r
}

// List возвращает записи по фильтру, новые первыми
func (s *Store) List(f Filter) []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if f.match(r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Get возвращает запись по ID
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r, ok
}

// Delete удаляет запись, возвращает false если записи не было
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false
	}
	delete(s.records, id)
	return true
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]Record)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// OutcomeFor определяет итог завершенного вызова
func OutcomeFor(info call.Info) Outcome {
	switch {
	case !info.AnsweredAt.IsZero():
		return OutcomeAnswered
	case info.Declined:
		return OutcomeDeclined
	case info.Cause == signaling.CauseBusy:
		return OutcomeBusy
	case info.Direction == signaling.DirectionIncoming &&
		(info.Status == call.StatusEnded || info.Cause == signaling.CauseCanceled || info.Cause == signaling.CauseNoAnswer):
		return OutcomeMissed
	default:
		return OutcomeFailed
	}
}

// NameResolver находит имя собеседника по номеру
type NameResolver interface {
	NameFor(number string) (string, bool)
}

// FromCall строит запись журнала по снимку завершенного вызова.
// names может быть nil, тогда именем служит номер.
func FromCall(info call.Info, names NameResolver) Record {
	t := TypeAudio
	if info.Video {
		t = TypeVideo
	}
	number := contactNumber(info.RemoteIdentity)
	name := number
	if names != nil {
		if n, ok := names.NameFor(number); ok {
			name = n
		}
	}
	return Record{
		ContactName:   name,
		ContactNumber: number,
		Type:          t,
		Direction:     info.Direction,
		Outcome:       OutcomeFor(info),
		StartedAt:     info.StartedAt,
		Duration:      info.Duration(),
	}
}

// contactNumber выделяет пользовательскую часть адреса sip:user@host
func contactNumber(identity string) string {
	s := strings.TrimPrefix(strings.TrimPrefix(identity, "sips:"), "sip:")
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	return s
}
