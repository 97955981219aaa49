package contacts

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrNotFound контакт с таким ID отсутствует
	ErrNotFound = errors.New("контакт не найден")
	// ErrInvalid контакт не прошел проверку
	ErrInvalid = errors.New("некорректный контакт")
)

var numberPattern = regexp.MustCompile(`^\+?[0-9\s\-()]+$`)

// Contact запись адресной книги
type Contact struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Number   string `json:"number"`
	Email    string `json:"email,omitempty"`
	Favorite bool   `json:"favorite"`
}

// Validate проверяет поля контакта. Номер может быть и SIP адресом
// (sip:alice@pbx), тогда проверяется только его непустота.
func (c Contact) Validate() error {
	if len([]rune(strings.TrimSpace(c.Name))) < 2 {
		return fmt.Errorf("%w: имя короче двух символов", ErrInvalid)
	}
	number := strings.TrimSpace(c.Number)
	switch {
	case strings.HasPrefix(number, "sip:") || strings.HasPrefix(number, "sips:"):
		if len(number) <= len("sips:") {
			return fmt.Errorf("%w: пустой SIP адрес", ErrInvalid)
		}
	case len(number) < 5:
		return fmt.Errorf("%w: номер слишком короткий", ErrInvalid)
	case !numberPattern.MatchString(number):
		return fmt.Errorf("%w: неверный формат номера %q", ErrInvalid, number)
	}
	if c.Email != "" {
		if _, err := mail.ParseAddress(c.Email); err != nil {
			return fmt.Errorf("%w: неверный email: %v", ErrInvalid, err)
		}
	}
	return nil
}

// DialTarget номер для набора: SIP адрес без изменений, у телефонного
// номера остаются только цифры и ведущий +
func (c Contact) DialTarget() string {
	number := strings.TrimSpace(c.Number)
	if !numberPattern.MatchString(number) {
		return number
	}
	var b strings.Builder
	for i, r := range number {
		if (r >= '0' && r <= '9') || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Store адресная книга в памяти процесса
type Store struct {
	mu    sync.RWMutex
	items map[string]Contact
}

func NewStore() *Store {
	return &Store{items: make(map[string]Contact)}
}

// Add добавляет контакт. Пустой ID заменяется новым UUID.
func (s *Store) Add(c Contact) (Contact, error) {
	c = normalize(c)
	if err := c.Validate(); err != nil {
		return Contact{}, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[c.ID] = c
	return c, nil
}

// Update заменяет контакт с тем же ID
func (s *Store) Update(c Contact) (Contact, error) {
	c = normalize(c)
	if err := c.Validate(); err != nil {
		return Contact{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[c.ID]; !ok {
		return Contact{}, fmt.Errorf("%w: %s", ErrNotFound, c.ID)
	}
	s.items[c.ID] = c
	return c, nil
}

func (s *Store) Get(id string) (Contact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.items[id]
	return c, ok
}

// Delete удаляет контакт, возвращает false если его не было
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	return true
}

// ToggleFavorite переключает отметку избранного
func (s *Store) ToggleFavorite(id string) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[id]
	if !ok {
		return Contact{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c.Favorite = !c.Favorite
	s.items[id] = c
	return c, nil
}

// Filter параметры выборки
type Filter struct {
	// Search подстрока имени или номера без учета регистра
	Search string
	// Favorites только избранные
	Favorites bool
}

// List возвращает контакты по фильтру в алфавитном порядке имен
func (s *Store) List(f Filter) []Contact {
	q := strings.ToLower(strings.TrimSpace(f.Search))

	s.mu.RLock()
	out := make([]Contact, 0, len(s.items))
	for _, c := range s.items {
		if f.Favorites && !c.Favorite {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(c.Name), q) && !strings.Contains(c.Number, q) {
			continue
		}
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if a == b {
			return out[i].ID < out[j].ID
		}
		return a < b
	})
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// NameFor ищет имя контакта по номеру или пользовательской части
// SIP адреса. Номера сравниваются только по цифрам.
func (s *Store) NameFor(number string) (string, bool) {
	key := matchKey(number)
	if key == "" {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.items {
		if matchKey(c.Number) == key {
			return c.Name, true
		}
	}
	return "", false
}

func normalize(c Contact) Contact {
	c.Name = strings.TrimSpace(c.Name)
	c.Number = strings.TrimSpace(c.Number)
	c.Email = strings.TrimSpace(c.Email)
	return c
}

// matchKey приводит номер к виду для сравнения: цифры телефонного
// номера или пользовательская часть SIP адреса в нижнем регистре
func matchKey(number string) string {
	s := strings.TrimSpace(number)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "sips:"), "sip:")
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	if numberPattern.MatchString(s) {
		var b strings.Builder
		for _, r := range s {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
		return b.String()
	}
	return strings.ToLower(s)
}
