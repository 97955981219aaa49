package media_gate

import (
	"sync"
)

// Kind тип медиа трека
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func (k Kind) String() string {
	return string(k)
}

// Track медиа трек локального устройства или удаленной стороны.
//
// Флаг Enabled не останавливает трек: выключенный трек продолжает
// существовать и может быть снова включен. Stop освобождает источник
// окончательно.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// Constraints запрашиваемые виды медиа
type Constraints struct {
	Audio bool
	Video bool
}

// Stream набор треков, аналог MediaStream.
// Безопасен для конкурентного использования.
type Stream struct {
	id string

	mu     sync.RWMutex
	tracks []Track
}

// NewStream создает поток с начальным набором треков
func NewStream(id string, tracks ...Track) *Stream {
	s := &Stream{id: id}
	for _, t := range tracks {
		s.AddTrack(t)
	}
	return s
}

func (s *Stream) ID() string {
	return s.id
}

// AddTrack добавляет трек в поток.
// Трек с тем же ID заменяется, остальные треки сохраняются. Так
// удаленные треки, приходящие по одному, собираются в один поток.
func (s *Stream) AddTrack(t Track) {
	if t == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.tracks {
		if existing.ID() == t.ID() {
			s.tracks[i] = t
			return
		}
	}
	s.tracks = append(s.tracks, t)
}

// RemoveTrack удаляет трек по ID, возвращает удаленный трек
func (s *Stream) RemoveTrack(id string) Track {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.tracks {
		if t.ID() == id {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return t
		}
	}
	return nil
}

// Tracks возвращает копию списка треков
func (s *Stream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// TracksOf возвращает треки указанного типа
func (s *Stream) TracksOf(kind Kind) []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *Stream) HasKind(kind Kind) bool {
	return len(s.TracksOf(kind)) > 0
}

func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}

// Stop останавливает все треки потока
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// BasicTrack простая реализация Track без источника данных.
// Используется для удаленных треков и в тестах.
type BasicTrack struct {
	id   string
	kind Kind

	mu      sync.Mutex
	enabled bool
	stopped bool
	onStop  func()
}

// NewBasicTrack создает включенный трек.
// onStop вызывается один раз при первой остановке.
func NewBasicTrack(id string, kind Kind, onStop func()) *BasicTrack {
	return &BasicTrack{id: id, kind: kind, enabled: true, onStop: onStop}
}

func (t *BasicTrack) ID() string { return t.id }
func (t *BasicTrack) Kind() Kind { return t.kind }

func (t *BasicTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *BasicTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *BasicTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	onStop := t.onStop
	t.mu.Unlock()

	if onStop != nil {
		onStop()
	}
}

// Stopped сообщает, был ли трек остановлен
func (t *BasicTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
