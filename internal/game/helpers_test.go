package game

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/karaoke-room-system/internal/catalog"
	"github.com/karaoke-room-system/pkg/models"
)

type sentEvent struct {
	Room    string
	Conn    string
	Except  string
	Name    string
	Payload any
}

type fakeOut struct {
	mu     sync.Mutex
	events []sentEvent
}

func (f *fakeOut) ToRoom(code, event string, payload any) {
	f.record(sentEvent{Room: code, Name: event, Payload: payload})
}

func (f *fakeOut) ToRoomExcept(code, connID, event string, payload any) {
	f.record(sentEvent{Room: code, Except: connID, Name: event, Payload: payload})
}

func (f *fakeOut) ToConn(connID, event string, payload any) {
	f.record(sentEvent{Conn: connID, Name: event, Payload: payload})
}

func (f *fakeOut) record(e sentEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeOut) named(name string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeOut) last(name string) (sentEvent, bool) {
	events := f.named(name)
	if len(events) == 0 {
		return sentEvent{}, false
	}
	return events[len(events)-1], true
}

type fakeDirectory struct {
	mu           sync.Mutex
	participants []*models.Participant
	status       models.RoomStatus
}

func (f *fakeDirectory) Participants(_ context.Context, code string, connectedOnly bool) ([]*models.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Participant
	for _, p := range f.participants {
		if connectedOnly && !p.Connected {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeDirectory) AddScore(_ context.Context, participantID uint, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.participants {
		if p.ID == participantID {
			p.Score += delta
		}
	}
	return nil
}

func (f *fakeDirectory) SetRoomStatus(_ context.Context, _ string, status models.RoomStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	return nil
}

func (f *fakeDirectory) roomStatus() models.RoomStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeDirectory) score(participantID uint) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.participants {
		if p.ID == participantID {
			return p.Score
		}
	}
	return 0
}

type fakePitchBuffer struct {
	mu      sync.Mutex
	samples map[uint][]float64
}

func newFakePitchBuffer() *fakePitchBuffer {
	return &fakePitchBuffer{samples: make(map[uint][]float64)}
}

func (f *fakePitchBuffer) AppendPitchSample(_ context.Context, _ string, participantID uint, score float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples[participantID] = append(f.samples[participantID], score)
	return nil
}

func (f *fakePitchBuffer) GetPitchSamples(_ context.Context, _ string, participantID uint) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.samples[participantID]...), nil
}

func (f *fakePitchBuffer) ClearPitchSamples(_ context.Context, _ string, participantID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.samples, participantID)
	return nil
}

type fakeSnapshots struct {
	mu        sync.Mutex
	snapshots map[string]any
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{snapshots: make(map[string]any)}
}

func (f *fakeSnapshots) SetGameSnapshot(_ context.Context, code string, state any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[code] = state
	return nil
}

func (f *fakeSnapshots) GetGameSnapshot(_ context.Context, code string, dest any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.snapshots[code]
	if !ok {
		return errors.New("snapshot miss")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (f *fakeSnapshots) DeleteGameSnapshot(_ context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snapshots, code)
	return nil
}

type fakeSongs struct {
	detail *catalog.SongDetail
	err    error
}

func (f *fakeSongs) GetSongDetail(_ context.Context, trackID string) (*catalog.SongDetail, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.detail == nil {
		return nil, errors.New("no such track")
	}
	return f.detail, nil
}

// manualClock queues scheduled tasks so tests step the quiz loop by hand.
type manualClock struct {
	mu    sync.Mutex
	tasks []func()
}

func (m *manualClock) schedule(_ time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, fn)
}

// runNext pops and runs the oldest pending task.
func (m *manualClock) runNext() bool {
	m.mu.Lock()
	if len(m.tasks) == 0 {
		m.mu.Unlock()
		return false
	}
	fn := m.tasks[0]
	m.tasks = m.tasks[1:]
	m.mu.Unlock()
	fn()
	return true
}

func (m *manualClock) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func connectedParticipant(id uint, nickname string) *models.Participant {
	return &models.Participant{ID: id, Nickname: nickname, Connected: true}
}
