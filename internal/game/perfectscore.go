package game

import (
	"context"
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/karaoke-room-system/pkg/models"
)

const (
	EventTurnChanged = "turn:changed"
	EventPitchUpdate = "pitch:update"
	EventScoreUpdate = "score:update"

	// confidenceGate rejects samples the detector is unsure about. The
	// confidence-derived score below is a placeholder for real
	// pitch-accuracy scoring; replacements must keep the 0-100 range and
	// this gate.
	confidenceGate = 0.6
)

// PitchBuffer holds accepted per-participant samples with a bounded
// lifetime. Implemented by pkg/cache.Store.
type PitchBuffer interface {
	AppendPitchSample(ctx context.Context, code string, participantID uint, score float64) error
	GetPitchSamples(ctx context.Context, code string, participantID uint) ([]float64, error)
	ClearPitchSamples(ctx context.Context, code string, participantID uint) error
}

type PitchSample struct {
	Frequency  float64 `json:"frequency"`
	Confidence float64 `json:"confidence"`
	Time       float64 `json:"time"`
}

// InstantScore derives the broadcastable 0-100 score from a sample.
func InstantScore(sample PitchSample) int {
	if sample.Confidence < confidenceGate {
		return 0
	}
	score := int(math.Round(sample.Confidence * 100))
	if score > 100 {
		score = 100
	}
	return score
}

type sampleAgg struct {
	sum   float64
	count int
}

func (a *sampleAgg) average() int {
	if a == nil || a.count == 0 {
		return 0
	}
	return int(math.Round(a.sum / float64(a.count)))
}

// TurnState tracks whose turn it is. Order is fixed at game start; every
// entry sings exactly once before the game finalizes.
type TurnState struct {
	Order   []uint
	Index   int
	Current uint
	Sung    map[uint]bool

	samples   map[uint]*sampleAgg
	finishing bool
}

// advance moves to the next not-yet-sung entry after the current index,
// wrapping around. Returns false when everyone has sung.
func (st *TurnState) advance() (uint, bool) {
	n := len(st.Order)
	for i := 1; i <= n; i++ {
		idx := (st.Index + i) % n
		id := st.Order[idx]
		if !st.Sung[id] {
			st.Index = idx
			st.Current = id
			return id, true
		}
	}
	st.Current = 0
	return 0, false
}

type FinalScore struct {
	ParticipantID uint   `json:"participant_id"`
	Nickname      string `json:"nickname"`
	Score         int    `json:"score"`
}

// PerfectScore runs the turn-based singing game: one singer at a time, its
// microphone samples scored and broadcast, everyone gets exactly one turn.
type PerfectScore struct {
	sessions *Registry
	out      Broadcaster
	rooms    Directory
	pitches  PitchBuffer
}

func NewPerfectScore(sessions *Registry, out Broadcaster, rooms Directory, pitches PitchBuffer) *PerfectScore {
	return &PerfectScore{sessions: sessions, out: out, rooms: rooms, pitches: pitches}
}

// Start snapshots the connected participants as the turn order and announces
// the first singer.
func (p *PerfectScore) Start(ctx context.Context, code string) error {
	participants, err := p.rooms.Participants(ctx, code, true)
	if err != nil {
		return err
	}

	order := make([]uint, 0, len(participants))
	for _, participant := range participants {
		order = append(order, participant.ID)
	}

	session := p.sessions.GetOrCreate(code, models.ModePerfectScore)
	session.mu.Lock()
	session.generation++
	st := &TurnState{
		Order:   order,
		Index:   0,
		Sung:    make(map[uint]bool),
		samples: make(map[uint]*sampleAgg),
	}
	if len(order) > 0 {
		st.Current = order[0]
	}
	session.turn = st
	current := st.Current
	session.mu.Unlock()

	if err := p.rooms.SetRoomStatus(ctx, code, models.RoomStatusPlaying); err != nil {
		return err
	}

	p.out.ToRoom(code, EventGameStarted, map[string]any{
		"mode":  models.ModePerfectScore,
		"order": order,
	})
	p.out.ToRoom(code, EventTurnChanged, map[string]any{"singer": current})
	return nil
}

// Pitch ingests a microphone sample. Only the current singer's samples are
// accepted; anything else is dropped without comment so a spectator's data
// can never be scored.
func (p *PerfectScore) Pitch(ctx context.Context, code string, participantID uint, sample PitchSample) {
	session, ok := p.sessions.Get(code)
	if !ok {
		return
	}

	session.mu.Lock()
	st := session.turn
	if st == nil || st.finishing || st.Current != participantID {
		session.mu.Unlock()
		return
	}
	score := InstantScore(sample)
	agg := st.samples[participantID]
	if agg == nil {
		agg = &sampleAgg{}
		st.samples[participantID] = agg
	}
	agg.sum += float64(score)
	agg.count++
	session.mu.Unlock()

	if err := p.pitches.AppendPitchSample(ctx, code, participantID, float64(score)); err != nil {
		log.Warn().Err(err).Str("room", code).Msg("failed to buffer pitch sample")
	}

	p.out.ToRoom(code, EventPitchUpdate, map[string]any{
		"singer":    participantID,
		"frequency": sample.Frequency,
		"score":     score,
	})
}

// PassTurn ends the current singer's turn, either because they passed or the
// song ran out. Only the current singer may pass.
func (p *PerfectScore) PassTurn(ctx context.Context, code string, participantID uint) {
	session, ok := p.sessions.Get(code)
	if !ok {
		return
	}

	session.mu.Lock()
	st := session.turn
	if st == nil || st.finishing || st.Current != participantID {
		session.mu.Unlock()
		return
	}
	st.Sung[participantID] = true
	next, more := st.advance()
	session.mu.Unlock()

	if !more {
		p.finalize(ctx, code, session)
		return
	}
	p.out.ToRoom(code, EventTurnChanged, map[string]any{"singer": next})
}

// ParticipantLeft prunes a leaver from the turn order mid-game, handing the
// turn onward if it was theirs.
func (p *PerfectScore) ParticipantLeft(ctx context.Context, code string, participantID uint) {
	session, ok := p.sessions.Get(code)
	if !ok {
		return
	}

	session.mu.Lock()
	st := session.turn
	if st == nil || st.finishing {
		session.mu.Unlock()
		return
	}

	pos := -1
	for i, id := range st.Order {
		if id == participantID {
			pos = i
			break
		}
	}
	if pos == -1 {
		session.mu.Unlock()
		return
	}

	wasCurrent := st.Current == participantID
	st.Order = append(st.Order[:pos], st.Order[pos+1:]...)

	if len(st.Order) == 0 {
		// Nobody left to score; drop the machine silently.
		session.turn = nil
		session.generation++
		session.mu.Unlock()
		return
	}

	if pos < st.Index {
		st.Index--
	} else if pos == st.Index && wasCurrent {
		// Position pos now holds the next entry; step back so advance
		// starts the search there.
		st.Index = (pos - 1 + len(st.Order)) % len(st.Order)
	} else if st.Index >= len(st.Order) {
		st.Index = len(st.Order) - 1
	}

	if !wasCurrent {
		session.mu.Unlock()
		return
	}

	next, more := st.advance()
	session.mu.Unlock()

	if !more {
		p.finalize(ctx, code, session)
		return
	}
	p.out.ToRoom(code, EventTurnChanged, map[string]any{"singer": next})
}

// finalize averages each participant's accepted samples, persists the scores
// additively and broadcasts the sorted results. The finishing flag makes a
// second call a no-op.
func (p *PerfectScore) finalize(ctx context.Context, code string, session *Session) {
	session.mu.Lock()
	st := session.turn
	if st == nil || st.finishing {
		session.mu.Unlock()
		return
	}
	st.finishing = true
	averages := make(map[uint]int, len(st.samples))
	for id, agg := range st.samples {
		averages[id] = agg.average()
	}
	session.turn = nil
	session.generation++
	session.mu.Unlock()

	participants, err := p.rooms.Participants(ctx, code, false)
	if err != nil {
		log.Error().Err(err).Str("room", code).Msg("failed to load participants for results")
		participants = nil
	}

	results := make([]FinalScore, 0, len(participants))
	for _, participant := range participants {
		if _, ok := averages[participant.ID]; !ok {
			// The in-memory aggregate is gone, e.g. after a restart
			// mid-song; the buffered samples still carry the turn.
			if samples, err := p.pitches.GetPitchSamples(ctx, code, participant.ID); err == nil && len(samples) > 0 {
				sum := 0.0
				for _, s := range samples {
					sum += s
				}
				averages[participant.ID] = int(math.Round(sum / float64(len(samples))))
			}
		}
		avg := averages[participant.ID]
		if err := p.rooms.AddScore(ctx, participant.ID, avg); err != nil {
			log.Warn().Err(err).Uint("participant", participant.ID).Msg("failed to persist score")
		}
		if err := p.pitches.ClearPitchSamples(ctx, code, participant.ID); err != nil {
			log.Warn().Err(err).Uint("participant", participant.ID).Msg("failed to clear pitch buffer")
		}
		results = append(results, FinalScore{
			ParticipantID: participant.ID,
			Nickname:      participant.Nickname,
			Score:         avg,
		})
	}
	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Score > results[b].Score
	})

	p.out.ToRoom(code, EventGameResults, map[string]any{"results": results})

	if err := p.rooms.SetRoomStatus(ctx, code, models.RoomStatusWaiting); err != nil {
		log.Warn().Err(err).Str("room", code).Msg("failed to reset room status")
	}
}
