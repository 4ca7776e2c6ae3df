package game

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/karaoke-room-system/internal/catalog"
	"github.com/karaoke-room-system/pkg/models"
)

const (
	EventQuizQuestions    = "quiz:questions"
	EventQuizQuestion     = "quiz:question"
	EventQuizRevealed     = "quiz:answer-revealed"
	EventQuizAnswerResult = "quiz:answer-result"
	EventQuizAnswered     = "quiz:answered"

	maxQuestions     = 10
	defaultTimeLimit = 15
	defaultPoints    = 1000
	minCorrectAward  = 500
	speedPenaltyStep = 100

	quizStartDelay = 3 * time.Second
	answerGrace    = 2 * time.Second
	revealPause    = 3 * time.Second
)

var ErrNoQuestions = errors.New("no quiz questions available")

type Question struct {
	Prompt     string   `json:"prompt"`
	Answer     string   `json:"answer"`
	Options    []string `json:"options"`
	TimeLimit  int      `json:"time_limit"`
	Points     int      `json:"points"`
	AudioStart float64  `json:"audio_start,omitempty"`
	AudioEnd   float64  `json:"audio_end,omitempty"`
}

// QuestionView is what clients are allowed to see before the reveal.
type QuestionView struct {
	Index      int      `json:"index"`
	Prompt     string   `json:"prompt"`
	Options    []string `json:"options"`
	TimeLimit  int      `json:"time_limit"`
	Points     int      `json:"points"`
	AudioStart float64  `json:"audio_start,omitempty"`
	AudioEnd   float64  `json:"audio_end,omitempty"`
}

type QuestionMeta struct {
	Index     int `json:"index"`
	TimeLimit int `json:"time_limit"`
	Points    int `json:"points"`
}

type AnswerRecord struct {
	Answer  string    `json:"answer"`
	Correct bool      `json:"correct"`
	Score   int       `json:"score"`
	At      time.Time `json:"at"`
}

type QuizPreset struct {
	SongID    string
	Questions []Question
}

// QuizState is the per-room quiz progression. Index -1 means the intro is
// still playing; Revealed flips once the current question's answer is out,
// closing the submission window even before the index moves on.
type QuizState struct {
	SongID    string
	Questions []Question
	Index     int
	Revealed  bool

	answers      []map[uint]*AnswerRecord
	correctCount []int
}

// Quiz drives the timed question loop. The loop is self-advancing on the
// server clock: a question expires whether or not anyone answered. Every
// timer continuation re-checks generation and index so a fire that outlived
// its game is a silent no-op.
type Quiz struct {
	sessions  *Registry
	out       Broadcaster
	rooms     Directory
	songs     SongResolver
	snapshots SnapshotStore

	schedule func(d time.Duration, fn func())
}

func NewQuiz(sessions *Registry, out Broadcaster, rooms Directory, songs SongResolver, snapshots SnapshotStore) *Quiz {
	return &Quiz{
		sessions:  sessions,
		out:       out,
		rooms:     rooms,
		songs:     songs,
		snapshots: snapshots,
		schedule:  func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
}

// Preload stores a question set broadcast by the host client ahead of game
// start and relays it to the room.
func (q *Quiz) Preload(code, songID string, questions []Question) {
	session := q.sessions.GetOrCreate(code, models.ModeLyricsQuiz)
	session.mu.Lock()
	session.preset = &QuizPreset{SongID: songID, Questions: questions}
	session.mu.Unlock()

	q.out.ToRoom(code, EventQuizQuestions, map[string]any{
		"song":  songID,
		"count": len(questions),
	})
}

// Start loads the question set (explicit > preset > generated from catalog
// lyrics), announces it and schedules the first advance.
func (q *Quiz) Start(ctx context.Context, code, songID string, questions []Question) error {
	session := q.sessions.GetOrCreate(code, models.ModeLyricsQuiz)

	session.mu.Lock()
	if len(questions) == 0 && session.preset != nil {
		songID = session.preset.SongID
		questions = session.preset.Questions
		session.preset = nil
	}
	session.mu.Unlock()

	if len(questions) == 0 {
		questions = q.generateQuestions(ctx, songID)
	}
	if len(questions) == 0 {
		return ErrNoQuestions
	}
	if len(questions) > maxQuestions {
		questions = questions[:maxQuestions]
	}
	for i := range questions {
		if questions[i].TimeLimit <= 0 {
			questions[i].TimeLimit = defaultTimeLimit
		}
		if questions[i].Points <= 0 {
			questions[i].Points = defaultPoints
		}
		questions[i].Options = shuffledOptions(questions[i].Answer, questions[i].Options)
	}

	session.mu.Lock()
	session.generation++
	gen := session.generation
	state := &QuizState{
		SongID:       songID,
		Questions:    questions,
		Index:        -1,
		answers:      make([]map[uint]*AnswerRecord, len(questions)),
		correctCount: make([]int, len(questions)),
	}
	for i := range state.answers {
		state.answers[i] = make(map[uint]*AnswerRecord)
	}
	session.quiz = state
	session.mu.Unlock()

	if err := q.rooms.SetRoomStatus(ctx, code, models.RoomStatusPlaying); err != nil {
		return err
	}

	meta := make([]QuestionMeta, len(questions))
	for i, question := range questions {
		meta[i] = QuestionMeta{Index: i, TimeLimit: question.TimeLimit, Points: question.Points}
	}
	q.out.ToRoom(code, EventGameStarted, map[string]any{
		"mode": models.ModeLyricsQuiz,
		"song": songID,
	})
	q.out.ToRoom(code, EventQuizQuestions, map[string]any{
		"song":      songID,
		"questions": meta,
	})

	q.mirror(ctx, code)
	q.schedule(quizStartDelay, func() { q.advance(code, gen) })
	return nil
}

// mirror copies the remaining question views into the cross-process snapshot
// so a reconnect landing on another instance can still resume mid-quiz.
func (q *Quiz) mirror(ctx context.Context, code string) {
	payload := RecoveryPayload{
		Mode:      models.ModeLyricsQuiz,
		Questions: q.Remaining(code),
	}
	if len(payload.Questions) == 0 {
		return
	}
	if err := q.snapshots.SetGameSnapshot(ctx, code, payload); err != nil {
		log.Warn().Err(err).Str("room", code).Msg("failed to mirror quiz snapshot")
	}
}

func (q *Quiz) advance(code string, gen uint64) {
	session, ok := q.sessions.Get(code)
	if !ok {
		return
	}

	session.mu.Lock()
	state := session.quiz
	if state == nil || session.generation != gen {
		session.mu.Unlock()
		return
	}
	state.Index++
	if state.Index >= len(state.Questions) {
		session.mu.Unlock()
		q.finalize(code, session, gen)
		return
	}
	state.Revealed = false
	idx := state.Index
	view := viewOf(state.Questions[idx], idx)
	session.mu.Unlock()

	q.out.ToRoom(code, EventQuizQuestion, view)
	q.mirror(context.Background(), code)

	wait := time.Duration(view.TimeLimit)*time.Second + answerGrace
	q.schedule(wait, func() { q.reveal(code, gen, idx) })
}

func (q *Quiz) reveal(code string, gen uint64, idx int) {
	session, ok := q.sessions.Get(code)
	if !ok {
		return
	}

	session.mu.Lock()
	state := session.quiz
	if state == nil || session.generation != gen || state.Index != idx || state.Revealed {
		session.mu.Unlock()
		return
	}
	state.Revealed = true
	answer := state.Questions[idx].Answer
	type award struct {
		participant uint
		delta       int
	}
	awards := make([]award, 0, len(state.answers[idx]))
	for participantID, record := range state.answers[idx] {
		if record.Correct {
			awards = append(awards, award{participant: participantID, delta: record.Score})
		}
	}
	session.mu.Unlock()

	q.out.ToRoom(code, EventQuizRevealed, map[string]any{
		"index":  idx,
		"answer": answer,
	})
	for _, a := range awards {
		q.out.ToRoom(code, EventScoreUpdate, map[string]any{
			"participant": a.participant,
			"delta":       a.delta,
		})
	}

	q.schedule(revealPause, func() { q.advance(code, gen) })
}

// Submit records one answer per participant for the active question. Stale
// or post-reveal submissions and duplicates are dropped silently. Earliness
// among correct answers is rewarded.
func (q *Quiz) Submit(ctx context.Context, code string, participantID uint, connID string, idx int, answer string) {
	session, ok := q.sessions.Get(code)
	if !ok {
		return
	}

	session.mu.Lock()
	state := session.quiz
	if state == nil || idx != state.Index || idx < 0 || state.Revealed {
		session.mu.Unlock()
		return
	}
	if _, dup := state.answers[idx][participantID]; dup {
		session.mu.Unlock()
		return
	}

	question := state.Questions[idx]
	correct := answer == question.Answer
	score := 0
	if correct {
		n := state.correctCount[idx] + 1
		state.correctCount[idx] = n
		score = question.Points - (n-1)*speedPenaltyStep
		if score < minCorrectAward {
			score = minCorrectAward
		}
	}
	state.answers[idx][participantID] = &AnswerRecord{
		Answer:  answer,
		Correct: correct,
		Score:   score,
		At:      time.Now(),
	}
	session.mu.Unlock()

	if correct {
		if err := q.rooms.AddScore(ctx, participantID, score); err != nil {
			log.Warn().Err(err).Uint("participant", participantID).Msg("failed to persist quiz score")
		}
	}

	// The room only learns that someone answered. Who was right, and what
	// it earned them, stays private until the reveal.
	q.out.ToConn(connID, EventQuizAnswerResult, map[string]any{
		"index":   idx,
		"correct": correct,
		"score":   score,
	})
	q.out.ToRoom(code, EventQuizAnswered, map[string]any{
		"index":       idx,
		"participant": participantID,
	})
}

func (q *Quiz) finalize(code string, session *Session, gen uint64) {
	session.mu.Lock()
	state := session.quiz
	if state == nil || session.generation != gen {
		session.mu.Unlock()
		return
	}
	session.quiz = nil
	session.generation++
	session.mu.Unlock()

	ctx := context.Background()

	participants, err := q.rooms.Participants(ctx, code, false)
	if err != nil {
		log.Error().Err(err).Str("room", code).Msg("failed to load participants for results")
	}

	results := make([]FinalScore, 0, len(participants))
	for _, participant := range participants {
		results = append(results, FinalScore{
			ParticipantID: participant.ID,
			Nickname:      participant.Nickname,
			Score:         participant.Score,
		})
	}
	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Score > results[b].Score
	})

	q.out.ToRoom(code, EventGameResults, map[string]any{"results": results})

	if err := q.rooms.SetRoomStatus(ctx, code, models.RoomStatusWaiting); err != nil {
		log.Warn().Err(err).Str("room", code).Msg("failed to reset room status")
	}
	if err := q.snapshots.DeleteGameSnapshot(ctx, code); err != nil {
		log.Warn().Err(err).Str("room", code).Msg("failed to drop quiz snapshot")
	}
}

// Remaining returns the question slice from the current index for a client
// that reconnects mid-quiz. Past questions are gone; they were never
// retroactively answerable anyway.
func (q *Quiz) Remaining(code string) []QuestionView {
	session, ok := q.sessions.Get(code)
	if !ok {
		return nil
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	state := session.quiz
	if state == nil {
		return nil
	}

	from := state.Index
	if from < 0 {
		from = 0
	}
	views := make([]QuestionView, 0, len(state.Questions)-from)
	for i := from; i < len(state.Questions); i++ {
		views = append(views, viewOf(state.Questions[i], i))
	}
	return views
}

func viewOf(question Question, idx int) QuestionView {
	return QuestionView{
		Index:      idx,
		Prompt:     question.Prompt,
		Options:    question.Options,
		TimeLimit:  question.TimeLimit,
		Points:     question.Points,
		AudioStart: question.AudioStart,
		AudioEnd:   question.AudioEnd,
	}
}

// generateQuestions builds fill-in-the-blank questions from the song's
// timed lyric lines: blank the longest word of a line, pull decoys from the
// other lines.
func (q *Quiz) generateQuestions(ctx context.Context, songID string) []Question {
	if songID == "" {
		return nil
	}
	detail, err := q.songs.GetSongDetail(ctx, songID)
	if err != nil {
		log.Warn().Err(err).Str("song", songID).Msg("cannot generate quiz questions")
		return nil
	}

	type candidate struct {
		line catalog.LyricLine
		word string
	}
	candidates := make([]candidate, 0, len(detail.Lyrics))
	for _, line := range detail.Lyrics {
		words := strings.Fields(line.Text)
		if len(words) < 3 {
			continue
		}
		longest := ""
		for _, w := range words {
			if len(w) > len(longest) {
				longest = w
			}
		}
		candidates = append(candidates, candidate{line: line, word: longest})
	}

	questions := make([]Question, 0, maxQuestions)
	for i, c := range candidates {
		if len(questions) == maxQuestions {
			break
		}

		decoys := make([]string, 0, 3)
		for j := 1; len(decoys) < 3 && j < len(candidates); j++ {
			other := candidates[(i+j)%len(candidates)].word
			if other != c.word {
				decoys = append(decoys, other)
			}
		}
		if len(decoys) == 0 {
			continue
		}

		questions = append(questions, Question{
			Prompt:     strings.Replace(c.line.Text, c.word, "____", 1),
			Answer:     c.word,
			Options:    decoys,
			TimeLimit:  defaultTimeLimit,
			Points:     defaultPoints,
			AudioStart: c.line.Start,
			AudioEnd:   c.line.Start + c.line.Duration,
		})
	}
	return questions
}

// shuffledOptions makes sure the correct answer is among the options, then
// shuffles so its position gives nothing away.
func shuffledOptions(answer string, options []string) []string {
	out := make([]string, 0, len(options)+1)
	seen := false
	for _, o := range options {
		if o == answer {
			seen = true
		}
		out = append(out, o)
	}
	if !seen {
		out = append(out, answer)
	}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
