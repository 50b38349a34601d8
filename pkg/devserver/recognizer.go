// Package devserver is a local stand-in for the translation service. It matches
// hand shapes and motion in sliding windows against a small sign database.
package devserver

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/harunnryd/signstream/pkg/landmarks"
)

const (
	DefaultWindow = 15
	DefaultStep   = 10
	// FallbackWord is returned when no window matched any sign.
	FallbackWord   = "HELLO"
	matchThreshold = 0.6
)

const (
	weightShape     = 0.25
	weightVelocity  = 0.15
	weightHeight    = 0.10
	weightTwoHands  = 0.10
	weightDistance  = 0.10
	weightDirection = 0.15
	weightSmooth    = 0.05
)

// SignFeatures describes a sign. Unset fields do not take part in matching.
type SignFeatures struct {
	HandShape         *string  `json:"hand_shape,omitempty"`
	HandVelocity      *float64 `json:"hand_velocity,omitempty"`
	HandHeight        *float64 `json:"hand_height,omitempty"`
	TwoHands          *bool    `json:"two_hands,omitempty"`
	HandDistance      *float64 `json:"hand_distance,omitempty"`
	MovementDirection *string  `json:"movement_direction,omitempty"`
}

type Sign struct {
	Features SignFeatures `json:"features"`
}

// Database maps words to sign descriptions.
type Database map[string]Sign

func str(s string) *string   { return &s }
func num(f float64) *float64 { return &f }
func flag(b bool) *bool      { return &b }

func one(shape, dir string, v float64) Sign {
	return Sign{Features: SignFeatures{HandShape: str(shape), HandVelocity: num(v), TwoHands: flag(false), MovementDirection: str(dir)}}
}

// DefaultDatabase holds a handful of one-handed signs.
func DefaultDatabase() Database {
	return Database{
		"HELLO":     one(ShapeOpen, DirectionRight, 0.01),
		"STOP":      one(ShapeOpen, DirectionStill, 0),
		"THANK_YOU": one(ShapeOpen, DirectionDown, 0.01),
		"YES":       one(ShapeFist, DirectionDown, 0.01),
		"WAIT":      one(ShapeFist, DirectionStill, 0),
		"YOU":       one(ShapePoint, DirectionStill, 0),
		"GOOD":      one(ShapeThumbsUp, DirectionStill, 0),
		"PEACE":     one(ShapePeace, DirectionStill, 0),
		"LOVE":      one(ShapeLShape, DirectionStill, 0),
	}
}

// LoadDatabase reads a JSON database of the form {"WORD": {"features": {...}}}.
func LoadDatabase(path string) (Database, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sign database: %w", err)
	}
	var db Database
	if err := json.Unmarshal(b, &db); err != nil {
		return nil, fmt.Errorf("parse sign database %s: %w", path, err)
	}
	if len(db) == 0 {
		return nil, fmt.Errorf("sign database %s is empty", path)
	}
	return db, nil
}

type Recognizer struct {
	db     Database
	words  []string
	window int
	step   int
}

func NewRecognizer(db Database, window, step int) *Recognizer {
	if len(db) == 0 {
		db = DefaultDatabase()
	}
	if window < minFramesPerWindow {
		window = DefaultWindow
	}
	if step <= 0 {
		step = DefaultStep
	}
	words := make([]string, 0, len(db))
	for w := range db {
		words = append(words, w)
	}
	sort.Strings(words)
	return &Recognizer{db: db, words: words, window: window, step: step}
}

// Recognize slides a window over frames and returns the matched words, without
// consecutive repeats. It never returns an empty result.
func (r *Recognizer) Recognize(frames []landmarks.FrameRecord) []string {
	var out []string
	for i := 0; i+r.window <= len(frames); i += r.step {
		word, ok := r.match(frames[i : i+r.window])
		if !ok {
			continue
		}
		if len(out) == 0 || out[len(out)-1] != word {
			out = append(out, word)
		}
	}
	if len(out) == 0 {
		return []string{FallbackWord}
	}
	return out
}

func (r *Recognizer) match(window []landmarks.FrameRecord) (string, bool) {
	f, ok := extractFeatures(window)
	if !ok {
		return "", false
	}
	best, bestScore := "", 0.0
	for _, w := range r.words {
		score := compare(f, r.db[w].Features)
		if score > matchThreshold && score > bestScore {
			best, bestScore = w, score
		}
	}
	return best, best != ""
}

func compare(f Features, sign SignFeatures) float64 {
	var score float64
	if sign.HandShape != nil && len(f.Shapes) > 0 {
		hits := 0
		for _, s := range f.Shapes {
			if s == *sign.HandShape {
				hits++
			}
		}
		score += float64(hits) / float64(len(f.Shapes)) * weightShape
	}
	if sign.HandVelocity != nil {
		score += closeness(f.Velocity, *sign.HandVelocity, 0.5) * weightVelocity
	}
	if sign.HandHeight != nil {
		score += closeness(f.HeightAvg, *sign.HandHeight, 0.3) * weightHeight
	}
	if sign.TwoHands != nil && *sign.TwoHands == f.TwoHands {
		score += weightTwoHands
	}
	if sign.HandDistance != nil && f.TwoHands {
		score += closeness(f.HandDistance, *sign.HandDistance, 0.5) * weightDistance
	}
	if sign.MovementDirection != nil && *sign.MovementDirection == f.Direction {
		score += weightDirection
	}
	if f.Smoothness > 0.5 {
		score += weightSmooth
	}
	return score
}

// closeness is 1 for equal values, falling linearly to 0 at span apart.
func closeness(got, want, span float64) float64 {
	return math.Max(0, 1-math.Abs(got-want)/span)
}
