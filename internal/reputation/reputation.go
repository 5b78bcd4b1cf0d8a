// Package reputation credits participants for completed sessions.
//
// Every settle event is applied once per session:
// - both participants gain a completed session
// - a first session with a partner widens their network
// - each participant receives a credential bound to the session
//
// Scores are recomputed on every settlement and periodically by the
// Worker, since the age and recency components drift with time.
package reputation

import (
	"errors"
	"math"
	"time"
)

var ErrNotFound = errors.New("reputation: profile not found")

// Profile is an identity's reputation.
type Profile struct {
	Identity   string     `json:"identity"`
	Score      float64    `json:"score"` // 0-100
	Tier       Tier       `json:"tier"`
	Components Components `json:"components"`
	Metrics    Metrics    `json:"metrics"`

	CalculatedAt time.Time `json:"calculatedAt"`
}

// Tier represents reputation levels
type Tier string

const (
	TierNew         Tier = "new"         // 0-19
	TierEmerging    Tier = "emerging"    // 20-39
	TierEstablished Tier = "established" // 40-59
	TierTrusted     Tier = "trusted"     // 60-79
	TierElite       Tier = "elite"       // 80-100
)

// Components breaks down the score
type Components struct {
	ActivityScore  float64 `json:"activityScore"`
	DiversityScore float64 `json:"diversityScore"`
	AgeScore       float64 `json:"ageScore"`
	RecencyScore   float64 `json:"recencyScore"`
}

// Metrics are the raw inputs to the score
type Metrics struct {
	SessionsCompleted int       `json:"sessionsCompleted"`
	UniquePartners    int       `json:"uniquePartners"`
	FirstSeen         time.Time `json:"firstSeen"`
	LastActive        time.Time `json:"lastActive"`
}

// Scorer turns metrics into a profile.
type Scorer interface {
	Score(identity string, m Metrics) *Profile
}

// Weights for score components (must sum to 1.0)
type Weights struct {
	Activity  float64
	Diversity float64
	Age       float64
	Recency   float64
}

var DefaultWeights = Weights{
	Activity:  0.40,
	Diversity: 0.30,
	Age:       0.15,
	Recency:   0.15,
}

// Calculator is the default Scorer.
type Calculator struct {
	weights Weights
	now     func() time.Time
}

// NewCalculator creates a reputation calculator
func NewCalculator() *Calculator {
	return &Calculator{weights: DefaultWeights, now: time.Now}
}

// NewCalculatorWithWeights creates a calculator with custom weights
func NewCalculatorWithWeights(w Weights) *Calculator {
	return &Calculator{weights: w, now: time.Now}
}

var _ Scorer = (*Calculator)(nil)

// Score computes reputation from metrics
func (c *Calculator) Score(identity string, m Metrics) *Profile {
	now := c.now()
	comp := Components{}

	// Activity: logarithmic, caps at 1000 sessions
	// 0 = 0, 10 = 35, 100 = 67, 1000+ = 100
	if m.SessionsCompleted > 0 {
		comp.ActivityScore = math.Min(100, 33.3*math.Log10(float64(m.SessionsCompleted)+1))
	}

	// Diversity: unique partners, logarithmic
	// 1 = 0, 5 = 35, 10 = 50, 100+ = 100
	if m.UniquePartners > 1 {
		comp.DiversityScore = math.Min(100, 50*math.Log10(float64(m.UniquePartners)))
	}

	// Age: days since the first completed session, caps near a year
	if !m.FirstSeen.IsZero() {
		days := math.Max(1, now.Sub(m.FirstSeen).Hours()/24)
		comp.AgeScore = math.Min(100, 33.3*math.Log10(days+1))
	}

	// Recency: full within 30 days of the last session, zero after a year
	if !m.LastActive.IsZero() {
		idle := now.Sub(m.LastActive).Hours() / 24
		switch {
		case idle <= 30:
			comp.RecencyScore = 100
		case idle < 365:
			comp.RecencyScore = 100 * (365 - idle) / 335
		}
	}

	score := c.weights.Activity*comp.ActivityScore +
		c.weights.Diversity*comp.DiversityScore +
		c.weights.Age*comp.AgeScore +
		c.weights.Recency*comp.RecencyScore
	score = math.Max(0, math.Min(100, score))

	return &Profile{
		Identity:     identity,
		Score:        math.Round(score*10) / 10, // 1 decimal place
		Tier:         getTier(score),
		Components:   comp,
		Metrics:      m,
		CalculatedAt: now,
	}
}

func getTier(score float64) Tier {
	switch {
	case score >= 80:
		return TierElite
	case score >= 60:
		return TierTrusted
	case score >= 40:
		return TierEstablished
	case score >= 20:
		return TierEmerging
	default:
		return TierNew
	}
}
