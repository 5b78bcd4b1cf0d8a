package reputation

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Snapshot is a point-in-time score stored for history.
type Snapshot struct {
	ID                int64     `json:"id"`
	Identity          string    `json:"identity"`
	Score             float64   `json:"score"`
	Tier              Tier      `json:"tier"`
	ActivityScore     float64   `json:"activityScore"`
	DiversityScore    float64   `json:"diversityScore"`
	AgeScore          float64   `json:"ageScore"`
	RecencyScore      float64   `json:"recencyScore"`
	SessionsCompleted int       `json:"sessionsCompleted"`
	UniquePartners    int       `json:"uniquePartners"`
	CreatedAt         time.Time `json:"createdAt"`
}

// SnapshotFromProfile creates a Snapshot from a scored profile.
func SnapshotFromProfile(p *Profile) *Snapshot {
	return &Snapshot{
		Identity:          p.Identity,
		Score:             p.Score,
		Tier:              p.Tier,
		ActivityScore:     p.Components.ActivityScore,
		DiversityScore:    p.Components.DiversityScore,
		AgeScore:          p.Components.AgeScore,
		RecencyScore:      p.Components.RecencyScore,
		SessionsCompleted: p.Metrics.SessionsCompleted,
		UniquePartners:    p.Metrics.UniquePartners,
		CreatedAt:         p.CalculatedAt,
	}
}

// Credential attests that an identity completed a session with a partner.
// At most one exists per (session, identity).
type Credential struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Identity  string    `json:"identity"`
	Partner   string    `json:"partner"`
	IssuedAt  time.Time `json:"issuedAt"`
}

// CredentialID derives the credential id for a participant of a session:
// keccak256("<sessionID>|<identity>") as 0x-prefixed hex. The id is
// deterministic, so a re-processed settlement names the same credential.
func CredentialID(sessionID, identity string) string {
	return crypto.Keccak256Hash([]byte(sessionID + "|" + strings.ToLower(identity))).Hex()
}

// Settlement is one completed session as the store applies it.
type Settlement struct {
	SessionID    string
	ParticipantA string
	ParticipantB string
	SettledAt    time.Time
}

// HistoryQuery holds query parameters for historical scores.
type HistoryQuery struct {
	Identity string
	From     time.Time
	To       time.Time
	Limit    int
}

// BatchRequest is a request for batch reputation lookups.
type BatchRequest struct {
	Identities []string `json:"identities" binding:"required"`
}
