package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// maxConflictRetries bounds how often a versioned write is retried after
// the session moved underneath it.
const maxConflictRetries = 3

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetMatch shows a proposed match.
func (h *Handlers) HandleGetMatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	matchID := req.GetString("match_id", "")
	if matchID == "" {
		return mcp.NewToolResultError("match_id is required"), nil
	}

	raw, err := h.client.GetMatch(ctx, matchID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get match: %v", err)), nil
	}

	text, err := formatMatch(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse match: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleLockDeal locks a match into a session.
func (h *Handlers) HandleLockDeal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	matchID := req.GetString("match_id", "")
	if matchID == "" {
		return mcp.NewToolResultError("match_id is required"), nil
	}

	raw, err := h.client.LockDeal(ctx, matchID)
	if err != nil {
		return errorResult("Failed to lock deal", err), nil
	}
	return sessionResult(raw)
}

// HandleGetSession returns one session.
func (h *Handlers) HandleGetSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	raw, err := h.client.GetSession(ctx, sessionID)
	if err != nil {
		return errorResult("Failed to get session", err), nil
	}
	return sessionResult(raw)
}

// HandleMySessions lists the caller's sessions.
func (h *Handlers) HandleMySessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListSessions(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list sessions: %v", err)), nil
	}

	text, err := formatSessionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse sessions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleSubmitPayment pays the fee at the session's current version.
func (h *Handlers) HandleSubmitPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	externalRef := req.GetString("external_ref", "")

	raw, err := h.withVersion(ctx, sessionID, func(version int64) (json.RawMessage, error) {
		return h.client.SubmitPayment(ctx, sessionID, version, externalRef)
	})
	if err != nil {
		return errorResult("Failed to submit payment", err), nil
	}
	return sessionResult(raw)
}

// HandleConfirmCompletion confirms at the session's current version.
func (h *Handlers) HandleConfirmCompletion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	raw, err := h.withVersion(ctx, sessionID, func(version int64) (json.RawMessage, error) {
		return h.client.ConfirmCompletion(ctx, sessionID, version)
	})
	if err != nil {
		return errorResult("Failed to confirm completion", err), nil
	}
	return sessionResult(raw)
}

// HandleVoidSession cancels a session.
func (h *Handlers) HandleVoidSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	reason := req.GetString("reason", "")

	raw, err := h.client.VoidSession(ctx, sessionID, reason)
	if err != nil {
		return errorResult("Failed to void session", err), nil
	}
	return sessionResult(raw)
}

// HandleGetReputation returns an identity's reputation.
func (h *Handlers) HandleGetReputation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity := req.GetString("identity", "")
	if identity == "" {
		return mcp.NewToolResultError("identity is required"), nil
	}

	raw, err := h.client.GetReputation(ctx, identity)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get reputation: %v", err)), nil
	}

	text, err := formatReputation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reputation: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// withVersion reads the session's version and runs write with it. A
// version conflict re-reads from the snapshot the server returned and
// tries again, at most maxConflictRetries times.
func (h *Handlers) withVersion(ctx context.Context, sessionID string, write func(version int64) (json.RawMessage, error)) (json.RawMessage, error) {
	raw, err := h.client.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	version, err := sessionVersion(raw)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		out, err := write(version)
		if err == nil {
			return out, nil
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "version_conflict" || attempt >= maxConflictRetries {
			return nil, err
		}

		if len(apiErr.Session) > 0 {
			var snap sessionView
			if json.Unmarshal(apiErr.Session, &snap) == nil && snap.Version > 0 {
				version = snap.Version
				continue
			}
		}
		if raw, err = h.client.GetSession(ctx, sessionID); err != nil {
			return nil, err
		}
		if version, err = sessionVersion(raw); err != nil {
			return nil, err
		}
	}
}

// --- Formatting ---

type participantView struct {
	Identity  string `json:"identity"`
	Confirmed bool   `json:"confirmed"`
}

type sessionView struct {
	ID              string          `json:"id"`
	MatchID         string          `json:"matchId"`
	ParticipantA    participantView `json:"participantA"`
	ParticipantB    participantView `json:"participantB"`
	Fee             string          `json:"fee"`
	Payer           string          `json:"payer"`
	Payee           string          `json:"payee"`
	State           string          `json:"state"`
	Version         int64           `json:"version"`
	PaymentStatus   string          `json:"paymentStatus"`
	PaymentError    string          `json:"paymentError"`
	SessionLink     string          `json:"sessionLink"`
	PaymentDeadline *time.Time      `json:"paymentDeadline"`
	VoidReason      string          `json:"voidReason"`
}

type sessionEnvelope struct {
	Code    string       `json:"code"`
	Session *sessionView `json:"session"`
}

func sessionVersion(raw json.RawMessage) (int64, error) {
	var env sessionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Session == nil {
		return 0, fmt.Errorf("unexpected session response format")
	}
	return env.Session.Version, nil
}

func sessionResult(raw json.RawMessage) (*mcp.CallToolResult, error) {
	text, err := formatSession(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// errorResult reports err, including the session state when the server
// attached a snapshot.
func errorResult(prefix string, err error) *mcp.CallToolResult {
	msg := fmt.Sprintf("%s: %v", prefix, err)
	var apiErr *APIError
	if errors.As(err, &apiErr) && len(apiErr.Session) > 0 {
		var snap sessionView
		if json.Unmarshal(apiErr.Session, &snap) == nil && snap.ID != "" {
			msg += "\n\nCurrent session:\n" + describeSession(&snap)
		}
	}
	return mcp.NewToolResultError(msg)
}

func formatSession(raw json.RawMessage) (string, error) {
	var env sessionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Session == nil {
		return "", fmt.Errorf("unexpected session response format")
	}

	var sb strings.Builder
	switch env.Code {
	case "already_locked":
		sb.WriteString("This match was already locked. Existing session:\n")
	case "already_confirmed":
		sb.WriteString("You already confirmed this session.\n")
	}
	sb.WriteString(describeSession(env.Session))
	return sb.String(), nil
}

func describeSession(s *sessionView) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session %s\n", s.ID)
	if s.MatchID != "" {
		fmt.Fprintf(&sb, "  Match: %s\n", s.MatchID)
	}
	fmt.Fprintf(&sb, "  State: %s (version %d)\n", s.State, s.Version)
	if s.Payer == "" {
		sb.WriteString("  Fee: none\n")
	} else {
		fmt.Fprintf(&sb, "  Fee: %s, paid by %s to %s\n", s.Fee, s.Payer, s.Payee)
	}
	if s.PaymentStatus != "" && s.PaymentStatus != "not_required" {
		fmt.Fprintf(&sb, "  Payment: %s\n", s.PaymentStatus)
	}
	if s.PaymentError != "" {
		fmt.Fprintf(&sb, "  Payment error: %s\n", s.PaymentError)
	}
	if s.PaymentDeadline != nil && s.State == "awaiting_payment" {
		fmt.Fprintf(&sb, "  Pay before: %s\n", s.PaymentDeadline.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&sb, "  %s confirmed: %s\n", s.ParticipantA.Identity, yesNo(s.ParticipantA.Confirmed))
	fmt.Fprintf(&sb, "  %s confirmed: %s\n", s.ParticipantB.Identity, yesNo(s.ParticipantB.Confirmed))
	if s.SessionLink != "" {
		fmt.Fprintf(&sb, "  Session link: %s\n", s.SessionLink)
	}
	if s.VoidReason != "" {
		fmt.Fprintf(&sb, "  Void reason: %s\n", s.VoidReason)
	}
	return sb.String()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func formatSessionList(raw json.RawMessage) (string, error) {
	var resp struct {
		Sessions []sessionView `json:"sessions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected sessions response format")
	}
	if len(resp.Sessions) == 0 {
		return "No sessions found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d session(s):\n\n", len(resp.Sessions))
	for i, s := range resp.Sessions {
		fmt.Fprintf(&sb, "%d. %s [%s] match %s", i+1, s.ID, s.State, s.MatchID)
		if s.Payer != "" {
			fmt.Fprintf(&sb, ", fee %s (%s)", s.Fee, s.PaymentStatus)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatMatch(raw json.RawMessage) (string, error) {
	var resp struct {
		Match  map[string]any `json:"match"`
		SkillA map[string]any `json:"skillA"`
		SkillB map[string]any `json:"skillB"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Match == nil {
		return "", fmt.Errorf("unexpected match response format")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Match %s\n", getString(resp.Match, "id"))
	if v, ok := getFloat(resp.Match, "score"); ok {
		fmt.Fprintf(&sb, "  Score: %.0f\n", v)
	}
	if v := getString(resp.Match, "rationale"); v != "" {
		fmt.Fprintf(&sb, "  Rationale: %s\n", v)
	}
	if getString(resp.Match, "releasedAt") != "" {
		sb.WriteString("  Released: this match can no longer be locked\n")
	}
	for _, l := range []map[string]any{resp.SkillA, resp.SkillB} {
		if l == nil {
			continue
		}
		fmt.Fprintf(&sb, "\n  %s (%s)\n", getString(l, "title"), getString(l, "owner"))
		if v := getString(l, "category"); v != "" {
			fmt.Fprintf(&sb, "    Category: %s, level %s\n", v, getString(l, "level"))
		}
		if fee := getString(l, "fee"); fee != "" && fee != "0" {
			fmt.Fprintf(&sb, "    Fee: %s\n", fee)
		} else {
			sb.WriteString("    Fee: free\n")
		}
	}
	return sb.String(), nil
}

func formatReputation(raw json.RawMessage) (string, error) {
	var resp struct {
		Reputation map[string]any `json:"reputation"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Reputation == nil {
		return "", fmt.Errorf("unexpected reputation response format")
	}
	m := resp.Reputation

	var sb strings.Builder
	sb.WriteString("Reputation:\n")
	if v := getString(m, "identity"); v != "" {
		fmt.Fprintf(&sb, "  Identity: %s\n", v)
	}
	if v, ok := getFloat(m, "score"); ok {
		fmt.Fprintf(&sb, "  Score: %.1f\n", v)
	}
	if v := getString(m, "tier"); v != "" {
		fmt.Fprintf(&sb, "  Tier: %s\n", v)
	}
	if metrics, ok := m["metrics"].(map[string]any); ok {
		if v, ok := getFloat(metrics, "sessionsCompleted"); ok {
			fmt.Fprintf(&sb, "  Sessions completed: %.0f\n", v)
		}
		if v, ok := getFloat(metrics, "uniquePartners"); ok {
			fmt.Fprintf(&sb, "  Unique partners: %.0f\n", v)
		}
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
