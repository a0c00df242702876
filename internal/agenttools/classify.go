package agenttools

import (
	"sort"
	"strings"

	"github.com/fleetgrid/relay/internal/messaging"
)

// Classification is the result of classify_message_context: what kind of
// message this is and what a dispatcher would do about it.
type Classification struct {
	Kind            string `json:"kind"`    // question, status_update, balance, issue, other
	Urgency         string `json:"urgency"` // low, normal, high
	SuggestedAction string `json:"suggested_action"`
}

var kindKeywords = map[string][]string{
	"balance":       {"balance", "lumper", "payment", "invoice", "rate con", "detention"},
	"issue":         {"breakdown", "broke down", "accident", "stuck", "refused", "rejected", "damage", "late", "delay"},
	"status_update": {"picked up", "delivered", "arrived", "departed", "loaded", "empty", "eta", "checked in", "on site"},
}

var urgentKeywords = []string{"urgent", "asap", "immediately", "emergency", "now", "accident", "breakdown"}

var suggestedActions = map[string]string{
	"question":      "Reply with the requested information.",
	"status_update": "Acknowledge and update the load status.",
	"balance":       "Open a balance verification request in the internal thread.",
	"issue":         "Escalate to the assigned dispatcher.",
	"other":         "Review and respond if needed.",
}

// Classify analyzes a message body with keyword heuristics. Deterministic and
// local; no stored data is consulted.
func Classify(body string) Classification {
	lower := strings.ToLower(body)

	kind := "other"
	if strings.Contains(body, "?") {
		kind = "question"
	}
	// Keyword matches outrank the question mark; check in a fixed order so
	// classification is stable.
	kinds := make([]string, 0, len(kindKeywords))
	for k := range kindKeywords {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		for _, kw := range kindKeywords[k] {
			if strings.Contains(lower, kw) {
				kind = k
			}
		}
	}

	urgency := "normal"
	switch {
	case containsAny(lower, urgentKeywords):
		urgency = "high"
	case kind == "other" || kind == "status_update":
		urgency = "low"
	}
	if kind == "issue" {
		urgency = "high"
	}

	return Classification{
		Kind:            kind,
		Urgency:         urgency,
		SuggestedAction: suggestedActions[kind],
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// Digest is the structured output of summarize_conversation.
type Digest struct {
	MessageCount    int      `json:"message_count"`
	Participants    []string `json:"participants"`
	BalanceRequests int      `json:"balance_requests"`
	AgentMessages   int      `json:"agent_messages"`
	Recent          []Line   `json:"recent"`
}

// Line is one message condensed for the digest.
type Line struct {
	Sender string `json:"sender"`
	Kind   string `json:"kind"`
	Body   string `json:"body"`
}

const digestBodyMax = 200

func digest(msgs []messaging.Message) Digest {
	d := Digest{MessageCount: len(msgs)}

	seen := make(map[string]struct{})
	for _, m := range msgs {
		key := m.Sender.String()
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			d.Participants = append(d.Participants, key)
		}
		if m.Type == messaging.MsgBalanceRequest {
			d.BalanceRequests++
		}
		if m.AgentGenerated() {
			d.AgentMessages++
		}

		body := m.Body
		if len(body) > digestBodyMax {
			body = body[:digestBodyMax] + "..."
		}
		d.Recent = append(d.Recent, Line{
			Sender: key,
			Kind:   string(m.Type),
			Body:   body,
		})
	}
	sort.Strings(d.Participants)
	return d
}
