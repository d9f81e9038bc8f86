package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/t0ken-ai/memoryx/ai/llm"
)

// Judge events.
const (
	EventAdd    = "ADD"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
	EventNone   = "NONE"
)

// ExistingMemory is a neighbor shown to the judge, keyed by a short
// numeric id local to one judging round.
type ExistingMemory struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Operation is one parsed judge decision. Fact echoes the id of the
// candidate fact that produced the operation; one fact may yield both a
// DELETE of a contradicted memory and an ADD of its replacement.
type Operation struct {
	Fact      string `json:"fact"`
	ID        string `json:"id"`
	Text      string `json:"text"`
	Event     string `json:"event"`
	OldMemory string `json:"old_memory,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// candidateFact is a new fact shown to the judge, keyed by a short
// numeric id local to one judging round.
type candidateFact struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Judge asks the judge model what to do with new facts given the
// neighboring memories.
type Judge struct {
	llm    llm.Service
	model  string
	prompt string
}

// NewJudge creates a Judge. An empty prompt keeps the default.
func NewJudge(service llm.Service, model, prompt string) *Judge {
	if prompt == "" {
		prompt = DefaultJudgePrompt
	}
	return &Judge{llm: service, model: model, prompt: prompt}
}

// Decide runs one judging round and returns the parsed operations along
// with the raw model response for the audit trail.
func (j *Judge) Decide(ctx context.Context, existing []ExistingMemory, facts []string) ([]Operation, string, error) {
	existingJSON, err := json.Marshal(existing)
	if err != nil {
		return nil, "", errors.Wrap(err, "marshal existing memories")
	}
	candidates := make([]candidateFact, len(facts))
	for i, f := range facts {
		candidates[i] = candidateFact{ID: strconv.Itoa(i), Text: f}
	}
	factsJSON, err := json.Marshal(candidates)
	if err != nil {
		return nil, "", errors.Wrap(err, "marshal facts")
	}

	raw, err := j.llm.Chat(ctx, j.model, []llm.Message{
		llm.UserMessage(fmt.Sprintf(j.prompt, string(existingJSON), string(factsJSON))),
	})
	if err != nil {
		return nil, "", errors.Wrap(err, "judge chat")
	}

	ops, err := ParseJudgeResponse(raw)
	if err != nil {
		return nil, raw, err
	}
	return ops, raw, nil
}

// ParseJudgeResponse extracts operations from the judge output. Events
// are normalized to upper case; unknown events degrade to NONE so a
// malformed row can never mutate state.
func ParseJudgeResponse(raw string) ([]Operation, error) {
	var parsed struct {
		Memory []Operation `json:"memory"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &parsed); err != nil {
		return nil, errors.Wrapf(err, "parse judge response: %.120s", raw)
	}

	ops := make([]Operation, 0, len(parsed.Memory))
	for _, op := range parsed.Memory {
		op.Event = strings.ToUpper(strings.TrimSpace(op.Event))
		switch op.Event {
		case EventAdd, EventUpdate, EventDelete, EventNone:
		default:
			op.Event = EventNone
		}
		if strings.TrimSpace(op.Text) == "" && op.Event == EventAdd {
			continue
		}
		ops = append(ops, op)
	}
	return ops, nil
}
