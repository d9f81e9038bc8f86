package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t0ken-ai/memoryx/ai/llm"
)

// fakeLLM returns canned responses in order.
type fakeLLM struct {
	responses []string
	calls     int
	err       error
}

func (f *fakeLLM) Chat(_ context.Context, _ string, _ []llm.Message) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.calls >= len(f.responses) {
		return "", nil
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

func (f *fakeLLM) Warmup(context.Context) {}

func TestExtractFacts(t *testing.T) {
	service := &fakeLLM{responses: []string{
		`{"facts":[
			{"content":"John works at Google","category":"fact","importance":"medium"},
			{"content":"hi","category":"fact","importance":"low"},
			{"content":"John loves tennis","category":"invalid-category","importance":""}
		]}`,
	}}
	e := NewExtractor(service, "test-model")

	facts, err := e.ExtractFacts(context.Background(), "John works at Google. He loves tennis.")
	require.NoError(t, err)
	require.Len(t, facts, 2, "greeting must be filtered out")
	assert.Equal(t, "John works at Google", facts[0].Content)
	assert.Equal(t, "fact", facts[1].Category, "unknown category normalizes to fact")
	assert.Equal(t, "medium", facts[1].Importance)
}

func TestExtractFactsHandlesFencedJSON(t *testing.T) {
	service := &fakeLLM{responses: []string{
		"Here you go:\n```json\n{\"facts\":[{\"content\":\"likes sushi\",\"category\":\"preference\",\"importance\":\"medium\"}]}\n```",
	}}
	e := NewExtractor(service, "test-model")

	facts, err := e.ExtractFacts(context.Background(), "whatever")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "likes sushi", facts[0].Content)
}

func TestExtractEntitiesTypeFallback(t *testing.T) {
	service := &fakeLLM{responses: []string{
		`{"entities":[{"name":"Alice","type":"person"},{"name":"Python","type":""}],"relations":[{"source":"Alice","target":"Python","relation":"learns"}]}`,
	}}
	e := NewExtractor(service, "test-model")

	extraction, err := e.ExtractEntities(context.Background(), "Alice learns Python")
	require.NoError(t, err)
	require.Len(t, extraction.Entities, 2)
	assert.Equal(t, "skill", extraction.Entities[1].Type)
	require.Len(t, extraction.Relations, 1)
}

func TestSummarizeFallsBackOnError(t *testing.T) {
	service := &fakeLLM{err: assert.AnError}
	e := NewExtractor(service, "test-model")
	out := e.Summarize(context.Background(), "original text")
	assert.Equal(t, "original text", out)
}

func TestFilterFacts(t *testing.T) {
	facts := FilterFacts([]Fact{
		{Content: "  likes espresso  ", Category: "preference"},
		{Content: "a"},
		{Content: "ok"},
		{Content: "Thanks!"},
		{Content: "Nice weather today"},
		{Content: "moved to Berlin in 2023", Category: "experience", Importance: "high"},
	})
	require.Len(t, facts, 2)
	assert.Equal(t, "likes espresso", facts[0].Content)
	assert.Equal(t, "high", facts[1].Importance)
}

func TestFilterFactsKeepsKnownCategories(t *testing.T) {
	for _, category := range []string{"preference", "fact", "plan", "experience", "opinion", "correction", "other"} {
		kept := FilterFacts([]Fact{{Content: "something worth keeping", Category: category}})
		require.Len(t, kept, 1)
		assert.Equal(t, category, kept[0].Category)
	}
}

func TestEntitiesFromNames(t *testing.T) {
	entities := EntitiesFromNames([]string{"Alice", "Google", "New York", "coffee", ""})
	require.Len(t, entities, 4)
	assert.Equal(t, "person", entities[0].Type)
	assert.Equal(t, "organization", entities[1].Type)
	assert.Equal(t, "location", entities[2].Type)
	assert.Equal(t, "item", entities[3].Type)
}

func TestParseJudgeResponse(t *testing.T) {
	ops, err := ParseJudgeResponse(`{"memory":[
		{"fact":"0","id":"0","text":"likes flat white","event":"update","old_memory":"likes coffee","reason":"more specific"},
		{"fact":"1","text":"lives in Berlin","event":"ADD","reason":"new"},
		{"fact":"2","id":"2","text":"old fact","event":"bogus","reason":"?"},
		{"fact":"3","text":"","event":"ADD"}
	]}`)
	require.NoError(t, err)
	require.Len(t, ops, 3, "empty ADD rows are dropped")
	assert.Equal(t, EventUpdate, ops[0].Event, "events normalize to upper case")
	assert.Equal(t, "0", ops[0].Fact)
	assert.Equal(t, EventAdd, ops[1].Event)
	assert.Equal(t, "1", ops[1].Fact)
	assert.Equal(t, EventNone, ops[2].Event, "unknown events degrade to NONE")
}

func TestParseJudgeResponseMalformed(t *testing.T) {
	_, err := ParseJudgeResponse("I could not decide, sorry")
	assert.Error(t, err)
}

func TestJudgeDecide(t *testing.T) {
	service := &fakeLLM{responses: []string{
		`{"memory":[{"id":"0","text":"likes tea","event":"NONE","reason":"duplicate"}]}`,
	}}
	j := NewJudge(service, "judge-model", "")

	ops, raw, err := j.Decide(context.Background(),
		[]ExistingMemory{{ID: "0", Text: "likes tea"}},
		[]string{"likes tea"},
	)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	require.Len(t, ops, 1)
	assert.Equal(t, EventNone, ops[0].Event)
}
