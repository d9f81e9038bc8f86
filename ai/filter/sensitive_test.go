package filter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactCardNumber(t *testing.T) {
	r := NewRedactor()
	result := r.Redact("my card is 4111 1111 1111 1111 thanks")
	assert.NotContains(t, result.Text, "4111")
	assert.Contains(t, result.Text, Marker)
	assert.Equal(t, 1, result.ByType[CardNumber])
}

func TestRedactPasswordAssignment(t *testing.T) {
	r := NewRedactor()
	result := r.Redact("the password: hunter2 and my api_key=sk-abc123")
	assert.NotContains(t, result.Text, "hunter2")
	assert.NotContains(t, result.Text, "sk-abc123")
	assert.Equal(t, 2, result.ByType[Password])
}

func TestRedactGovernmentID(t *testing.T) {
	r := NewRedactor()
	result := r.Redact("SSN 123-45-6789 on file")
	assert.NotContains(t, result.Text, "123-45-6789")
	assert.Equal(t, 1, result.ByType[GovernmentID])
}

func TestRedactEmailAndPhone(t *testing.T) {
	r := NewRedactor()
	result := r.Redact("reach me at jane@example.com or +1 555-123-4567")
	assert.NotContains(t, result.Text, "jane@example.com")
	assert.NotContains(t, result.Text, "555-123-4567")
	assert.GreaterOrEqual(t, result.Count, 2)
}

func TestRedactCleanText(t *testing.T) {
	r := NewRedactor()
	text := "likes hiking in the mountains on weekends"
	result := r.Redact(text)
	assert.Equal(t, text, result.Text)
	assert.Zero(t, result.Count)
	assert.True(t, r.Clean(text))
}

func TestRedactorSubsetOfRules(t *testing.T) {
	r := NewRedactor(Email)
	result := r.Redact("jane@example.com password: hunter2")
	assert.NotContains(t, result.Text, "jane@example.com")
	assert.Contains(t, result.Text, "hunter2", "password rule not enabled")
}

func TestRedactDeterministic(t *testing.T) {
	r := NewRedactor()
	in := "card 4111111111111111, mail a@b.co"
	a := r.Redact(in).Text
	b := r.Redact(in).Text
	assert.Equal(t, a, b)
	assert.Equal(t, 2, strings.Count(a, Marker))
}
