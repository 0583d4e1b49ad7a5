package tui

import (
	"context"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadrag/internal/service"
	"leadrag/internal/synth"
)

type fakeRAG struct {
	asked []string
	env   synth.AnswerEnvelope
}

func (f *fakeRAG) Ask(_ context.Context, req service.AskRequest) synth.AnswerEnvelope {
	f.asked = append(f.asked, req.Query)
	return f.env
}

func TestModel_Update(t *testing.T) {
	answer := "Acmeは商談中です"
	rag := &fakeRAG{env: synth.AnswerEnvelope{
		Status:  synth.StatusOK,
		Answer:  &answer,
		Items:   []synth.CompanyRecord{{Company: "Acme", LeadStatus: "商談中", Cell: "A2"}},
		Sources: []string{"leads.csv#row2", "memo.txt"},
		Citations: []synth.Citation{
			{SourceID: "a:0", Source: "leads.csv#row2", Content: "企業名: Acme | リードステータス: 商談中"},
			{SourceID: "b:0", Source: "memo.txt", Content: "Acme wants a quote."},
		},
	}}

	var m tea.Model = New(rag, "2 spreadsheet rows indexed")
	m, _ = m.Update(tea.WindowSizeMsg{Width: 80, Height: 30})
	model := m.(Model)
	model.input.SetValue("Acme?")

	t.Run("Enter asks the service asynchronously", func(t *testing.T) {
		next, cmd := model.Update(tea.KeyMsg{Type: tea.KeyEnter})
		require.NotNil(t, cmd)
		assert.True(t, next.(Model).busy)

		msg := cmd()
		assert.Equal(t, []string{"Acme?"}, rag.asked)

		next, _ = next.Update(msg)
		got := next.(Model)
		assert.False(t, got.busy)
		out := got.render()
		assert.Contains(t, out, answer)
		assert.Contains(t, out, "Acme  [商談中]  A2")
		assert.Contains(t, out, "Citation 1/2  leads.csv#row2")
		model = got
	})

	t.Run("Arrow keys cycle through citations", func(t *testing.T) {
		next, _ := model.Update(tea.KeyMsg{Type: tea.KeyDown})
		assert.Contains(t, next.(Model).render(), "Citation 2/2  memo.txt")
		next, _ = next.Update(tea.KeyMsg{Type: tea.KeyDown})
		assert.Contains(t, next.(Model).render(), "Citation 1/2")
	})

	t.Run("Errors are shown in the status line", func(t *testing.T) {
		next, _ := model.Update(answerMsg{query: "x", envelope: synth.Failure(context.DeadlineExceeded, synth.AnswerEnvelope{})})
		assert.Contains(t, next.(Model).status, "Error: the request timed out")
	})
}

func TestHighlightBestSentence(t *testing.T) {
	out := highlightBestSentence("Beta buys. Acme sells widgets.", "acme widgets")
	assert.Contains(t, out, "Beta buys.")
	assert.Contains(t, out, "Acme sells widgets.")
}
