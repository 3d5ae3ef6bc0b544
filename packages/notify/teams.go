package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// TeamsNotifier sends notifications to Microsoft Teams via webhook
type TeamsNotifier struct {
	webhookURL string
	client     *http.Client
}

// TeamsOption is a functional option for TeamsNotifier
type TeamsOption func(*TeamsNotifier)

// WithTeamsClient replaces the HTTP client
func WithTeamsClient(c *http.Client) TeamsOption {
	return func(t *TeamsNotifier) {
		t.client = c
	}
}

// NewTeamsNotifier creates a new Teams notifier
func NewTeamsNotifier(webhookURL string, opts ...TeamsOption) *TeamsNotifier {
	t := &TeamsNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TeamsNotifier) Name() string {
	return "teams"
}

// teamsMessage carries one Adaptive Card
type teamsMessage struct {
	Type        string      `json:"type"`
	Attachments []teamsCard `json:"attachments"`
}

type teamsCard struct {
	ContentType string           `json:"contentType"`
	ContentURL  *string          `json:"contentUrl"`
	Content     teamsCardContent `json:"content"`
}

type teamsCardContent struct {
	Schema  string       `json:"$schema"`
	Type    string       `json:"type"`
	Version string       `json:"version"`
	Body    []teamsBlock `json:"body"`
}

type teamsBlock struct {
	Type      string      `json:"type"`
	Size      string      `json:"size,omitempty"`
	Weight    string      `json:"weight,omitempty"`
	Text      string      `json:"text,omitempty"`
	Color     string      `json:"color,omitempty"`
	Wrap      bool        `json:"wrap,omitempty"`
	Facts     []teamsFact `json:"facts,omitempty"`
	Spacing   string      `json:"spacing,omitempty"`
	Separator bool        `json:"separator,omitempty"`
}

type teamsFact struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

func text(s string) teamsBlock {
	return teamsBlock{Type: "TextBlock", Text: s, Wrap: true}
}

// Notify posts summary as an Adaptive Card
func (t *TeamsNotifier) Notify(ctx context.Context, summary *RunSummary) error {
	title, ok := headline(summary)
	color := "attention"
	if ok {
		color = "good"
	}

	facts := []teamsFact{
		{Title: "Total Tests", Value: fmt.Sprintf("%d", summary.TotalTests)},
		{Title: "Passed", Value: fmt.Sprintf("%d", summary.PassedTests)},
		{Title: "Failed", Value: fmt.Sprintf("%d", summary.FailedTests)},
		{Title: "Pending", Value: fmt.Sprintf("%d", summary.PendingTests)},
		{Title: "Duration", Value: summary.Duration.Round(time.Millisecond).String()},
	}
	for _, env := range summary.Environments {
		facts = append(facts, teamsFact{
			Title: env.ID,
			Value: fmt.Sprintf("%d passed, %d failed, %d pending", env.Passed, env.Failed, env.Pending),
		})
	}

	body := []teamsBlock{
		{Type: "TextBlock", Size: "Large", Weight: "Bolder", Text: title, Color: color},
		{Type: "FactSet", Facts: facts, Separator: true, Spacing: "Medium"},
	}

	if len(summary.FailedResults) > 0 {
		body = append(body, teamsBlock{Type: "TextBlock", Text: "**Failed Tests:**", Separator: true, Spacing: "Medium"})
		for _, ft := range summary.FailedResults {
			body = append(body, text(fmt.Sprintf("- `%s` [%s] (%s)", ft.Name, ft.Environment, ft.File)))
			if ft.Error != "" {
				body = append(body, text("  - "+ft.Error))
			}
		}
	}

	body = append(body, teamsBlock{
		Type:      "TextBlock",
		Text:      fmt.Sprintf("_hitrun %s - %s_", summary.RunID, time.Now().Format(time.RFC3339)),
		Separator: true,
		Spacing:   "Medium",
	})

	msg := teamsMessage{
		Type: "message",
		Attachments: []teamsCard{{
			ContentType: "application/vnd.microsoft.card.adaptive",
			Content: teamsCardContent{
				Schema:  "http://adaptivecards.io/schemas/adaptive-card.json",
				Type:    "AdaptiveCard",
				Version: "1.2",
				Body:    body,
			},
		}},
	}

	return postJSON(ctx, t.client, t.webhookURL, msg, http.StatusOK, http.StatusAccepted)
}
