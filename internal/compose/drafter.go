package compose

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/homenest/nous/internal/model"
	"github.com/homenest/nous/pkg/anthropic"
)

const draftSystemPrompt = `You personalize outreach emails from a real-estate team to property owners.
Keep the template's intent, facts, sender and call to action. Do not invent facts about the property.
Write plain text, under 180 words. Return only the email body.`

// Drafter rewrites a rendered template body for one recipient.
type Drafter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewDrafter creates a Drafter.
func NewDrafter(client anthropic.Client, model string, maxTokens int64) *Drafter {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Drafter{client: client, model: model, maxTokens: maxTokens}
}

// Draft returns a personalized body based on the rendered template.
func (d *Drafter) Draft(ctx context.Context, rendered string, vars map[string]string) (string, error) {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Recipient and property facts:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, vars[k])
	}
	b.WriteString("\nTemplate email:\n")
	b.WriteString(rendered)

	resp, err := d.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     d.model,
		MaxTokens: d.maxTokens,
		System:    draftSystemPrompt,
		Messages:  []anthropic.Message{{Role: "user", Content: b.String()}},
	})
	if err != nil {
		return "", eris.Wrap(err, "compose: draft email")
	}
	resp.Usage.LogCost(d.model, "email_draft")

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", eris.New("compose: draft email: empty response")
	}
	return text, nil
}

// Composer renders outbound copy for queue items.
type Composer struct {
	drafter *Drafter
}

// NewComposer creates a Composer. A nil drafter disables AI personalization.
func NewComposer(d *Drafter) *Composer {
	return &Composer{drafter: d}
}

// Email renders the subject and body for item. When the scenario asks for
// personalization the body is drafted, falling back to the rendered
// template if drafting fails.
func (c *Composer) Email(ctx context.Context, sc *Scenario, item *model.QueueItem) (subject, body string) {
	vars := Variables(item)
	subject = Render(sc.Subject, vars)
	body = Render(sc.Body, vars)
	if !sc.AIPersonalize || c.drafter == nil {
		return subject, body
	}

	drafted, err := c.drafter.Draft(ctx, body, vars)
	if err != nil {
		zap.L().Warn("compose: personalization failed, using template",
			zap.String("scenario", sc.Key),
			zap.String("item_id", item.ID),
			zap.Error(err),
		)
		return subject, body
	}
	return subject, drafted
}
