package webhook

import (
	"fmt"

	"taskorch/internal/domain"
)

// adapter builds a service-specific payload for one outbound delivery.
// Every adapter shares the same "build a payload, the Dispatcher sends
// it" split: adapters never touch the network themselves, so retry and
// timeout policy lives in one place.
type adapter interface {
	service() domain.WebhookService
	buildPayload(eventType domain.EventType, taskID, taskName, projectName string, details map[string]any) any
}

func adapterFor(service domain.WebhookService) (adapter, error) {
	switch service {
	case domain.WebhookSlack:
		return slackAdapter{}, nil
	case domain.WebhookDiscord:
		return discordAdapter{}, nil
	default:
		return nil, fmt.Errorf("webhook: unsupported service %q", service)
	}
}

// renderDetails extracts the compact error/result/user renderings §4.8
// calls for, skipping anything not present.
func renderDetails(details map[string]any) []struct{ label, value string } {
	var fields []struct{ label, value string }
	for _, key := range []string{"error", "result", "user"} {
		v, ok := details[key]
		if !ok || v == nil {
			continue
		}
		fields = append(fields, struct{ label, value string }{label: key, value: fmt.Sprintf("%v", v)})
	}
	return fields
}

type slackBlock struct {
	Type string         `json:"type"`
	Text *slackBlockText `json:"text,omitempty"`
}

type slackBlockText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackPayload struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

type slackAdapter struct{}

func (slackAdapter) service() domain.WebhookService { return domain.WebhookSlack }

func (slackAdapter) buildPayload(eventType domain.EventType, taskID, taskName, projectName string, details map[string]any) any {
	header := fmt.Sprintf("*%s* — task `%s` (%s)", eventType, taskName, taskID)
	if projectName != "" {
		header = fmt.Sprintf("%s in project *%s*", header, projectName)
	}
	blocks := []slackBlock{{
		Type: "section",
		Text: &slackBlockText{Type: "mrkdwn", Text: header},
	}}
	for _, f := range renderDetails(details) {
		blocks = append(blocks, slackBlock{
			Type: "section",
			Text: &slackBlockText{Type: "mrkdwn", Text: fmt.Sprintf("*%s*: %s", f.label, f.value)},
		})
	}
	return slackPayload{Text: header, Blocks: blocks}
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title  string              `json:"title"`
	Fields []discordEmbedField `json:"fields"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

type discordAdapter struct{}

func (discordAdapter) service() domain.WebhookService { return domain.WebhookDiscord }

func (discordAdapter) buildPayload(eventType domain.EventType, taskID, taskName, projectName string, details map[string]any) any {
	embed := discordEmbed{
		Title: fmt.Sprintf("%s: %s", eventType, taskName),
		Fields: []discordEmbedField{
			{Name: "task_id", Value: taskID, Inline: true},
			{Name: "event_type", Value: string(eventType), Inline: true},
		},
	}
	if projectName != "" {
		embed.Fields = append(embed.Fields, discordEmbedField{Name: "project", Value: projectName, Inline: true})
	}
	for _, f := range renderDetails(details) {
		embed.Fields = append(embed.Fields, discordEmbedField{Name: f.label, Value: f.value})
	}
	return discordPayload{Embeds: []discordEmbed{embed}}
}
