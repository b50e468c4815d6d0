package llm

import (
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const (
	maxPromptCompetitors = 10
	maxPromptResults     = 15
	maxPromptKeywords    = 30
)

const briefSystemPrompt = `You are an SEO content strategist. Given a topic and the pages currently ranking for it, write a content brief that can outrank them. Your output must be ONLY a single valid JSON object, with no prose or markdown, using exactly these fields:

{
  "title": string,              // H1, under 65 characters
  "meta_description": string,   // under 160 characters
  "outline": [{"heading": string, "subheadings": [string], "notes": string}],
  "faq": [{"question": string, "answer": string}],
  "schema_strategy": {"types": [string], "notes": string},
  "keywords": [string],
  "word_count": number          // recommended article length
}

Rules:
- Cover the subtopics competitors cover, then add what they miss.
- Use the related queries and keyword ideas for headings and FAQ.
- schema_strategy.types are schema.org types such as Article, FAQPage, HowTo.
- Between 5 and 10 outline sections and between 3 and 8 FAQ entries.`

const suggestSystemPrompt = `You generate search queries. Given a topic, return semantically related queries a searcher might type when researching it. Your output must be ONLY a JSON object of the form {"queries": [string]}. Do not repeat the topic itself.`

// BuildBriefPrompt constructs the chat messages for brief generation.
func BuildBriefPrompt(in BriefInput) []openai.ChatCompletionMessage {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s\n", in.Topic)

	if len(in.Competitors) > 0 {
		sb.WriteString("\n[Top Ranking Pages]\n")
		for i, r := range in.Competitors {
			if i == maxPromptCompetitors {
				break
			}
			fmt.Fprintf(&sb, "%d. %s (%s)\n", r.Position, r.Title, r.Domain)
			if r.Snippet != "" {
				fmt.Fprintf(&sb, "   %s\n", r.Snippet)
			}
		}
	}

	if len(in.Insights.Results) > 0 {
		sb.WriteString("\n[Related Query Results]\n")
		for i, r := range in.Insights.Results {
			if i == maxPromptResults {
				break
			}
			fmt.Fprintf(&sb, "- %s (%s)\n", r.Title, r.Domain)
		}
	}

	if len(in.Insights.Keywords) > 0 {
		sb.WriteString("\n[Keyword Ideas]\n")
		for i, k := range in.Insights.Keywords {
			if i == maxPromptKeywords {
				break
			}
			fmt.Fprintf(&sb, "- %s (volume %d)\n", k.Text, k.SearchVolume)
		}
	}

	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: briefSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: sb.String()},
	}
}

// BuildSuggestPrompt constructs the chat messages asking for n related queries.
func BuildSuggestPrompt(topic string, n int) []openai.ChatCompletionMessage {
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: suggestSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Topic: %s\nReturn %d queries.", topic, n)},
	}
}
