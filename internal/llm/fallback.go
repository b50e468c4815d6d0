package llm

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kalambet/briefai/internal/serp"
)

const defaultWordCount = 1500

// FallbackStrategy builds a deterministic strategy from the topic and the
// competitor titles alone, for when the model is unavailable.
func FallbackStrategy(topic string, competitors []serp.Result) Strategy {
	topic = strings.TrimSpace(topic)
	display := titleCase(topic)

	outline := []Section{
		{Heading: "What is " + display + "?"},
		{Heading: "Why " + display + " matters"},
	}
	seen := map[string]bool{strings.ToLower(outline[0].Heading): true, strings.ToLower(outline[1].Heading): true}
	for _, c := range competitors {
		h := headingFromTitle(c.Title)
		if h == "" || seen[strings.ToLower(h)] {
			continue
		}
		seen[strings.ToLower(h)] = true
		outline = append(outline, Section{Heading: h, Notes: "Covered by " + c.Domain})
		if len(outline) == 7 {
			break
		}
	}
	outline = append(outline,
		Section{Heading: "How to get started with " + display},
		Section{Heading: "Conclusion"},
	)

	return Strategy{
		Title:           fmt.Sprintf("%s: The Complete Guide", display),
		MetaDescription: fmt.Sprintf("Everything you need to know about %s, from the basics to advanced tips.", topic),
		Outline:         outline,
		FAQ: []FAQ{
			{Question: "What is " + topic + "?"},
			{Question: "How does " + topic + " work?"},
			{Question: "How do I get started with " + topic + "?"},
		},
		SchemaStrategy: Schema{Types: []string{"Article", "FAQPage"}},
		Keywords:       []string{strings.ToLower(topic)},
		WordCount:      defaultWordCount,
	}
}

// headingFromTitle trims the site-name suffix competitors append to titles.
func headingFromTitle(title string) string {
	for _, sep := range []string{" | ", " - "} {
		if i := strings.LastIndex(title, sep); i > 0 {
			title = title[:i]
		}
	}
	return strings.TrimSpace(title)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}
