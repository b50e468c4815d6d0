package llm

import "github.com/kalambet/briefai/internal/serp"

// Strategy is the content plan the model produces for a topic.
type Strategy struct {
	Title           string    `json:"title" yaml:"title"`
	MetaDescription string    `json:"meta_description" yaml:"meta_description"`
	Outline         []Section `json:"outline" yaml:"outline"`
	FAQ             []FAQ     `json:"faq" yaml:"faq"`
	SchemaStrategy  Schema    `json:"schema_strategy" yaml:"schema_strategy"`
	Keywords        []string  `json:"keywords" yaml:"keywords"`
	WordCount       int       `json:"word_count" yaml:"word_count"`
}

// Section is one H2 of the outline with its H3 subheadings.
type Section struct {
	Heading     string   `json:"heading" yaml:"heading"`
	Subheadings []string `json:"subheadings,omitempty" yaml:"subheadings,omitempty"`
	Notes       string   `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// FAQ is a question the article should answer.
type FAQ struct {
	Question string `json:"question" yaml:"question"`
	Answer   string `json:"answer" yaml:"answer"`
}

// Schema describes which schema.org markup the page should carry.
type Schema struct {
	Types []string `json:"types" yaml:"types"`
	Notes string   `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// BriefInput is everything the model sees when planning a brief.
type BriefInput struct {
	Topic       string
	Competitors []serp.Result
	Insights    Insights
}

// Insights are the merged fan-out findings for the topic.
type Insights struct {
	Results  []serp.Result
	Keywords []serp.Keyword
}
