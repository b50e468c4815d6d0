package fanout

import "github.com/kalambet/briefai/internal/serp"

// KindStats summarizes the outcomes of one query kind.
type KindStats struct {
	Count       int     `json:"count"`
	Succeeded   int     `json:"succeeded"`
	SuccessRate float64 `json:"success_rate"`
}

// Report is the merged view of a fan-out run.
type Report struct {
	Total       int                `json:"total" yaml:"total"`
	Succeeded   int                `json:"succeeded" yaml:"succeeded"`
	Degraded    int                `json:"degraded" yaml:"degraded"`
	SuccessRate float64            `json:"success_rate" yaml:"success_rate"`
	UniqueCount int                `json:"unique_count" yaml:"unique_count"`
	ByKind      map[Kind]KindStats `json:"by_kind" yaml:"by_kind"`
	Results     []serp.Result      `json:"results" yaml:"results"`
	Keywords    []serp.Keyword     `json:"keywords" yaml:"keywords"`
}

// Aggregate merges outcomes into a Report. Records are deduplicated by
// identity key (result URL, lowercased keyword); the first occurrence wins.
func Aggregate(outcomes []Outcome) Report {
	r := Report{
		Total:    len(outcomes),
		ByKind:   make(map[Kind]KindStats),
		Results:  []serp.Result{},
		Keywords: []serp.Keyword{},
	}
	seen := make(map[string]bool)

	for _, o := range outcomes {
		ks := r.ByKind[o.Item.Kind]
		ks.Count++
		if o.Succeeded {
			ks.Succeeded++
			r.Succeeded++
		}
		if o.Degraded {
			r.Degraded++
		}
		r.ByKind[o.Item.Kind] = ks

		if !o.Succeeded {
			continue
		}
		switch p := o.Payload.(type) {
		case SERPPayload:
			for _, res := range p.Results {
				k := "url:" + resultKey(res)
				if seen[k] {
					continue
				}
				seen[k] = true
				r.Results = append(r.Results, res)
			}
		case KeywordPayload:
			for _, kw := range p.Keywords {
				k := "kw:" + keywordKey(kw)
				if seen[k] {
					continue
				}
				seen[k] = true
				r.Keywords = append(r.Keywords, kw)
			}
		}
	}

	r.UniqueCount = len(seen)
	r.SuccessRate = rate(r.Succeeded, r.Total)
	for k, ks := range r.ByKind {
		ks.SuccessRate = rate(ks.Succeeded, ks.Count)
		r.ByKind[k] = ks
	}
	return r
}

func rate(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}
