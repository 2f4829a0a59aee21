package activation

import (
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// Filter selects ledger entries for listing.
type Filter struct {
	Status Status
	// Search is matched fuzzily against the code, ignoring case and dashes.
	Search string
}

// Apply returns the codes matching f. Without a search term the input order
// is kept; with one, the closest matches come first.
func (f Filter) Apply(codes []Code) []Code {
	selected := make([]Code, 0, len(codes))
	for _, c := range codes {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		selected = append(selected, c)
	}

	search := strings.ReplaceAll(strings.TrimSpace(f.Search), "-", "")
	if search == "" {
		return selected
	}

	targets := make([]string, len(selected))
	for i, c := range selected {
		targets[i] = strings.ReplaceAll(c.Code, "-", "")
	}
	ranks := fuzzy.RankFindFold(search, targets)
	sort.Stable(ranks)

	out := make([]Code, 0, len(ranks))
	for _, r := range ranks {
		out = append(out, selected[r.OriginalIndex])
	}
	return out
}
