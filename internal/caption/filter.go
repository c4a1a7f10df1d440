package caption

import "github.com/samber/lo"

// Filter selects captions from a history. Zero fields match everything; a
// positive Limit keeps only the newest matches.
type Filter struct {
	UserID   string
	Modality Modality
	Language string
	Limit    int
}

// Select returns the captions matching f in their original order.
func Select(history []Caption, f Filter) []Caption {
	matched := lo.Filter(history, func(c Caption, _ int) bool {
		return (f.UserID == "" || c.UserID == f.UserID) &&
			(f.Modality == "" || c.Modality == f.Modality) &&
			(f.Language == "" || c.Language == f.Language)
	})
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[len(matched)-f.Limit:]
	}
	return matched
}
