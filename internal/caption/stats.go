package caption

import "math"

// Stats summarises a set of captions.
type Stats struct {
	Total             int            `json:"total_captions"`
	Voice             int            `json:"voice_captions"`
	Sign              int            `json:"sign_captions"`
	Languages         map[string]int `json:"languages"`
	Users             map[string]int `json:"users"`
	AverageConfidence float64        `json:"average_confidence"`
}

func Summarize(captions []Caption) Stats {
	stats := Stats{
		Total:     len(captions),
		Languages: map[string]int{},
		Users:     map[string]int{},
	}
	if len(captions) == 0 {
		return stats
	}
	var sum float64
	for _, c := range captions {
		switch c.Modality {
		case Voice:
			stats.Voice++
		case Sign:
			stats.Sign++
		}
		stats.Languages[c.Language]++
		stats.Users[c.UserID]++
		sum += c.Confidence
	}
	stats.AverageConfidence = math.Round(sum/float64(len(captions))*1000) / 1000
	return stats
}
