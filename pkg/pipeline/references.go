package pipeline

import (
	"encoding/json"

	"github.com/bmlibrarian/bmlibrarian/pkg/models"
)

// FilterCitations enforces citation integrity: a citation whose document id
// is not among the retrieved documents is fabricated and must not reach a
// report. Returns the surviving citations in order and the dropped count.
func FilterCitations(citations []models.Citation, knownIDs map[int64]bool) ([]models.Citation, int) {
	kept := make([]models.Citation, 0, len(citations))
	dropped := 0
	for _, c := range citations {
		if !knownIDs[c.DocumentID] {
			dropped++
			continue
		}
		kept = append(kept, c)
	}
	return kept, dropped
}

func jsonMarshal(v any) (string, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
