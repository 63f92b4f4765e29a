package emotion

// LabelScore is one classifier output for the user's voice.
type LabelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// VocalResult is the vocal emotion classification the backend returns for a
// turn, ordered as the backend sent it.
type VocalResult []LabelScore

// Top returns the highest scoring label, or "" when empty.
func (v VocalResult) Top() string {
	best := -1
	for i, ls := range v {
		if best < 0 || ls.Score > v[best].Score {
			best = i
		}
	}
	if best < 0 {
		return ""
	}
	return v[best].Label
}

func (v VocalResult) Clone() VocalResult {
	if v == nil {
		return nil
	}
	return append(VocalResult(nil), v...)
}
