package spread

import "spreadmatrix/models"

// Tone is the display class of a matrix cell.
type Tone string

const (
	TonePositive Tone = "positive"
	ToneNegative Tone = "negative"
	ToneNeutral  Tone = "neutral"
)

// ToneOf classifies a cell: positive and negative spreads get their own
// class, zero and absent cells are neutral.
func ToneOf(p models.Price) Tone {
	v, ok := p.Get()
	switch {
	case !ok:
		return ToneNeutral
	case v > 0:
		return TonePositive
	case v < 0:
		return ToneNegative
	default:
		return ToneNeutral
	}
}

// Tones classifies every cell of a matrix.
func Tones(m models.SpreadMatrix) [][]Tone {
	out := make([][]Tone, len(m.Values))
	for i, row := range m.Values {
		out[i] = make([]Tone, len(row))
		for j, v := range row {
			out[i][j] = ToneOf(v)
		}
	}
	return out
}
