package catalogue

import (
	"strconv"
	"strings"

	"github.com/example/sketch-match/internal/domain"
)

// VectorLiteral renders vec in pgvector's text format, e.g. "[0.1,2,-3]".
func VectorLiteral(vec domain.FeatureVector) string {
	var b strings.Builder
	b.Grow(len(vec) * 8)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}
