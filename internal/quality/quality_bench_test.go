package quality

import (
	"strings"
	"testing"
)

// benchmarkDescription builds a product description of roughly size bytes.
func benchmarkDescription(size int) string {
	sb := strings.Builder{}
	sb.Grow(size)

	paragraphs := []string{
		"Durable stainless steel construction keeps drinks cold for 24 hours.",
		"Leak-proof lid with a carry loop, suitable for hiking and commuting.",
		"Each carton holds 50 pieces and ships from the regional warehouse.",
		"Food grade materials are tested to international safety standards.",
		"Available in six colors with matte powder coating.",
	}

	for sb.Len() < size {
		for _, p := range paragraphs {
			sb.WriteString(p)
			sb.WriteString(" ")
		}
	}
	return sb.String()
}

func BenchmarkAssess_Title(b *testing.B) {
	f := mustFilter(b)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		f.Assess("Insulated Stainless Steel Water Bottle 750ml", "")
	}
}

func BenchmarkAssess_SmallDescription(b *testing.B) {
	f := mustFilter(b)
	desc := benchmarkDescription(1024)
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		f.Assess("Water Bottle", desc)
	}
}

func BenchmarkAssess_LargeDescription(b *testing.B) {
	f := mustFilter(b)
	desc := benchmarkDescription(32 * 1024)
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		f.Assess("Water Bottle", desc)
	}
}
