package dedupe

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"math"
	"math/bits"
	"sort"
	"strings"

	// Register the decoders listing photos actually use.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// Trigrams returns the sorted unique character trigram set of a title,
// case-folded with collapsed whitespace. Matches the inverted index the
// store maintains.
func Trigrams(title string) []string {
	s := strings.Join(strings.Fields(strings.ToLower(title)), " ")
	runes := []rune(s)
	if len(runes) < 3 {
		if len(runes) == 0 {
			return nil
		}
		return []string{string(runes)}
	}
	set := make(map[string]struct{}, len(runes))
	for i := 0; i+3 <= len(runes); i++ {
		set[string(runes[i:i+3])] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// TrigramSimilarity is the Jaccard index of two trigram sets given the
// shared count and both set sizes.
func TrigramSimilarity(shared, sizeA, sizeB int) float64 {
	union := sizeA + sizeB - shared
	if union <= 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

// minhashBands is the signature width. 16 bands keep the stored string short
// while distinguishing descriptions well enough for an equality pre-filter.
const minhashBands = 16

// MinHash computes a fixed-width minhash over description word shingles,
// rendered as a hex string for storage.
func MinHash(description string) string {
	words := strings.Fields(strings.ToLower(description))
	if len(words) == 0 {
		return ""
	}
	shingles := make([]string, 0, len(words))
	if len(words) < 3 {
		shingles = append(shingles, strings.Join(words, " "))
	} else {
		for i := 0; i+3 <= len(words); i++ {
			shingles = append(shingles, strings.Join(words[i:i+3], " "))
		}
	}

	var sig strings.Builder
	for band := 0; band < minhashBands; band++ {
		min := uint32(math.MaxUint32)
		for _, sh := range shingles {
			h := fnv.New32a()
			fmt.Fprintf(h, "%d:%s", band, sh)
			if v := h.Sum32(); v < min {
				min = v
			}
		}
		fmt.Fprintf(&sig, "%08x", min)
	}
	return sig.String()
}

// AHash is the 64-bit average hash of an image: 8x8 grayscale downsample,
// each bit set when the cell is brighter than the mean.
func AHash(img image.Image) uint64 {
	const n = 8
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return 0
	}

	var cells [n * n]float64
	for cy := 0; cy < n; cy++ {
		for cx := 0; cx < n; cx++ {
			// Average the source block for this cell.
			x0 := bounds.Min.X + cx*w/n
			x1 := bounds.Min.X + (cx+1)*w/n
			y0 := bounds.Min.Y + cy*h/n
			y1 := bounds.Min.Y + (cy+1)*h/n
			if x1 <= x0 {
				x1 = x0 + 1
			}
			if y1 <= y0 {
				y1 = y0 + 1
			}
			var sum, cnt float64
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
					sum += float64(g.Y)
					cnt++
				}
			}
			cells[cy*n+cx] = sum / cnt
		}
	}

	var mean float64
	for _, c := range cells {
		mean += c
	}
	mean /= n * n

	var hash uint64
	for i, c := range cells {
		if c > mean {
			hash |= 1 << uint(i)
		}
	}
	return hash
}

// DecodeAHash decodes raw image bytes and hashes them.
func DecodeAHash(data []byte) (uint64, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("decode image: %w", err)
	}
	return AHash(img), nil
}

// HammingDistance counts differing bits between two hashes.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Cosine is the cosine similarity of two vectors; 0 when shapes differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
