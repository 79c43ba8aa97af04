package precheck

import "math"

// ShannonEntropy measures the randomness of the payload in bits per rune.
// Standard prose sits around 3.5 to 4.5; encrypted or steganographic
// payloads spike toward 7.0+.
func ShannonEntropy(data string) float64 {
	if len(data) == 0 {
		return 0
	}

	charCounts := make(map[rune]int)
	total := 0
	for _, char := range data {
		charCounts[char]++
		total++
	}

	var entropy float64
	for _, count := range charCounts {
		p := float64(count) / float64(total)
		entropy -= p * math.Log2(p)
	}

	return entropy
}
