package precheck

import "strings"

// Canary tokens are invisible Unicode sequences (zero-width joiner / BOM
// combinations) the pipeline injects into its own higher-risk outputs.
// Seeing one back in an input means a previous output is being recycled
// adversarially, which is treated as maximum risk.
var canarySequences = []string{
	"\u200d\u2060\u200b", // ZWJ + word joiner + ZWSP
	"\ufeff\u200b\u200d", // BOM + ZWSP + ZWJ
	"\u2060\u200c\u2060", // word joiner + ZWNJ + word joiner
}

// ContainsCanary scans the text for any known canary sequence.
func ContainsCanary(text string) bool {
	for _, seq := range canarySequences {
		if strings.Contains(text, seq) {
			return true
		}
	}
	return false
}

// InjectCanary embeds the primary canary sequence near the middle of the
// text, between runes so rendering is unaffected.
func InjectCanary(text string) string {
	if text == "" {
		return canarySequences[0]
	}
	runes := []rune(text)
	mid := len(runes) / 2
	return string(runes[:mid]) + canarySequences[0] + string(runes[mid:])
}
