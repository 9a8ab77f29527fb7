package state

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// asciiFold decomposes accented characters and strips the combining
// marks, so "Zażółć" becomes "Zazołc" before the fallback table runs.
var asciiFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// foldTable maps letters that do not decompose into base + combining
// mark. Devices render a 7-bit character set.
var foldTable = strings.NewReplacer(
	"ł", "l", "Ł", "L",
	"ø", "o", "Ø", "O",
	"đ", "d", "Đ", "D",
	"ß", "ss", "ẞ", "SS",
	"æ", "ae", "Æ", "AE",
	"œ", "oe", "Œ", "OE",
	"þ", "th", "Þ", "TH",
	"ð", "d", "Ð", "D",
)

// Transliterate reduces a translation string to printable ASCII.
// Characters with no transliteration are dropped.
func Transliterate(s string) string {
	folded, _, err := transform.String(asciiFold, s)
	if err != nil {
		folded = s
	}
	folded = foldTable.Replace(folded)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if r < 0x80 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
