package scoring

import "strings"

// Subset of the Unicode TR39 confusables table, covering the code points
// that actually show up in homograph attacks against latin-script brands.
var confusables = map[rune]rune{
	// Cyrillic
	'а': 'a',
	'б': 'b',
	'в': 'b',
	'е': 'e',
	'ѕ': 's',
	'і': 'i',
	'ї': 'i',
	'ј': 'j',
	'к': 'k',
	'м': 'm',
	'н': 'h',
	'о': 'o',
	'р': 'p',
	'с': 'c',
	'т': 't',
	'у': 'y',
	'х': 'x',
	'ь': 'b',
	'ԁ': 'd',
	'ԛ': 'q',
	'ԝ': 'w',
	'ґ': 'r',
	// Greek
	'α': 'a',
	'β': 'b',
	'ε': 'e',
	'η': 'n',
	'ι': 'i',
	'κ': 'k',
	'ν': 'v',
	'ο': 'o',
	'ρ': 'p',
	'τ': 't',
	'υ': 'u',
	'χ': 'x',
	'ω': 'w',
	// Latin extensions and IPA
	'ç': 'c',
	'è': 'e',
	'é': 'e',
	'ê': 'e',
	'ë': 'e',
	'ì': 'i',
	'í': 'i',
	'î': 'i',
	'ï': 'i',
	'ñ': 'n',
	'ò': 'o',
	'ó': 'o',
	'ô': 'o',
	'õ': 'o',
	'ö': 'o',
	'ø': 'o',
	'ù': 'u',
	'ú': 'u',
	'û': 'u',
	'ü': 'u',
	'ý': 'y',
	'ÿ': 'y',
	'ā': 'a',
	'ă': 'a',
	'ē': 'e',
	'ĕ': 'e',
	'ğ': 'g',
	'ī': 'i',
	'ı': 'i',
	'ł': 'l',
	'ō': 'o',
	'œ': 'o',
	'ş': 's',
	'ū': 'u',
	'ɑ': 'a',
	'ɡ': 'g',
	'ⅰ': 'i',
	'ⅼ': 'l',
	'ⅾ': 'd',
}

// Unconfuse maps visually confusable code points to their latin
// equivalents. It is total: unknown runes pass through unchanged. The
// result is only used for scoring, the caller keeps the original string.
func Unconfuse(domain string) string {
	var b strings.Builder
	b.Grow(len(domain))
	for _, r := range domain {
		if repl, ok := confusables[r]; ok {
			b.WriteRune(repl)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
