package identity

import "strings"

// NumeralLimit is the largest count rendered as a numeral; larger counts
// fall back to decimal digits.
const NumeralLimit = 500

var numeralTable = []struct {
	value  int
	symbol string
}{
	{500, "D"},
	{400, "CD"},
	{100, "C"},
	{90, "XC"},
	{50, "L"},
	{40, "XL"},
	{10, "X"},
	{9, "IX"},
	{5, "V"},
	{4, "IV"},
	{1, "I"},
}

var symbolValues = map[byte]int{
	'I': 1,
	'V': 5,
	'X': 10,
	'L': 50,
	'C': 100,
	'D': 500,
	'M': 1000,
}

// ToNumeral renders n in upper-case numerals. ok is false outside (0, NumeralLimit].
func ToNumeral(n int) (s string, ok bool) {
	if n <= 0 || n > NumeralLimit {
		return "", false
	}
	var b strings.Builder
	for _, entry := range numeralTable {
		for n >= entry.value {
			b.WriteString(entry.symbol)
			n -= entry.value
		}
	}
	return b.String(), true
}

// ParseNumeral evaluates an upper-case numeral with subtractive pairs.
// Non-canonical spellings such as "IIII" are accepted; anything outside
// the symbol alphabet is not.
func ParseNumeral(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	total := 0
	for i := 0; i < len(s); i++ {
		v, ok := symbolValues[s[i]]
		if !ok {
			return 0, false
		}
		if i+1 < len(s) {
			if next, ok := symbolValues[s[i+1]]; ok && next > v {
				total -= v
				continue
			}
		}
		total += v
	}
	if total <= 0 {
		return 0, false
	}
	return total, true
}

func isNumeralSymbol(r rune) bool {
	return r < 0x80 && symbolValues[byte(r)] > 0
}
