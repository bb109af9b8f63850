package extract

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// NormalizeText folds all text to NFC and collapses runs of whitespace.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// ParseAmount parses a monetary string in either Croatian ("1.000,00",
// "1 000,00") or Anglo ("1,000.00") locale. Currency symbols are stripped.
func ParseAmount(s string) (decimal.Decimal, error) {
	t := strings.TrimSpace(norm.NFC.String(s))
	for _, sym := range []string{"€", "$", "£", "EUR", "USD", "GBP", "kn"} {
		t = strings.ReplaceAll(t, sym, "")
	}
	t = strings.ReplaceAll(t, " ", " ")
	t = strings.TrimSpace(t)
	if t == "" {
		return decimal.Decimal{}, fmt.Errorf("empty amount")
	}

	lastComma := strings.LastIndex(t, ",")
	lastDot := strings.LastIndex(t, ".")
	switch {
	case lastComma > lastDot:
		// Croatian: comma is the decimal separator.
		t = strings.ReplaceAll(t, ".", "")
		t = strings.ReplaceAll(t, " ", "")
		t = strings.Replace(t, ",", ".", 1)
	case lastDot > lastComma:
		// Anglo: dot is the decimal separator, unless the dot groups
		// thousands ("1.000.00" style scans fall through to here too).
		t = strings.ReplaceAll(t, ",", "")
		t = strings.ReplaceAll(t, " ", "")
		if strings.Count(t, ".") > 1 {
			idx := strings.LastIndex(t, ".")
			t = strings.ReplaceAll(t[:idx], ".", "") + "." + t[idx+1:]
		}
	default:
		t = strings.ReplaceAll(t, " ", "")
	}
	d, err := decimal.NewFromString(t)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("amount %q: %w", s, err)
	}
	return d, nil
}

// DateHint resolves ambiguous numeric dates per document class. Croatian
// business documents are day-first.
type DateHint int

const (
	HintDayFirst DateHint = iota
	HintMonthFirst
	HintNone
)

// ParseDate normalizes a date string to an ISO calendar date. The second
// return is false when the input was ambiguous and the hint did not resolve
// it; callers must flag the field low-confidence instead of guessing.
func ParseDate(s string, hint DateHint) (string, bool) {
	t := strings.TrimSpace(norm.NFC.String(s))
	for _, layout := range []string{"2006-01-02", "2006-01-02T15:04:05Z07:00", "02.01.2006.", "02.01.2006"} {
		if ts, err := time.Parse(layout, t); err == nil {
			return ts.Format("2006-01-02"), true
		}
	}

	sep := ""
	for _, c := range []string{"/", "-", "."} {
		if strings.Count(t, c) == 2 {
			sep = c
			break
		}
	}
	if sep == "" {
		return "", false
	}
	parts := strings.Split(t, sep)
	if len(parts) != 3 {
		return "", false
	}
	a, b, y := parts[0], parts[1], parts[2]
	if len(y) == 2 {
		y = "20" + y
	}

	day, month := a, b
	if hint == HintMonthFirst {
		day, month = b, a
	}
	ambiguous := atoi(a) <= 12 && atoi(b) <= 12 && a != b
	if ambiguous && hint == HintNone {
		return "", false
	}
	ts, err := time.Parse("2006-1-2", fmt.Sprintf("%s-%s-%s", y, month, day))
	if err != nil {
		return "", false
	}
	return ts.Format("2006-01-02"), true
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 99
		}
		n = n*10 + int(c-'0')
	}
	return n
}
