package money

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// ErrAmountOutOfRange is returned for amounts too large to display.
var ErrAmountOutOfRange = errors.New("amount out of range")

// MaxIntegerDigits bounds the integer part of a formatted amount.
const MaxIntegerDigits = 18

var maxAmount = decimal.New(1, MaxIntegerDigits)

// layout is how a locale writes digits, learned once from x/text so that
// amounts are rendered from their exact decimal digits.
type layout struct {
	digits      [10]string
	group       string
	decimal     string
	primary     int
	secondary   int
	minGrouping int
}

var (
	layoutsMu sync.Mutex
	layouts   = make(map[string]*layout)
)

func layoutFor(locale string) *layout {
	layoutsMu.Lock()
	defer layoutsMu.Unlock()

	if l, ok := layouts[locale]; ok {
		return l
	}
	l := learnLayout(message.NewPrinter(language.Make(locale)))
	layouts[locale] = l
	return l
}

func learnLayout(p *message.Printer) *layout {
	l := &layout{decimal: ".", minGrouping: 1}
	for d := 0; d < 10; d++ {
		l.digits[d] = p.Sprint(number.Decimal(d))
	}

	runs, seps := l.split(p.Sprint(number.Decimal(1234567.89, number.Scale(MinorUnits))))
	if len(runs) < 2 || len(seps) < 1 {
		return l
	}
	l.decimal = seps[len(seps)-1]
	intRuns := runs[:len(runs)-1]
	if len(intRuns) > 1 {
		l.group = seps[0]
		l.primary = intRuns[len(intRuns)-1]
		l.secondary = l.primary
		if len(intRuns) > 2 {
			l.secondary = intRuns[len(intRuns)-2]
		}
		if r, _ := l.split(p.Sprint(number.Decimal(1234))); len(r) == 1 {
			l.minGrouping = 2
		}
	}
	return l
}

// split returns the lengths of the digit runs in s and the separators between them.
func (l *layout) split(s string) (runs []int, seps []string) {
	var sep strings.Builder
	n := 0
	for len(s) > 0 {
		matched := false
		for _, g := range l.digits {
			if g != "" && strings.HasPrefix(s, g) {
				if n == 0 {
					if len(runs) > 0 {
						seps = append(seps, sep.String())
					}
					sep.Reset()
				}
				n++
				s = s[len(g):]
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		if n > 0 {
			runs = append(runs, n)
			n = 0
		}
		r, size := utf8.DecodeRuneInString(s)
		sep.WriteRune(r)
		s = s[size:]
	}
	if n > 0 {
		runs = append(runs, n)
	}
	return runs, seps
}

// render writes the ASCII digits of a non-negative fixed-point string.
func (l *layout) render(fixed string) string {
	intPart, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	grouped := l.primary > 0 && len(intPart) >= l.primary+l.minGrouping
	for i, c := range intPart {
		b.WriteString(l.digits[c-'0'])
		left := len(intPart) - i - 1
		if !grouped || left == 0 || left < l.primary {
			continue
		}
		if left == l.primary || (left-l.primary)%l.secondary == 0 {
			b.WriteString(l.group)
		}
	}
	if frac != "" {
		b.WriteString(l.decimal)
		for _, c := range frac {
			b.WriteString(l.digits[c-'0'])
		}
	}
	return b.String()
}

// Round rounds an amount half-up to the currency minor unit.
// Amounts are expected to be non-negative where half-up and half-away-from-zero agree.
func Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(MinorUnits)
}

// Format renders amount in the currency's locale with its symbol, e.g. "$160.00".
// Negative amounts are prefixed with "-". Amounts of 10^18 or more fail with
// ErrAmountOutOfRange.
func Format(amount decimal.Decimal, c Currency) (string, error) {
	info, err := Lookup(c)
	if err != nil {
		return "", err
	}

	abs := Round(amount.Abs())
	if abs.GreaterThanOrEqual(maxAmount) {
		return "", fmt.Errorf("%w: %s", ErrAmountOutOfRange, amount)
	}
	digits := layoutFor(info.Locale).render(abs.StringFixed(MinorUnits))

	out := strings.Replace(info.Pattern, "#", digits, 1)
	out = strings.Replace(out, "¤", info.Symbol, 1)

	if Round(amount).IsNegative() {
		out = "-" + out
	}
	return out, nil
}

// MustFormat is Format for currencies already validated by the caller.
func MustFormat(amount decimal.Decimal, c Currency) string {
	s, err := Format(amount, c)
	if err != nil {
		panic(err)
	}
	return s
}
