package scanning

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// pricePattern matches an optional currency symbol, digits, a decimal point
// and exactly two digits not followed by a third. Group 1 is the price; a
// trailing tax flag such as the A in "3.99A" is left outside it.
var pricePattern = regexp.MustCompile(`(\p{Sc}?\d+\.\d{2})(?:\D|$)`)

// ErrInvalidPrice is returned when price text cannot be converted to cents
var ErrInvalidPrice = errors.New("invalid price")

// LineItem is one purchase candidate read from a receipt
type LineItem struct {
	Name      string `json:"name"`
	PriceText string `json:"price_text"`
}

// ParseResult is the ordered list of line items found in a transcript
type ParseResult struct {
	Items []LineItem `json:"items"`
}

// Empty reports whether no price-bearing lines were found.
// An empty result is a valid outcome, not a failure.
func (r ParseResult) Empty() bool {
	return len(r.Items) == 0
}

// ParseLineItems segments raw OCR text into line items.
//
// Every line carrying a price starts a new item named after the rest of the
// line. Lines without a price are appended to the open item. Before the first
// item, price-less lines are held as a pending description and prefixed to
// the first priced line; a blank line or a price-less line containing a digit
// (addresses, dates, phone numbers) drops the pending description. A line
// without a price never becomes an item.
func ParseLineItems(rawText string) ParseResult {
	result := ParseResult{Items: []LineItem{}}

	var (
		open    *LineItem
		pending []string
	)

	lines := strings.Split(strings.ReplaceAll(rawText, "\r\n", "\n"), "\n")
	for _, line := range lines {
		if m := pricePattern.FindStringSubmatchIndex(line); m != nil {
			loc := m[2:4]
			if open != nil {
				result.Items = append(result.Items, *open)
			}
			name := strings.TrimSpace(line[:loc[0]] + line[loc[1]:])
			if len(pending) > 0 {
				name = strings.TrimSpace(strings.Join(pending, " ") + " " + name)
				pending = nil
			}
			open = &LineItem{
				Name:      name,
				PriceText: line[loc[0]:loc[1]],
			}
			continue
		}

		text := strings.TrimSpace(line)
		switch {
		case text == "":
			pending = nil
		case open != nil:
			open.Name = strings.TrimSpace(open.Name + " " + text)
		case strings.IndexFunc(text, unicode.IsDigit) >= 0:
			pending = nil
		default:
			pending = append(pending, text)
		}
	}

	if open != nil {
		result.Items = append(result.Items, *open)
	}
	return result
}

// PriceCents converts matched price text such as "$4.99" to cents
func PriceCents(priceText string) (int, error) {
	s := strings.TrimSpace(priceText)
	s = strings.TrimLeftFunc(s, func(r rune) bool {
		return unicode.Is(unicode.Sc, r) || unicode.IsSpace(r)
	})

	intPart, fracPart, ok := strings.Cut(s, ".")
	if !ok || intPart == "" || len(fracPart) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPrice, priceText)
	}
	for _, r := range intPart + fracPart {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidPrice, priceText)
		}
	}

	// Prevent overflow when multiplying by 100
	const maxDollars = (1<<31 - 1) / 100
	dollars, err := strconv.Atoi(intPart)
	if err != nil || dollars > maxDollars {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPrice, priceText)
	}
	cents, _ := strconv.Atoi(fracPart)
	return dollars*100 + cents, nil
}
