package parser

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/aluiziolira/go-scrape-catalog/models"
)

var (
	digitsRe    = regexp.MustCompile(`\d+`)
	priceOnlyRe = regexp.MustCompile(`^[¥￥\d.]+$`)
)

// ValidateRecord ensures the worker captured the required fields.
func ValidateRecord(r *models.Record) error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if strings.TrimSpace(r.ItemName) == "" {
		return fmt.Errorf("record missing item name")
	}
	if strings.TrimSpace(r.Category) == "" {
		return fmt.Errorf("record missing category for %s", r.ItemName)
	}
	return nil
}

// NormalizePrice removes the currency symbol and surrounding whitespace.
func NormalizePrice(price string) string {
	price = strings.TrimSpace(price)
	price = strings.ReplaceAll(price, "¥", "")
	price = strings.ReplaceAll(price, "￥", "")
	return strings.TrimSpace(price)
}

// NormalizeSales rewrites a monthly sales label as "月售N", N defaulting to 0.
func NormalizeSales(text string) string {
	num := digitsRe.FindString(text)
	if num == "" {
		num = "0"
	}
	return "月售" + num
}

// CleanItemName strips marketing prefixes and leading noise before the first
// bracket or CJK character.
func CleanItemName(name string, prefixes []string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return name
	}
	for _, prefix := range prefixes {
		if prefix != "" && strings.Contains(name, prefix) {
			name = strings.TrimSpace(strings.ReplaceAll(name, prefix, ""))
		}
	}
	for i, r := range name {
		if r == '[' || r == '【' || unicode.Is(unicode.Han, r) {
			return name[i:]
		}
	}
	return name
}

// ItemFilter rejects texts that are labels, prices or promotions rather than item names.
type ItemFilter struct {
	MinRunes int
	MinCJK   int
	patterns []*regexp.Regexp
}

// NewItemFilter compiles the invalid-name patterns.
func NewItemFilter(minRunes, minCJK int, patterns []string) (*ItemFilter, error) {
	f := &ItemFilter{MinRunes: minRunes, MinCJK: minCJK}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile item filter %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Valid reports whether text looks like an item name.
func (f *ItemFilter) Valid(text string) bool {
	text = strings.TrimSpace(text)
	if f == nil {
		return text != ""
	}
	if utf8.RuneCountInString(text) < f.MinRunes {
		return false
	}
	if countHan(text) < f.MinCJK {
		return false
	}
	if priceOnlyRe.MatchString(text) {
		return false
	}
	for _, re := range f.patterns {
		if re.MatchString(text) {
			return false
		}
	}
	return true
}

func countHan(s string) int {
	n := 0
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			n++
		}
	}
	return n
}

// SanitizeFilename makes name safe to use as a file name component.
func SanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"<", "_", ">", "_", ":", "_", `"`, "_", "/", "_",
		`\`, "_", "|", "_", "?", "_", "*", "_",
	)
	name = replacer.Replace(name)
	name = strings.Trim(name, ". ")
	if utf8.RuneCountInString(name) > 100 {
		name = string([]rune(name)[:100])
	}
	if name == "" {
		return "unknown"
	}
	return name
}
