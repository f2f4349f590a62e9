package scanning

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// matcher inspects a single line and reports whether it found a value
type matcher[T any] func(line string) (T, bool)

// firstMatch scans lines top to bottom and returns the value of the first
// matcher that succeeds on the earliest line
func firstMatch[T any](lines []string, matchers ...matcher[T]) (T, bool) {
	for _, line := range lines {
		for _, m := range matchers {
			if v, ok := m(line); ok {
				return v, true
			}
		}
	}
	var zero T
	return zero, false
}

// numberCapture matches a decimal number with either separator
const numberCapture = `(\d+[.,]\d+)`

// odometerCapture matches grouped thousands ("125.000") or a plain run of digits
const odometerCapture = `(\d{1,3}(?:[.,]\d{3})+|\d{1,6})\b`

var (
	platePattern = regexp.MustCompile(`(?i)\b([A-Z]{2}\s*\d{3}\s*[A-Z]{2})\b`)

	dayFirstPattern   = regexp.MustCompile(`\b(\d{1,2})[-/](\d{1,2})[-/](\d{4})\b`)
	yearFirstPattern  = regexp.MustCompile(`\b(\d{4})[-/](\d{1,2})[-/](\d{1,2})(?:\b|T)`)
	monthNamePattern  = regexp.MustCompile(`(?i)\b(\d{1,2})\s+(gen|feb|mar|apr|mag|giu|lug|ago|set|ott|nov|dic)[a-z]*\.?\s+(\d{4})\b`)
	italianMonthIndex = map[string]int{
		"gen": 1, "feb": 2, "mar": 3, "apr": 4, "mag": 5, "giu": 6,
		"lug": 7, "ago": 8, "set": 9, "ott": 10, "nov": 11, "dic": 12,
	}

	quantityPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:quantit[aà]|qta|litri|lt|vol)[.:\s]*` + numberCapture),
		regexp.MustCompile(`(?i)` + numberCapture + `\s*(?:l|lt|litri)\b`),
	}
	unitPricePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:\bp\.?\s?u\.?|\bprezzo[/\s]?unit[a-z]*|€\s?/\s?l(?:t|itro)?|\beur\s?/\s?l(?:t|itro)?)[.:\s]*(?:€\s*)?` + numberCapture),
		regexp.MustCompile(`(?i)` + numberCapture + `\s*€\s?/\s?l`),
	}
	totalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:totale|importo|euro|eur|tot)\b[.:\s]*(?:€\s*)?` + numberCapture),
		regexp.MustCompile(`€\s*` + numberCapture),
	}
	odometerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:odo|odometro|contachilometri)[.:\s]*` + odometerCapture),
		regexp.MustCompile(`(?i)\b(?:chilometri|kilometri|km)[.:\s]+` + odometerCapture),
		// an unlabelled number needs four digits or thousand groups
		regexp.MustCompile(`(?i)\b(\d{1,3}(?:[.,]\d{3})+|\d{4,6})\s*km\b`),
		regexp.MustCompile(`(?i)\bkm\s*(\d{4,6})\b`),
	}

	vendorBrandPattern = regexp.MustCompile(`(?i)\b(?:eni|ip|q8|agip|esso|tamoil|shell|total|repsol)\b`)

	fuelSynonyms = []struct {
		keyword string
		family  string
	}{
		{"gasolio", "diesel"},
		{"diesel", "diesel"},
		{"benzina", "benzina"},
		{"super", "benzina"},
		{"gpl", "gpl"},
	}
)

// minimumTotal is the smallest amount accepted as a receipt total
var minimumTotal = decimal.NewFromInt(5)

const (
	maxOdometer  = 999999
	vendorLines  = 5
	vendorMinLen = 5
	vendorMaxLen = 50
)

// ParseText extracts receipt fields from recognized text using line patterns.
// For every field the first line matching any of its patterns wins. It never fails,
// fields that are not found stay nil.
func ParseText(text string, fuelNames []string) ReceiptFields {
	lines := splitLines(text)

	var fields ReceiptFields
	if v, ok := firstMatch(lines, matchPlate); ok {
		fields.Targa = &v
	}
	if v, ok := firstMatch(lines, matchDayFirstDate, matchYearFirstDate, matchMonthNameDate); ok {
		fields.DataRifornimento = &v
	}
	if v, ok := firstMatch(lines, fuelKeywordMatcher(fuelNames)); ok {
		fields.TipoCarburante = &v
	}
	if v, ok := firstMatch(lines, numberMatchers(quantityPatterns, nil)...); ok {
		fields.Quantita = &v
	}
	if v, ok := firstMatch(lines, numberMatchers(unitPricePatterns, nil)...); ok {
		fields.PrezzoUnitario = &v
	}
	if v, ok := firstMatch(lines, numberMatchers(totalPatterns, aboveMinimumTotal)...); ok {
		fields.ImportoTotale = &v
	}
	if v, ok := firstMatch(lines, odometerMatchers()...); ok {
		fields.Chilometraggio = &v
	}
	// A brand anywhere in the heading beats an earlier generic line
	top := head(lines, vendorLines)
	if v, ok := firstMatch(top, matchVendorBrand); ok {
		fields.PuntoVendita = &v
	} else if v, ok := firstMatch(top, matchVendorHeading); ok {
		fields.PuntoVendita = &v
	}
	return fields
}

// NormalizeDate converts the supported date layouts to YYYY-MM-DD.
// It reports false when s holds no valid calendar date.
func NormalizeDate(s string) (string, bool) {
	for _, m := range []matcher[string]{matchYearFirstDate, matchDayFirstDate, matchMonthNameDate} {
		if v, ok := m(s); ok {
			return v, true
		}
	}
	return "", false
}

// Fold lower-cases s and strips diacritics so "Quantità" and "quantita" compare equal
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.TrimSpace(folded))
}

func splitLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func head(lines []string, n int) []string {
	if len(lines) > n {
		return lines[:n]
	}
	return lines
}

func matchPlate(line string) (string, bool) {
	m := platePattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return strings.ToUpper(strings.Join(strings.Fields(m[1]), "")), true
}

func matchDayFirstDate(line string) (string, bool) {
	m := dayFirstPattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return calendarDate(m[3], m[2], m[1])
}

func matchYearFirstDate(line string) (string, bool) {
	m := yearFirstPattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return calendarDate(m[1], m[2], m[3])
}

func matchMonthNameDate(line string) (string, bool) {
	m := monthNamePattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	month := italianMonthIndex[strings.ToLower(m[2])]
	return calendarDate(m[3], strconv.Itoa(month), m[1])
}

// calendarDate zero-pads the parts and rejects dates like 31-02
func calendarDate(year, month, day string) (string, bool) {
	y, err := strconv.Atoi(year)
	if err != nil {
		return "", false
	}
	mo, err := strconv.Atoi(month)
	if err != nil {
		return "", false
	}
	d, err := strconv.Atoi(day)
	if err != nil {
		return "", false
	}

	date := fmt.Sprintf("%04d-%02d-%02d", y, mo, d)
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return "", false
	}
	return date, true
}

// fuelKeywordMatcher looks for catalog names first, then for the generic fuel families
func fuelKeywordMatcher(fuelNames []string) matcher[string] {
	var keywords []string
	for _, name := range fuelNames {
		if k := Fold(name); k != "" {
			keywords = append(keywords, k)
		}
	}

	return func(line string) (string, bool) {
		folded := Fold(line)
		for _, k := range keywords {
			if strings.Contains(folded, k) {
				return k, true
			}
		}
		for _, s := range fuelSynonyms {
			if strings.Contains(folded, s.keyword) {
				return s.family, true
			}
		}
		return "", false
	}
}

func numberMatchers(patterns []*regexp.Regexp, accept func(decimal.Decimal) bool) []matcher[float64] {
	matchers := make([]matcher[float64], 0, len(patterns))
	for _, p := range patterns {
		matchers = append(matchers, func(line string) (float64, bool) {
			m := p.FindStringSubmatch(line)
			if m == nil {
				return 0, false
			}
			d, err := parseDecimal(m[1])
			if err != nil {
				return 0, false
			}
			if accept != nil && !accept(d) {
				return 0, false
			}
			return d.InexactFloat64(), true
		})
	}
	return matchers
}

func aboveMinimumTotal(d decimal.Decimal) bool {
	return d.GreaterThan(minimumTotal)
}

// parseDecimal reads a number written with a decimal comma or point
func parseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.ReplaceAll(s, ",", "."))
}

func odometerMatchers() []matcher[float64] {
	matchers := make([]matcher[float64], 0, len(odometerPatterns))
	for _, p := range odometerPatterns {
		matchers = append(matchers, func(line string) (float64, bool) {
			m := p.FindStringSubmatch(line)
			if m == nil {
				return 0, false
			}
			digits := strings.NewReplacer(".", "", ",", "").Replace(m[1])
			km, err := strconv.Atoi(digits)
			if err != nil || km < 0 || km > maxOdometer {
				return 0, false
			}
			return float64(km), true
		})
	}
	return matchers
}

func matchVendorBrand(line string) (string, bool) {
	if vendorBrandPattern.MatchString(line) {
		return line, true
	}
	return "", false
}

// matchVendorHeading accepts a heading-like line: capitalised and of reasonable length
func matchVendorHeading(line string) (string, bool) {
	n := utf8.RuneCountInString(line)
	if n <= vendorMinLen || n >= vendorMaxLen {
		return "", false
	}
	first, _ := utf8.DecodeRuneInString(line)
	if !unicode.IsUpper(first) {
		return "", false
	}
	return line, true
}
