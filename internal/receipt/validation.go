package receipt

import (
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/fuel-receipts/internal/scanning"
)

// Plausibility bands for Italian fuel receipts
var (
	arithmeticTolerance = decimal.RequireFromString("0.05")
	minUnitPrice        = decimal.RequireFromString("0.50")
	maxUnitPrice        = decimal.RequireFromString("4.00")
)

const (
	minQuantity   = 1.0
	maxQuantity   = 150.0
	minTotal      = 5.0
	maxTotal      = 400.0
	maxOdometer   = 999999.0
	requiredCount = 7
	// completenessFloor is the share of required fields below which confidence drops
	completenessFloor = 70.0
)

var plateFormat = regexp.MustCompile(`^[A-Z]{2}\d{3}[A-Z]{2}$`)

// Correction replaces a field value. A nil Value clears the field.
type Correction struct {
	Value *float64
}

// Corrections is a sparse overlay on ReceiptFields
type Corrections struct {
	Chilometraggio *Correction
}

// ValidationOutcome is the result of Validate
type ValidationOutcome struct {
	Confidence  int
	Warnings    []string
	Corrections Corrections
}

// Apply returns fields with the corrections applied
func (o ValidationOutcome) Apply(fields scanning.ReceiptFields) scanning.ReceiptFields {
	if c := o.Corrections.Chilometraggio; c != nil {
		fields.Chilometraggio = c.Value
	}
	return fields
}

// validation accumulates warnings and penalties
type validation struct {
	penalty  float64
	warnings []string
}

func (v *validation) warn(penalty float64, format string, args ...any) {
	v.penalty += penalty
	v.warnings = append(v.warnings, fmt.Sprintf(format, args...))
}

// Validate runs the cross-field and range checks and scores the field set.
// Every check sees the fields as extracted, corrections are only proposed.
func Validate(fields scanning.ReceiptFields, now time.Time) ValidationOutcome {
	v := &validation{warnings: []string{}}
	var out ValidationOutcome

	checkArithmetic(v, fields)
	checkUnitPrice(v, fields)
	checkQuantity(v, fields)
	checkTotal(v, fields)
	checkDate(v, fields, now)
	checkPlate(v, fields)
	out.Corrections.Chilometraggio = checkOdometer(v, fields)
	checkCompleteness(v, fields)

	out.Confidence = int(math.Round(math.Max(0, math.Min(100, 100-v.penalty))))
	out.Warnings = v.warnings
	return out
}

func checkArithmetic(v *validation, f scanning.ReceiptFields) {
	if f.Quantita == nil || f.PrezzoUnitario == nil || f.ImportoTotale == nil {
		return
	}
	computed := decimal.NewFromFloat(*f.Quantita).Mul(decimal.NewFromFloat(*f.PrezzoUnitario))
	total := decimal.NewFromFloat(*f.ImportoTotale)

	if total.IsZero() {
		if !computed.IsZero() {
			v.warn(20, "total is 0.00 but quantity x unit price is %s", computed.StringFixed(2))
		}
		return
	}
	deviation := computed.Sub(total).Abs().Div(total.Abs())
	if deviation.GreaterThan(arithmeticTolerance) {
		v.warn(20, "quantity x unit price (%s) does not match the total (%s)", computed.StringFixed(2), total.StringFixed(2))
	}
}

func checkUnitPrice(v *validation, f scanning.ReceiptFields) {
	if f.PrezzoUnitario == nil {
		return
	}
	price := decimal.NewFromFloat(*f.PrezzoUnitario)
	if price.LessThan(minUnitPrice) || price.GreaterThan(maxUnitPrice) {
		v.warn(15, "unit price %s EUR/L is outside the expected range (%s-%s)", price.String(), minUnitPrice.StringFixed(2), maxUnitPrice.StringFixed(2))
	}
}

func checkQuantity(v *validation, f scanning.ReceiptFields) {
	if f.Quantita == nil {
		return
	}
	switch q := *f.Quantita; {
	case q < minQuantity:
		v.warn(15, "quantity %.2f L is unusually low", q)
	case q > maxQuantity:
		v.warn(10, "quantity %.2f L is unusually high", q)
	}
}

func checkTotal(v *validation, f scanning.ReceiptFields) {
	if f.ImportoTotale == nil {
		return
	}
	switch t := *f.ImportoTotale; {
	case t < minTotal:
		v.warn(10, "total %.2f EUR is unusually low", t)
	case t > maxTotal:
		v.warn(5, "total %.2f EUR is unusually high", t)
	}
}

func checkDate(v *validation, f scanning.ReceiptFields, now time.Time) {
	if f.DataRifornimento == nil {
		return
	}
	date, err := time.Parse(time.DateOnly, *f.DataRifornimento)
	if err != nil {
		return
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch {
	case date.After(today):
		v.warn(25, "refuelling date %s is in the future", *f.DataRifornimento)
	case date.Before(today.AddDate(-1, 0, 0)):
		v.warn(10, "refuelling date %s is more than a year old", *f.DataRifornimento)
	}
}

func checkPlate(v *validation, f scanning.ReceiptFields) {
	if f.Targa == nil {
		return
	}
	if !plateFormat.MatchString(*f.Targa) {
		v.warn(10, "plate %q does not match the Italian format (AB123CD)", *f.Targa)
	}
}

// checkOdometer returns the proposed correction, if any. A negative reading is
// cleared, a fractional one is rounded.
func checkOdometer(v *validation, f scanning.ReceiptFields) *Correction {
	if f.Chilometraggio == nil {
		return nil
	}
	km := *f.Chilometraggio

	var correction *Correction
	if km > maxOdometer {
		v.warn(5, "odometer reading %.0f km is unusually high", km)
	}
	if km != math.Trunc(km) {
		v.warn(5, "odometer reading %g km is not a whole number, rounded", km)
		rounded := math.Round(km)
		correction = &Correction{Value: &rounded}
	}
	if km < 0 {
		v.warn(15, "odometer reading %g km is negative, cleared", km)
		correction = &Correction{Value: nil}
	}
	return correction
}

func checkCompleteness(v *validation, f scanning.ReceiptFields) {
	filled := 0
	for _, present := range []bool{
		f.Targa != nil,
		f.PuntoVendita != nil,
		f.DataRifornimento != nil,
		f.TipoCarburante != nil,
		f.Quantita != nil,
		f.PrezzoUnitario != nil,
		f.ImportoTotale != nil,
	} {
		if present {
			filled++
		}
	}

	completeness := float64(filled) / requiredCount * 100
	if completeness < completenessFloor {
		v.warn((100-completeness)/2, "only %d/%d fields detected (%.0f%%)", filled, requiredCount, completeness)
	}
}
