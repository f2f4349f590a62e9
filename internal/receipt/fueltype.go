package receipt

import (
	"log/slog"
	"strings"

	"github.com/zombor/fuel-receipts/internal/scanning"
)

// fuelVariations lists OCR-observed variants for each canonical name
var fuelVariations = map[string][]string{
	"diesel":          {"gasolio", "gas-oil", "gasoil", "gpl diesel", "diesel+"},
	"benzina":         {"super", "unleaded", "senza piombo", "verde", "b10"},
	"gpl":             {"gas", "lpg", "autogpl"},
	"metano":          {"cng", "gas naturale", "gnc"},
	"adblue":          {"ad blue", "def", "urea"},
	"benzina premium": {"v-power", "excellium", "premium unleaded", "100 ottani"},
	"diesel premium":  {"v-power diesel", "excellium diesel", "premium diesel"},
	"elettrico":       {"electric", "ev", "ricarica"},
}

// MatchFuelType maps a detected fuel type onto a catalog name.
// Exact matches win, then containment in either direction, then the variations
// dictionary. Unmatched input is returned unchanged and needs manual correction.
func MatchFuelType(detected *string, catalog []FuelType) *string {
	if detected == nil || len(catalog) == 0 {
		return nil
	}
	needle := scanning.Fold(*detected)
	if needle == "" {
		return detected
	}

	for _, ft := range catalog {
		if scanning.Fold(ft.Name) == needle {
			return &ft.Name
		}
	}

	for _, ft := range catalog {
		name := scanning.Fold(ft.Name)
		if name != "" && (strings.Contains(name, needle) || strings.Contains(needle, name)) {
			return &ft.Name
		}
	}

	for _, ft := range catalog {
		for _, variant := range fuelVariations[scanning.Fold(ft.Name)] {
			if containsWords(needle, variant) {
				return &ft.Name
			}
		}
	}

	slog.Warn("Fuel type not in catalog", "detected", *detected)
	return detected
}

// containsWords reports whether phrase appears in s on word boundaries
func containsWords(s, phrase string) bool {
	return strings.Contains(" "+strings.Join(strings.Fields(s), " ")+" ", " "+phrase+" ")
}
