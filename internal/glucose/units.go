// Package glucose holds glucose-specific conversion, statistics, upload
// parsing and persistence.
package glucose

import (
	"fmt"
	"math"
	"strings"
)

const (
	UnitMgDl   = "mg/dL"
	UnitMmolL  = "mmol/L"
	mmolFactor = 18.0182
)

// ToMgDl converts value from unit into mg/dL, rounded to one decimal for
// mmol/L input. mg/dL passes through unchanged.
func ToMgDl(value float64, unit string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "", "mg/dl", "mgdl", "mg_dl":
		return value, nil
	case "mmol/l", "mmol", "mmol_l":
		return round(value*mmolFactor, 1), nil
	}
	return 0, fmt.Errorf("unsupported glucose unit %q", unit)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
