package olx

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// District is a city district known to the marketplace.
type District struct {
	ID   string
	Name string
}

var krakowDistricts = []District{
	{ID: "255", Name: "Krowodrza"},
	{ID: "287", Name: "Nowa Huta"},
	{ID: "263", Name: "Podgórze"},
	{ID: "257", Name: "Zwierzyniec"},
	{ID: "261", Name: "Dębniki"},
	{ID: "273", Name: "Stare Miasto"},
}

// Districts returns the known districts sorted by name.
func Districts() []District {
	out := make([]District, len(krakowDistricts))
	copy(out, krakowDistricts)
	sort.Slice(out, func(i, j int) bool {
		return foldName(out[i].Name) < foldName(out[j].Name)
	})
	return out
}

// DistrictName returns the display name of a district id.
func DistrictName(id string) (string, bool) {
	for _, d := range krakowDistricts {
		if d.ID == id {
			return d.Name, true
		}
	}
	return "", false
}

// LookupDistrict finds a district by name, ignoring case and Polish diacritics.
func LookupDistrict(name string) (District, bool) {
	key := foldName(name)
	for _, d := range krakowDistricts {
		if foldName(d.Name) == key {
			return d, true
		}
	}
	return District{}, false
}

// ł has no decomposition, so it is mapped explicitly.
var polishLetters = strings.NewReplacer("ł", "l", "Ł", "L")

func foldName(s string) string {
	s = polishLetters.Replace(strings.TrimSpace(s))
	// Chained transformers keep state, so one is built per call.
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(stripMarks, s); err == nil {
		s = folded
	}
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
