package vacancy

import (
	"strings"
)

// streetSuffixes are the tokens that usually terminate the street part of a
// situs line. Tax rolls store situs as one uppercase string with no commas,
// so the street/city boundary has to be inferred.
var streetSuffixes = map[string]bool{
	"ST": true, "AVE": true, "AV": true, "RD": true, "DR": true, "LN": true,
	"CT": true, "CIR": true, "BLVD": true, "WAY": true, "PL": true,
	"TRL": true, "HWY": true, "PKWY": true, "TER": true, "LOOP": true,
	"RUN": true, "XING": true, "SQ": true, "CV": true, "BND": true,
	"ALY": true, "ROW": true, "PT": true, "EXT": true,
}

// postDirectionals may trail a suffix ("MAIN ST N") and still belong to the
// street.
var postDirectionals = map[string]bool{
	"N": true, "S": true, "E": true, "W": true,
	"NE": true, "NW": true, "SE": true, "SW": true,
}

// Candidate is one parcel's address, resolved far enough to check. State is
// the address state for the postal lookup; ParcelState keys the writeback.
type Candidate struct {
	ParcelID    string
	County      string
	ParcelState string
	Street      string
	City        string
	State       string
	Zip         string
}

// SplitSitus breaks a one-line situs into street, city, and state. The
// state is the trailing two-letter token; the city is everything between
// the last street suffix (plus any post-directional) and the state. When no
// suffix is present the last pre-state token is taken as the city.
func SplitSitus(situs string) (street, city, state string) {
	tokens := strings.Fields(strings.ToUpper(strings.TrimSpace(situs)))
	if len(tokens) < 2 {
		return strings.Join(tokens, " "), "", ""
	}

	last := tokens[len(tokens)-1]
	if len(last) == 2 && !postDirectionals[last] && isAlpha(last) {
		state = last
		tokens = tokens[:len(tokens)-1]
	} else if len(last) == 2 && isAlpha(last) && len(tokens) >= 3 {
		// A trailing directional-looking token after a city name is almost
		// always the state ("... CHARLOTTE NC" vs "... MAIN ST W").
		prev := tokens[len(tokens)-2]
		if !streetSuffixes[prev] {
			state = last
			tokens = tokens[:len(tokens)-1]
		}
	}

	suffixIdx := -1
	for i, tok := range tokens {
		if streetSuffixes[tok] {
			suffixIdx = i
		}
	}
	if suffixIdx >= 0 {
		end := suffixIdx + 1
		if end < len(tokens) && postDirectionals[tokens[end]] && end+1 < len(tokens) {
			end++
		}
		street = strings.Join(tokens[:end], " ")
		city = strings.Join(tokens[end:], " ")
		return street, city, state
	}

	if len(tokens) >= 2 {
		street = strings.Join(tokens[:len(tokens)-1], " ")
		city = tokens[len(tokens)-1]
		return street, city, state
	}
	return strings.Join(tokens, " "), "", state
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return len(s) > 0
}

// suffixAliases folds common abbreviation variants before comparing the
// input street against the standardized one.
var suffixAliases = map[string]string{
	"STREET": "ST", "AVENUE": "AVE", "AV": "AVE", "ROAD": "RD",
	"DRIVE": "DR", "LANE": "LN", "COURT": "CT", "CIRCLE": "CIR",
	"BOULEVARD": "BLVD", "PLACE": "PL", "TRAIL": "TRL",
	"HIGHWAY": "HWY", "PARKWAY": "PKWY", "TERRACE": "TER",
}

func normalizeStreet(s string) []string {
	tokens := strings.Fields(strings.ToUpper(s))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.Trim(tok, ".,#")
		if alias, ok := suffixAliases[tok]; ok {
			tok = alias
		}
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// DetectMismatch reports whether the standardized address the carrier
// matched is materially different from the address asked about. House
// number or street name divergence counts; suffix and abbreviation
// differences do not. A mismatch caps vacancy confidence, it does not void
// the check.
func DetectMismatch(input, matched string) bool {
	if matched == "" {
		return false
	}
	in := normalizeStreet(input)
	out := normalizeStreet(matched)
	if len(in) == 0 || len(out) == 0 {
		return false
	}

	// House numbers must agree when both sides have one.
	if isNumeric(in[0]) && isNumeric(out[0]) && in[0] != out[0] {
		return true
	}

	inName := firstAlphaToken(in)
	outName := firstAlphaToken(out)
	if inName != "" && outName != "" && inName != outName {
		return true
	}
	return false
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func firstAlphaToken(tokens []string) string {
	for _, tok := range tokens {
		if !isNumeric(tok) && !postDirectionals[tok] {
			return tok
		}
	}
	return ""
}
