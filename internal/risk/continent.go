package risk

import (
	"regexp"
	"strings"
)

// Continent names as reported in ResolvedLocation.Continent
const (
	ContinentAfrica       = "Africa"
	ContinentAntarctica   = "Antarctica"
	ContinentAsia         = "Asia"
	ContinentEurope       = "Europe"
	ContinentNorthAmerica = "North America"
	ContinentOceania      = "Oceania"
	ContinentSouthAmerica = "South America"
	ContinentUnknown      = "Unknown"
)

var continentByCode = map[string]string{
	"US": ContinentNorthAmerica, "CA": ContinentNorthAmerica, "MX": ContinentNorthAmerica,
	"BR": ContinentSouthAmerica, "AR": ContinentSouthAmerica, "CO": ContinentSouthAmerica, "CL": ContinentSouthAmerica,
	"GB": ContinentEurope, "DE": ContinentEurope, "FR": ContinentEurope, "IT": ContinentEurope,
	"ES": ContinentEurope, "NL": ContinentEurope, "SE": ContinentEurope, "PL": ContinentEurope,
	"RU": ContinentEurope, "UA": ContinentEurope, "CH": ContinentEurope, "IE": ContinentEurope,
	"CN": ContinentAsia, "JP": ContinentAsia, "IN": ContinentAsia, "KR": ContinentAsia,
	"SG": ContinentAsia, "ID": ContinentAsia, "TR": ContinentAsia, "IL": ContinentAsia,
	"AE": ContinentAsia, "HK": ContinentAsia, "VN": ContinentAsia,
	"AU": ContinentOceania, "NZ": ContinentOceania,
	"ZA": ContinentAfrica, "NG": ContinentAfrica, "EG": ContinentAfrica, "KE": ContinentAfrica,
}

// Remaining ISO 3166-1 alpha-2 codes grouped by continent
var continentGroups = []struct {
	re        *regexp.Regexp
	continent string
}{
	{regexp.MustCompile(`^(A[DLTX]|B[AEGY]|C[YZ]|D[K]|E[E]|F[IO]|G[GIR]|H[RU]|I[MST]|JE|L[ITUV]|M[CDEKT]|NO|P[T]|R[OS]|S[IJKM]|VA|XK)$`), ContinentEurope},
	{regexp.MustCompile(`^(A[FMZ]|B[DHNT]|CC|CX|G[E]|IO|I[QR]|JO|K[GHPWZ]|L[AKB]|M[MNOVY]|NP|OM|P[HKS]|QA|SA|SY|T[HJLMW]|UZ|YE)$`), ContinentAsia},
	{regexp.MustCompile(`^(A[GIW]|B[BLMQSZ]|C[RUW]|D[MO]|G[DLPT]|H[NT]|JM|K[NY]|L[C]|M[FQS]|NI|P[AMR]|S[VX]|T[CT]|V[CGI])$`), ContinentNorthAmerica},
	{regexp.MustCompile(`^(BO|EC|FK|G[FY]|P[EY]|SR|UY|VE)$`), ContinentSouthAmerica},
	{regexp.MustCompile(`^(A[O]|B[FIJW]|C[DFGIMV]|DJ|DZ|E[HRT]|G[AHMNQW]|KM|L[RSY]|M[AGLRUWZ]|N[AEG]|R[EW]|S[CDHLNOST]|SZ|T[DGNZ]|U[G]|YT|Z[MW])$`), ContinentAfrica},
	{regexp.MustCompile(`^(AS|C[K]|F[JM]|GU|KI|M[HP]|N[CFRU]|P[FGNW]|S[B]|T[KOV]|UM|VU|W[FS])$`), ContinentOceania},
	{regexp.MustCompile(`^(AQ|BV|GS|HM|TF)$`), ContinentAntarctica},
}

// ContinentFor maps an ISO country code to a continent name. Common codes are
// looked up directly; the rest fall through to regex groups. Codes that match
// nothing yield ContinentUnknown.
func ContinentFor(countryCode string) string {
	code := strings.ToUpper(strings.TrimSpace(countryCode))
	if code == "" {
		return ContinentUnknown
	}
	if c, ok := continentByCode[code]; ok {
		return c
	}
	for _, g := range continentGroups {
		if g.re.MatchString(code) {
			return g.continent
		}
	}
	return ContinentUnknown
}
