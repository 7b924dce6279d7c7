package registry

import (
	"sort"
	"strings"

	"github.com/drfirst/go-claims/internal/money"
)

// Country carries display metadata for a jurisdiction's code systems.
// The registry never interprets these labels.
type Country struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Currency    money.Currency      `json:"currency"`
	CodeSystems map[CodeType]string `json:"codeSystems"`
}

var genericCodeSystems = map[CodeType]string{
	CodeTypeProcedure:      "LOCAL-PROC",
	CodeTypeDiagnosis:      "ICD-10",
	CodeTypePharmaceutical: "LOCAL-DRUG",
}

var countries = map[string]Country{
	"US": {Name: "United States", Currency: money.USD, CodeSystems: map[CodeType]string{
		CodeTypeProcedure: "CPT-4", CodeTypeDiagnosis: "ICD-10-CM", CodeTypePharmaceutical: "NDC"}},
	"CA": {Name: "Canada", Currency: money.CAD, CodeSystems: map[CodeType]string{
		CodeTypeProcedure: "CCI", CodeTypeDiagnosis: "ICD-10-CA", CodeTypePharmaceutical: "DIN"}},
	"GB": {Name: "United Kingdom", Currency: money.GBP, CodeSystems: map[CodeType]string{
		CodeTypeProcedure: "OPCS-4", CodeTypeDiagnosis: "ICD-10", CodeTypePharmaceutical: "dm+d"}},
	"DE": {Name: "Germany", Currency: money.EUR, CodeSystems: map[CodeType]string{
		CodeTypeProcedure: "OPS", CodeTypeDiagnosis: "ICD-10-GM", CodeTypePharmaceutical: "PZN"}},
	"AU": {Name: "Australia", Currency: money.AUD, CodeSystems: map[CodeType]string{
		CodeTypeProcedure: "MBS", CodeTypeDiagnosis: "ICD-10-AM", CodeTypePharmaceutical: "PBS"}},
	"IN": {Name: "India", Currency: money.INR, CodeSystems: map[CodeType]string{
		CodeTypeProcedure: "CPT-4", CodeTypeDiagnosis: "ICD-10", CodeTypePharmaceutical: "CDSCO"}},
	"NG": {Name: "Nigeria", Currency: money.NGN, CodeSystems: map[CodeType]string{
		CodeTypeProcedure: "NHIA", CodeTypeDiagnosis: "ICD-10", CodeTypePharmaceutical: "NAFDAC"}},
	"KE": {Name: "Kenya", Currency: money.KES, CodeSystems: map[CodeType]string{
		CodeTypeProcedure: "SHA", CodeTypeDiagnosis: "ICD-10", CodeTypePharmaceutical: "PPB"}},
	"ZA": {Name: "South Africa", Currency: money.ZAR, CodeSystems: map[CodeType]string{
		CodeTypeProcedure: "CCSA", CodeTypeDiagnosis: "ICD-10", CodeTypePharmaceutical: "NAPPI"}},
	"GH": {Name: "Ghana", Currency: money.GHS, CodeSystems: map[CodeType]string{
		CodeTypeProcedure: "NHIS", CodeTypeDiagnosis: "ICD-10", CodeTypePharmaceutical: "FDA-GH"}},
	"AE": {Name: "United Arab Emirates", Currency: money.AED, CodeSystems: map[CodeType]string{
		CodeTypeProcedure: "CPT-4", CodeTypeDiagnosis: "ICD-10-CM", CodeTypePharmaceutical: "DDC"}},
	"SA": {Name: "Saudi Arabia", Currency: money.SAR, CodeSystems: map[CodeType]string{
		CodeTypeProcedure: "ACHI", CodeTypeDiagnosis: "ICD-10-AM", CodeTypePharmaceutical: "SFDA"}},
	"BR": {Name: "Brazil", Currency: money.BRL, CodeSystems: map[CodeType]string{
		CodeTypeProcedure: "TUSS", CodeTypeDiagnosis: "CID-10", CodeTypePharmaceutical: "ANVISA"}},
	"MX": {Name: "Mexico", Currency: money.MXN, CodeSystems: map[CodeType]string{
		CodeTypeProcedure: "CIE-9-MC", CodeTypeDiagnosis: "CIE-10", CodeTypePharmaceutical: "COFEPRIS"}},
	"SG": {Name: "Singapore", Currency: money.SGD, CodeSystems: map[CodeType]string{
		CodeTypeProcedure: "TOSP", CodeTypeDiagnosis: "ICD-10-AM", CodeTypePharmaceutical: "HSA"}},
	"PH": {Name: "Philippines", Currency: money.PHP, CodeSystems: map[CodeType]string{
		CodeTypeProcedure: "RVS", CodeTypeDiagnosis: "ICD-10", CodeTypePharmaceutical: "PNDF"}},
}

func init() {
	for id, c := range countries {
		c.ID = id
		countries[id] = c
	}
}

// CountryFor returns metadata for a country. Unknown countries get generic
// labels and ok is false.
func CountryFor(id string) (Country, bool) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if c, ok := countries[id]; ok {
		return c, true
	}
	return Country{ID: id, Name: id, Currency: money.USD, CodeSystems: genericCodeSystems}, false
}

// Countries returns the built-in country table sorted by ID.
func Countries() []Country {
	out := make([]Country, 0, len(countries))
	for _, c := range countries {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CodeSystem returns the label a country uses for a code type.
func (c Country) CodeSystem(ct CodeType) string {
	if label, ok := c.CodeSystems[ct]; ok {
		return label
	}
	return genericCodeSystems[ct]
}
