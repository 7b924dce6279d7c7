// Package money formats monetary amounts for display and resolves currency symbols.
// The supported currency set is closed: every code maps to one locale and one symbol.
package money

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Currency is an ISO 4217 style currency code.
type Currency string

// ErrUnknownCurrency is returned for codes outside the supported table.
var ErrUnknownCurrency = errors.New("unknown currency")

// MinorUnits is the number of fractional digits used for every supported currency.
const MinorUnits = 2

// Major currencies
const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	JPY Currency = "JPY"
	CNY Currency = "CNY"
	CHF Currency = "CHF"
	CAD Currency = "CAD"
	AUD Currency = "AUD"
	NZD Currency = "NZD"
	SEK Currency = "SEK"
	NOK Currency = "NOK"
	DKK Currency = "DKK"
	PLN Currency = "PLN"
	CZK Currency = "CZK"
	HUF Currency = "HUF"
	RUB Currency = "RUB"
	TRY Currency = "TRY"
	ILS Currency = "ILS"
)

// African currencies
const (
	NGN Currency = "NGN"
	KES Currency = "KES"
	ZAR Currency = "ZAR"
	GHS Currency = "GHS"
	EGP Currency = "EGP"
	MAD Currency = "MAD"
	TZS Currency = "TZS"
	UGX Currency = "UGX"
	ETB Currency = "ETB"
	RWF Currency = "RWF"
	XOF Currency = "XOF"
	XAF Currency = "XAF"
	DZD Currency = "DZD"
	TND Currency = "TND"
	ZMW Currency = "ZMW"
	BWP Currency = "BWP"
	MUR Currency = "MUR"
	NAD Currency = "NAD"
	AOA Currency = "AOA"
	MZN Currency = "MZN"
	MWK Currency = "MWK"
	CDF Currency = "CDF"
)

// Middle-Eastern currencies
const (
	AED Currency = "AED"
	SAR Currency = "SAR"
	QAR Currency = "QAR"
	KWD Currency = "KWD"
	BHD Currency = "BHD"
	OMR Currency = "OMR"
	JOD Currency = "JOD"
	LBP Currency = "LBP"
	IQD Currency = "IQD"
	IRR Currency = "IRR"
)

// Latin American currencies
const (
	BRL Currency = "BRL"
	MXN Currency = "MXN"
	ARS Currency = "ARS"
	CLP Currency = "CLP"
	COP Currency = "COP"
	PEN Currency = "PEN"
	UYU Currency = "UYU"
	BOB Currency = "BOB"
	PYG Currency = "PYG"
	VES Currency = "VES"
	CRC Currency = "CRC"
	DOP Currency = "DOP"
	GTQ Currency = "GTQ"
	JMD Currency = "JMD"
	TTD Currency = "TTD"
)

// Asia-Pacific currencies
const (
	INR Currency = "INR"
	KRW Currency = "KRW"
	SGD Currency = "SGD"
	HKD Currency = "HKD"
	TWD Currency = "TWD"
	IDR Currency = "IDR"
	MYR Currency = "MYR"
	PHP Currency = "PHP"
	THB Currency = "THB"
	VND Currency = "VND"
	PKR Currency = "PKR"
	BDT Currency = "BDT"
	LKR Currency = "LKR"
	NPR Currency = "NPR"
	MMK Currency = "MMK"
	KHR Currency = "KHR"
	FJD Currency = "FJD"
	PGK Currency = "PGK"
)

// Info describes how a currency is displayed.
// Pattern places the symbol (¤) relative to the formatted number (#).
type Info struct {
	Code    Currency
	Name    string
	Symbol  string
	Locale  string
	Pattern string
}

const (
	prefix       = "¤#"
	prefixSpaced = "¤ #"
	suffixSpaced = "# ¤"
)

var table = map[Currency]Info{
	USD: {Name: "US Dollar", Symbol: "$", Locale: "en-US", Pattern: prefix},
	EUR: {Name: "Euro", Symbol: "€", Locale: "de-DE", Pattern: suffixSpaced},
	GBP: {Name: "Pound Sterling", Symbol: "£", Locale: "en-GB", Pattern: prefix},
	JPY: {Name: "Japanese Yen", Symbol: "¥", Locale: "ja-JP", Pattern: prefix},
	CNY: {Name: "Chinese Yuan", Symbol: "CN¥", Locale: "zh-CN", Pattern: prefix},
	CHF: {Name: "Swiss Franc", Symbol: "CHF", Locale: "de-CH", Pattern: prefixSpaced},
	CAD: {Name: "Canadian Dollar", Symbol: "CA$", Locale: "en-CA", Pattern: prefix},
	AUD: {Name: "Australian Dollar", Symbol: "A$", Locale: "en-AU", Pattern: prefix},
	NZD: {Name: "New Zealand Dollar", Symbol: "NZ$", Locale: "en-NZ", Pattern: prefix},
	SEK: {Name: "Swedish Krona", Symbol: "kr", Locale: "sv-SE", Pattern: suffixSpaced},
	NOK: {Name: "Norwegian Krone", Symbol: "kr", Locale: "nb-NO", Pattern: prefixSpaced},
	DKK: {Name: "Danish Krone", Symbol: "kr.", Locale: "da-DK", Pattern: suffixSpaced},
	PLN: {Name: "Polish Zloty", Symbol: "zł", Locale: "pl-PL", Pattern: suffixSpaced},
	CZK: {Name: "Czech Koruna", Symbol: "Kč", Locale: "cs-CZ", Pattern: suffixSpaced},
	HUF: {Name: "Hungarian Forint", Symbol: "Ft", Locale: "hu-HU", Pattern: suffixSpaced},
	RUB: {Name: "Russian Ruble", Symbol: "₽", Locale: "ru-RU", Pattern: suffixSpaced},
	TRY: {Name: "Turkish Lira", Symbol: "₺", Locale: "tr-TR", Pattern: prefix},
	ILS: {Name: "Israeli New Shekel", Symbol: "₪", Locale: "he-IL", Pattern: prefix},

	NGN: {Name: "Nigerian Naira", Symbol: "₦", Locale: "en-NG", Pattern: prefix},
	KES: {Name: "Kenyan Shilling", Symbol: "KSh", Locale: "en-KE", Pattern: prefixSpaced},
	ZAR: {Name: "South African Rand", Symbol: "R", Locale: "en-ZA", Pattern: prefixSpaced},
	GHS: {Name: "Ghanaian Cedi", Symbol: "GH₵", Locale: "en-GH", Pattern: prefix},
	EGP: {Name: "Egyptian Pound", Symbol: "E£", Locale: "en-EG", Pattern: prefix},
	MAD: {Name: "Moroccan Dirham", Symbol: "MAD", Locale: "fr-MA", Pattern: suffixSpaced},
	TZS: {Name: "Tanzanian Shilling", Symbol: "TSh", Locale: "en-TZ", Pattern: prefixSpaced},
	UGX: {Name: "Ugandan Shilling", Symbol: "USh", Locale: "en-UG", Pattern: prefixSpaced},
	ETB: {Name: "Ethiopian Birr", Symbol: "Br", Locale: "en-ET", Pattern: prefixSpaced},
	RWF: {Name: "Rwandan Franc", Symbol: "RF", Locale: "en-RW", Pattern: prefixSpaced},
	XOF: {Name: "West African CFA Franc", Symbol: "CFA", Locale: "fr-SN", Pattern: suffixSpaced},
	XAF: {Name: "Central African CFA Franc", Symbol: "FCFA", Locale: "fr-CM", Pattern: suffixSpaced},
	DZD: {Name: "Algerian Dinar", Symbol: "DA", Locale: "fr-DZ", Pattern: suffixSpaced},
	TND: {Name: "Tunisian Dinar", Symbol: "DT", Locale: "fr-TN", Pattern: suffixSpaced},
	ZMW: {Name: "Zambian Kwacha", Symbol: "ZK", Locale: "en-ZM", Pattern: prefix},
	BWP: {Name: "Botswana Pula", Symbol: "P", Locale: "en-BW", Pattern: prefix},
	MUR: {Name: "Mauritian Rupee", Symbol: "Rs", Locale: "en-MU", Pattern: prefixSpaced},
	NAD: {Name: "Namibian Dollar", Symbol: "N$", Locale: "en-NA", Pattern: prefix},
	AOA: {Name: "Angolan Kwanza", Symbol: "Kz", Locale: "pt-AO", Pattern: suffixSpaced},
	MZN: {Name: "Mozambican Metical", Symbol: "MTn", Locale: "pt-MZ", Pattern: suffixSpaced},
	MWK: {Name: "Malawian Kwacha", Symbol: "MK", Locale: "en-MW", Pattern: prefix},
	CDF: {Name: "Congolese Franc", Symbol: "FC", Locale: "fr-CD", Pattern: suffixSpaced},

	AED: {Name: "UAE Dirham", Symbol: "AED", Locale: "en-AE", Pattern: prefixSpaced},
	SAR: {Name: "Saudi Riyal", Symbol: "SAR", Locale: "en-SA", Pattern: prefixSpaced},
	QAR: {Name: "Qatari Riyal", Symbol: "QAR", Locale: "en-QA", Pattern: prefixSpaced},
	KWD: {Name: "Kuwaiti Dinar", Symbol: "KWD", Locale: "en-KW", Pattern: prefixSpaced},
	BHD: {Name: "Bahraini Dinar", Symbol: "BHD", Locale: "en-BH", Pattern: prefixSpaced},
	OMR: {Name: "Omani Rial", Symbol: "OMR", Locale: "en-OM", Pattern: prefixSpaced},
	JOD: {Name: "Jordanian Dinar", Symbol: "JOD", Locale: "en-JO", Pattern: prefixSpaced},
	LBP: {Name: "Lebanese Pound", Symbol: "L£", Locale: "en-LB", Pattern: prefix},
	IQD: {Name: "Iraqi Dinar", Symbol: "IQD", Locale: "en-IQ", Pattern: prefixSpaced},
	IRR: {Name: "Iranian Rial", Symbol: "IRR", Locale: "en-IR", Pattern: prefixSpaced},

	BRL: {Name: "Brazilian Real", Symbol: "R$", Locale: "pt-BR", Pattern: prefixSpaced},
	MXN: {Name: "Mexican Peso", Symbol: "MX$", Locale: "es-MX", Pattern: prefix},
	ARS: {Name: "Argentine Peso", Symbol: "AR$", Locale: "es-AR", Pattern: prefixSpaced},
	CLP: {Name: "Chilean Peso", Symbol: "CLP$", Locale: "es-CL", Pattern: prefix},
	COP: {Name: "Colombian Peso", Symbol: "COL$", Locale: "es-CO", Pattern: prefixSpaced},
	PEN: {Name: "Peruvian Sol", Symbol: "S/", Locale: "es-PE", Pattern: prefixSpaced},
	UYU: {Name: "Uruguayan Peso", Symbol: "$U", Locale: "es-UY", Pattern: prefixSpaced},
	BOB: {Name: "Bolivian Boliviano", Symbol: "Bs", Locale: "es-BO", Pattern: prefixSpaced},
	PYG: {Name: "Paraguayan Guarani", Symbol: "₲", Locale: "es-PY", Pattern: prefixSpaced},
	VES: {Name: "Venezuelan Bolivar", Symbol: "Bs.S", Locale: "es-VE", Pattern: prefixSpaced},
	CRC: {Name: "Costa Rican Colon", Symbol: "₡", Locale: "es-CR", Pattern: prefix},
	DOP: {Name: "Dominican Peso", Symbol: "RD$", Locale: "es-DO", Pattern: prefix},
	GTQ: {Name: "Guatemalan Quetzal", Symbol: "Q", Locale: "es-GT", Pattern: prefix},
	JMD: {Name: "Jamaican Dollar", Symbol: "J$", Locale: "en-JM", Pattern: prefix},
	TTD: {Name: "Trinidad and Tobago Dollar", Symbol: "TT$", Locale: "en-TT", Pattern: prefix},

	INR: {Name: "Indian Rupee", Symbol: "₹", Locale: "en-IN", Pattern: prefix},
	KRW: {Name: "South Korean Won", Symbol: "₩", Locale: "ko-KR", Pattern: prefix},
	SGD: {Name: "Singapore Dollar", Symbol: "S$", Locale: "en-SG", Pattern: prefix},
	HKD: {Name: "Hong Kong Dollar", Symbol: "HK$", Locale: "en-HK", Pattern: prefix},
	TWD: {Name: "New Taiwan Dollar", Symbol: "NT$", Locale: "zh-TW", Pattern: prefix},
	IDR: {Name: "Indonesian Rupiah", Symbol: "Rp", Locale: "id-ID", Pattern: prefixSpaced},
	MYR: {Name: "Malaysian Ringgit", Symbol: "RM", Locale: "ms-MY", Pattern: prefix},
	PHP: {Name: "Philippine Peso", Symbol: "₱", Locale: "en-PH", Pattern: prefix},
	THB: {Name: "Thai Baht", Symbol: "฿", Locale: "th-TH", Pattern: prefix},
	VND: {Name: "Vietnamese Dong", Symbol: "₫", Locale: "vi-VN", Pattern: suffixSpaced},
	PKR: {Name: "Pakistani Rupee", Symbol: "Rs", Locale: "en-PK", Pattern: prefixSpaced},
	BDT: {Name: "Bangladeshi Taka", Symbol: "৳", Locale: "en-BD", Pattern: prefix},
	LKR: {Name: "Sri Lankan Rupee", Symbol: "Rs", Locale: "en-LK", Pattern: prefixSpaced},
	NPR: {Name: "Nepalese Rupee", Symbol: "Rs", Locale: "en-NP", Pattern: prefixSpaced},
	MMK: {Name: "Myanmar Kyat", Symbol: "K", Locale: "en-MM", Pattern: prefix},
	KHR: {Name: "Cambodian Riel", Symbol: "៛", Locale: "en-KH", Pattern: prefix},
	FJD: {Name: "Fijian Dollar", Symbol: "FJ$", Locale: "en-FJ", Pattern: prefix},
	PGK: {Name: "Papua New Guinean Kina", Symbol: "K", Locale: "en-PG", Pattern: prefix},
}

func init() {
	for code, info := range table {
		info.Code = code
		table[code] = info
	}
}

// Parse normalizes a code and checks it against the supported table.
func Parse(code string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	if _, ok := table[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return c, nil
}

// Valid reports whether the currency is in the supported table.
func (c Currency) Valid() bool {
	_, ok := table[c]
	return ok
}

// Lookup returns display information for a currency.
func Lookup(c Currency) (Info, error) {
	info, ok := table[c]
	if !ok {
		return Info{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, string(c))
	}
	return info, nil
}

// SymbolFor returns the display symbol of a currency.
func SymbolFor(c Currency) (string, error) {
	info, err := Lookup(c)
	if err != nil {
		return "", err
	}
	return info.Symbol, nil
}

// Currencies returns every supported currency, sorted by code.
func Currencies() []Currency {
	out := make([]Currency, 0, len(table))
	for c := range table {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ResolvePreference turns a stored display preference into a currency.
// Missing or unsupported preferences fall back to USD; this is only for choosing
// how to display figures, never for interpreting a transaction's currency.
func ResolvePreference(stored string) Currency {
	c, err := Parse(stored)
	if err != nil {
		return USD
	}
	return c
}
