package infotype

import "github.com/wolfman30/phi-deid-engine/internal/phi"

// Identifiers of the built-in catalog.
const (
	QuebecRAMQNumber    = "QUEBEC_RAMQ_NUMBER"
	QuebecDriverLicense = "QUEBEC_DRIVER_LICENSE"
	QuebecPostalCode    = "QUEBEC_POSTAL_CODE"
	CanadianSIN         = "CANADIAN_SIN"
	Date                = "DATE"
	EmailAddress        = "EMAIL_ADDRESS"
	PhoneNumber         = "PHONE_NUMBER"
	CreditCardNumber    = "CREDIT_CARD_NUMBER"
	MedicalRecordNumber = "MEDICAL_RECORD_NUMBER"
	ICD10Code           = "ICD10_CODE"
	PersonName          = "PERSON_NAME"
	IPAddress           = "IP_ADDRESS"
)

// DefaultTypes is the built-in Quebec clinical catalog.
func DefaultTypes() []InfoType {
	return []InfoType{
		{
			ID:              QuebecRAMQNumber,
			Category:        phi.CategoryQuebecIdentifier,
			Description:     "Quebec health insurance number (RAMQ / NAM)",
			Pattern:         `\b[A-Za-z]{4}[ -]?\d{4}[ -]?\d{4}(?:[ -]?\d{2})?\b`,
			Validator:       "ramq",
			BaseLikelihood:  phi.Possible,
			ValidLikelihood: phi.VeryLikely,
			ContextKeywords: []string{"ramq", "nam", "carte soleil", "assurance maladie", "health card"},
			BaseRiskWeight:  7.0,
			QuebecSpecific:  true,
			Jurisdiction:    phi.JurisdictionQuebec,
			Replacement:     "ZZZZ 0000 0000 00",
		},
		{
			ID:              QuebecDriverLicense,
			Category:        phi.CategoryQuebecIdentifier,
			Description:     "Quebec driver's licence number (SAAQ)",
			Pattern:         `\b[A-Z]\d{4}[ -]?\d{6}[ -]?\d{2}\b`,
			Validator:       "saaq",
			BaseLikelihood:  phi.Possible,
			ValidLikelihood: phi.Likely,
			ContextKeywords: []string{"saaq", "permis", "licence", "license"},
			BaseRiskWeight:  5.0,
			QuebecSpecific:  true,
			Jurisdiction:    phi.JurisdictionQuebec,
			Replacement:     "Z0000 000000 00",
		},
		{
			ID:              QuebecPostalCode,
			Category:        phi.CategoryContactInfo,
			Description:     "Postal code in a Quebec forward sortation area",
			Pattern:         `\b[GHJghj]\d[A-Za-z][ -]?\d[A-Za-z]\d\b`,
			Validator:       "quebec_postal",
			RequireValid:    true,
			BaseLikelihood:  phi.Possible,
			ValidLikelihood: phi.Likely,
			BaseRiskWeight:  1.0,
			QuebecSpecific:  true,
			Jurisdiction:    phi.JurisdictionQuebec,
			Replacement:     "H0H 0H0",
		},
		{
			ID:              CanadianSIN,
			Category:        phi.CategoryPersonalInfo,
			Description:     "Canadian social insurance number (NAS)",
			Pattern:         `\b\d{3}[ -]?\d{3}[ -]?\d{3}\b`,
			Validator:       "luhn",
			BaseLikelihood:  phi.Possible,
			ValidLikelihood: phi.VeryLikely,
			ContextKeywords: []string{"sin", "nas", "social insurance", "assurance sociale"},
			BaseRiskWeight:  6.0,
			Jurisdiction:    "canada",
			Replacement:     "000 000 000",
		},
		{
			ID:              Date,
			Category:        phi.CategoryPersonalInfo,
			Description:     "Calendar date",
			Pattern:         `\b(?:\d{4}[-/.]\d{2}[-/.]\d{2}|\d{2}[-/.]\d{2}[-/.]\d{4})\b`,
			Validator:       "date",
			RequireValid:    true,
			BaseLikelihood:  phi.Possible,
			ValidLikelihood: phi.Likely,
			BaseRiskWeight:  1.25,
			Replacement:     "1900-01-01",
		},
		{
			ID:              EmailAddress,
			Category:        phi.CategoryContactInfo,
			Description:     "Email address",
			Pattern:         `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`,
			Validator:       "email",
			BaseLikelihood:  phi.Likely,
			ValidLikelihood: phi.VeryLikely,
			BaseRiskWeight:  2.0,
			Replacement:     "patient@example.invalid",
		},
		{
			ID:              PhoneNumber,
			Category:        phi.CategoryContactInfo,
			Description:     "North American phone number",
			Pattern:         `(?:\+?1[ .-]?)?(?:\(\d{3}\)|\b\d{3})[ .-]?\d{3}[ .-]\d{4}\b`,
			Validator:       "nanp",
			BaseLikelihood:  phi.Possible,
			ValidLikelihood: phi.Likely,
			ContextKeywords: []string{"tel", "phone", "téléphone", "cell", "mobile"},
			BaseRiskWeight:  2.0,
			Replacement:     "(555) 010-0000",
		},
		{
			ID:              CreditCardNumber,
			Category:        phi.CategoryFinancialInfo,
			Description:     "Payment card number",
			Pattern:         `\b(?:\d[ -]?){12,18}\d\b`,
			Validator:       "luhn",
			RequireValid:    true,
			BaseLikelihood:  phi.Possible,
			ValidLikelihood: phi.VeryLikely,
			BaseRiskWeight:  5.0,
			Replacement:     "0000 0000 0000 0000",
		},
		{
			ID:              MedicalRecordNumber,
			Category:        phi.CategoryMedicalInfo,
			Description:     "Medical record / chart number introduced by a label",
			Pattern:         `(?i)\b(?:mrn|dossier|no de dossier|medical record(?: number)?)\s*(?:no\.?)?\s*[:#]?\s*([a-z0-9][a-z0-9-]{5,11})\b`,
			Group:           1,
			Validator:       "medical_record",
			RequireValid:    true,
			BaseLikelihood:  phi.Possible,
			ValidLikelihood: phi.Likely,
			BaseRiskWeight:  4.0,
			Replacement:     "MRN000000",
		},
		{
			ID:              ICD10Code,
			Category:        phi.CategoryMedicalInfo,
			Description:     "ICD-10 diagnosis code",
			Pattern:         `\b[A-TV-Z]\d{2}(?:\.\d{1,4})?\b`,
			Validator:       "icd10",
			BaseLikelihood:  phi.Unlikely,
			ValidLikelihood: phi.Unlikely,
			ContextKeywords: []string{"diagnosis", "diagnostic", "dx", "icd", "cim"},
			ContextBoost:    2,
			BaseRiskWeight:  3.0,
			Replacement:     "Z00.0",
		},
		{
			ID:              PersonName,
			Category:        phi.CategoryPersonalInfo,
			Description:     "Person name introduced by a title",
			Pattern:         `\b(?:Dre|Dr|Mme|Mlle|Mrs|Mr|Ms|M)\.?\s+([A-Z][a-zà-öø-ÿ'-]+(?:\s+[A-Z][a-zà-öø-ÿ'-]+)?)`,
			Group:           1,
			Validator:       "person_name",
			RequireValid:    true,
			BaseLikelihood:  phi.Possible,
			ValidLikelihood: phi.Likely,
			BaseRiskWeight:  2.5,
			Replacement:     "Jean Untel",
		},
		{
			ID:              IPAddress,
			Category:        phi.CategoryOther,
			Description:     "IPv4 address",
			Pattern:         `\b(?:\d{1,3}\.){3}\d{1,3}\b`,
			Validator:       "ipv4",
			RequireValid:    true,
			BaseLikelihood:  phi.Possible,
			ValidLikelihood: phi.Likely,
			BaseRiskWeight:  0.5,
			Replacement:     "192.0.2.0",
		},
	}
}

// Default returns version 1 of the built-in catalog.
func Default() *Registry {
	return MustRegistry(1, DefaultTypes())
}
