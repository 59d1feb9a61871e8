package domain

// LookupKind names a reference taxonomy.
type LookupKind string

const (
	LookupGender        LookupKind = "gender"
	LookupQualification LookupKind = "qualification"
	LookupOccupation    LookupKind = "occupation"
)

// LookupEntry is one value of a reference taxonomy.
type LookupEntry struct {
	Kind LookupKind `json:"kind"`
	Code string     `json:"code"`
	Name string     `json:"name"`
}
