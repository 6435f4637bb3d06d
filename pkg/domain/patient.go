// Package domain defines the patient record model, its derived health metrics,
// the partial-update payload, and the persistence contract shared by every
// snapshot store driver.
package domain

import (
	"math"
	"strconv"
	"strings"
)

// Gender enumerates the accepted gender values.
type Gender string

// Gender values. GenderOthers is only accepted when a record is created.
const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
	GenderOthers Gender = "others"
)

// Verdict is the health bucket derived from a BMI value.
type Verdict string

// Verdict buckets. The 25-30 overweight band reports Normal.
const (
	VerdictUnderweight Verdict = "Underweight"
	VerdictNormal      Verdict = "Normal"
	VerdictObese       Verdict = "Obese"
)

const (
	underweightBelow = 18.5
	obeseFrom        = 30.0
	minAgeExclusive  = 0
	maxAgeExclusive  = 120
)

// Record is a patient as it is stored in a snapshot: every field except the id,
// which is the snapshot key.
type Record struct {
	Name      string  `json:"name"`
	City      string  `json:"city"`
	Age       int     `json:"age"`
	Gender    Gender  `json:"gender"`
	Height    float64 `json:"height"`
	Weight    float64 `json:"weight"`
	Diagnosis string  `json:"diagnosis"`
	BMI       float64 `json:"bmi"`
	Verdict   Verdict `json:"verdict"`
}

// Patient is a record together with its identifier.
type Patient struct {
	ID string `json:"id"`
	Record
}

// PatientInput carries the caller-supplied fields of a patient. Derived fields
// are never part of the input.
type PatientInput struct {
	Name      string
	City      string
	Age       int
	Gender    Gender
	Height    float64
	Weight    float64
	Diagnosis string
}

// NewPatient validates the input and returns a patient with bmi and verdict
// computed from height and weight.
func NewPatient(id string, in PatientInput) (Patient, error) {
	if strings.TrimSpace(id) == "" {
		return Patient{}, &ValidationError{Field: "id", Rule: "must not be empty"}
	}
	// Ids are single path segments in /patient/{id}, /edit/{id} and /delete/{id}.
	if strings.Contains(id, "/") {
		return Patient{}, &ValidationError{Field: "id", Rule: "must not contain '/'"}
	}
	if err := validateAge(in.Age, true); err != nil {
		return Patient{}, err
	}
	if err := validateGender(in.Gender, createGenders); err != nil {
		return Patient{}, err
	}
	if err := validatePositive("height", in.Height); err != nil {
		return Patient{}, err
	}
	if err := validatePositive("weight", in.Weight); err != nil {
		return Patient{}, err
	}
	bmi := ComputeBMI(in.Height, in.Weight)
	return Patient{
		ID: id,
		Record: Record{
			Name:      in.Name,
			City:      in.City,
			Age:       in.Age,
			Gender:    in.Gender,
			Height:    in.Height,
			Weight:    in.Weight,
			Diagnosis: in.Diagnosis,
			BMI:       bmi,
			Verdict:   VerdictFor(bmi),
		},
	}, nil
}

// ComputeBMI returns weight / height² rounded to two decimal places. Rounding
// is applied to the exact binary value with ties to even.
func ComputeBMI(height, weight float64) float64 {
	raw := weight / (height * height)
	rounded, err := strconv.ParseFloat(strconv.FormatFloat(raw, 'f', 2, 64), 64)
	if err != nil {
		return raw
	}
	return rounded
}

// VerdictFor maps a BMI value onto its verdict bucket.
func VerdictFor(bmi float64) Verdict {
	switch {
	case bmi < underweightBelow:
		return VerdictUnderweight
	case bmi < obeseFrom:
		return VerdictNormal
	default:
		return VerdictObese
	}
}

// Input returns the caller-supplied fields of the record.
func (r Record) Input() PatientInput {
	return PatientInput{
		Name:      r.Name,
		City:      r.City,
		Age:       r.Age,
		Gender:    r.Gender,
		Height:    r.Height,
		Weight:    r.Weight,
		Diagnosis: r.Diagnosis,
	}
}

// WithID attaches an identifier to a stored record.
func (r Record) WithID(id string) Patient {
	return Patient{ID: id, Record: r}
}

var (
	createGenders = []Gender{GenderMale, GenderFemale, GenderOthers}
	updateGenders = []Gender{GenderMale, GenderFemale}
)

func validateAge(age int, bounded bool) error {
	if age <= minAgeExclusive {
		return &ValidationError{Field: "age", Rule: "must be greater than 0"}
	}
	if bounded && age >= maxAgeExclusive {
		return &ValidationError{Field: "age", Rule: "must be less than 120"}
	}
	return nil
}

func validateGender(g Gender, allowed []Gender) error {
	for _, candidate := range allowed {
		if g == candidate {
			return nil
		}
	}
	names := make([]string, len(allowed))
	for i, candidate := range allowed {
		names[i] = string(candidate)
	}
	return &ValidationError{Field: "gender", Rule: "must be one of " + strings.Join(names, ", ")}
}

func validatePositive(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return &ValidationError{Field: field, Rule: "must be greater than 0"}
	}
	return nil
}
