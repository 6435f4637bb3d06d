package domain

import (
	"bytes"
	"encoding/json"
)

// Optional distinguishes a field that was absent from a JSON payload from one
// that was present, including present-as-null.
type Optional[T any] struct {
	Value T
	Set   bool
	Null  bool
}

// Some returns a present, non-null optional.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Set: true}
}

// UnmarshalJSON marks the field present; JSON null is recorded rather than ignored.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		var zero T
		o.Value = zero
		o.Null = true
		return nil
	}
	o.Null = false
	return json.Unmarshal(data, &o.Value)
}

// MarshalJSON encodes absent and null optionals as null.
func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Set || o.Null {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// PatientUpdate is a sparse patch. Absent fields leave the stored value
// untouched; present fields replace it.
type PatientUpdate struct {
	Name      Optional[string]  `json:"name"`
	City      Optional[string]  `json:"city"`
	Age       Optional[int]     `json:"age"`
	Gender    Optional[Gender]  `json:"gender"`
	Height    Optional[float64] `json:"height"`
	Weight    Optional[float64] `json:"weight"`
	Diagnosis Optional[string]  `json:"diagnosis"`
}

// Validate checks the rules that apply to the patch itself. Patches accept a
// narrower gender set than creation and leave the age upper bound to the merged
// record.
func (u PatientUpdate) Validate() error {
	if present(u.Age) {
		if err := validateAge(u.Age.Value, false); err != nil {
			return err
		}
	}
	if present(u.Gender) {
		if err := validateGender(u.Gender.Value, updateGenders); err != nil {
			return err
		}
	}
	if present(u.Height) {
		if err := validatePositive("height", u.Height.Value); err != nil {
			return err
		}
	}
	if present(u.Weight) {
		if err := validatePositive("weight", u.Weight.Value); err != nil {
			return err
		}
	}
	return nil
}

// Empty reports whether the patch carries no fields at all.
func (u PatientUpdate) Empty() bool {
	return !u.Name.Set && !u.City.Set && !u.Age.Set && !u.Gender.Set &&
		!u.Height.Set && !u.Weight.Set && !u.Diagnosis.Set
}

// MergePatient overlays the patch onto the stored record and rebuilds a full
// patient, so bmi and verdict follow the final height and weight.
func MergePatient(id string, existing Record, patch PatientUpdate) (Patient, error) {
	if err := patch.Validate(); err != nil {
		return Patient{}, err
	}
	in := existing.Input()
	var err error
	if in.Name, err = overlay("name", in.Name, patch.Name); err != nil {
		return Patient{}, err
	}
	if in.City, err = overlay("city", in.City, patch.City); err != nil {
		return Patient{}, err
	}
	if in.Age, err = overlay("age", in.Age, patch.Age); err != nil {
		return Patient{}, err
	}
	if in.Gender, err = overlay("gender", in.Gender, patch.Gender); err != nil {
		return Patient{}, err
	}
	if in.Height, err = overlay("height", in.Height, patch.Height); err != nil {
		return Patient{}, err
	}
	if in.Weight, err = overlay("weight", in.Weight, patch.Weight); err != nil {
		return Patient{}, err
	}
	if in.Diagnosis, err = overlay("diagnosis", in.Diagnosis, patch.Diagnosis); err != nil {
		return Patient{}, err
	}
	return NewPatient(id, in)
}

func present[T any](o Optional[T]) bool {
	return o.Set && !o.Null
}

func overlay[T any](field string, current T, o Optional[T]) (T, error) {
	if !o.Set {
		return current, nil
	}
	if o.Null {
		return current, &ValidationError{Field: field, Rule: "must not be null"}
	}
	return o.Value, nil
}
