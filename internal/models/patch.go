package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// NullableInt distinguishes an omitted field from one explicitly set to null.
type NullableInt struct {
	Set   bool
	Value *int
}

// IntValue returns a present, non-null value.
func IntValue(value int) NullableInt {
	return NullableInt{Set: true, Value: &value}
}

// IntNull returns a present null value.
func IntNull() NullableInt {
	return NullableInt{Set: true}
}

// UnmarshalJSON marks the field as present and decodes null or a number.
func (n *NullableInt) UnmarshalJSON(data []byte) error {
	n.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		n.Value = nil
		return nil
	}
	var value int
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	n.Value = &value
	return nil
}

// LicensePatch is a partial license update. Only present fields are applied.
type LicensePatch struct {
	ManagerEID *string
	NofSeats   NullableInt
	ExtraSeats NullableInt
	ValidFrom  *time.Time
	ValidTo    *time.Time
}

// IsEmpty reports whether the patch carries no field at all.
func (p LicensePatch) IsEmpty() bool {
	return p.ManagerEID == nil && !p.NofSeats.Set && !p.ExtraSeats.Set && p.ValidFrom == nil && p.ValidTo == nil
}

// Normalized resolves explicit nulls: extra seats fall back to 0 and seat
// capacity falls back to unlimited. Absent fields stay absent.
func (p LicensePatch) Normalized() LicensePatch {
	if p.ExtraSeats.Set && p.ExtraSeats.Value == nil {
		p.ExtraSeats = IntValue(0)
	}
	if p.NofSeats.Set && p.NofSeats.Value == nil {
		p.NofSeats = IntValue(UnlimitedSeats)
	}
	return p
}

// Validate checks the present values against the license invariants.
func (p LicensePatch) Validate() error {
	if p.ManagerEID != nil && *p.ManagerEID == "" {
		return fmt.Errorf("%w: manager_eid must not be empty", ErrInvalidInput)
	}
	if p.NofSeats.Value != nil && *p.NofSeats.Value < UnlimitedSeats {
		return fmt.Errorf("%w: nof_seats must be -1 or positive", ErrInvalidInput)
	}
	if p.ExtraSeats.Value != nil && *p.ExtraSeats.Value < 0 {
		return fmt.Errorf("%w: extra_seats must not be negative", ErrInvalidInput)
	}
	return nil
}

// Changes lists the present fields keyed by their column name, as used
// for persistence and for the LicenseUpdated event payload.
func (p LicensePatch) Changes() map[string]any {
	changes := make(map[string]any, 5)
	if p.ManagerEID != nil {
		changes["manager_eid"] = *p.ManagerEID
	}
	if p.NofSeats.Set {
		changes["nof_seats"] = intOrNil(p.NofSeats.Value)
	}
	if p.ExtraSeats.Set {
		changes["extra_seats"] = intOrNil(p.ExtraSeats.Value)
	}
	if p.ValidFrom != nil {
		changes["valid_from"] = p.ValidFrom.Format(DateLayout)
	}
	if p.ValidTo != nil {
		changes["valid_to"] = p.ValidTo.Format(DateLayout)
	}
	return changes
}

func intOrNil(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}
