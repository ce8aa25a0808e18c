package dto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/noah-isme/licensing-go-api/internal/models"
)

// Date is a calendar day encoded as YYYY-MM-DD.
type Date struct {
	time.Time
}

// NewDate truncates a timestamp to its day.
func NewDate(t time.Time) Date {
	return Date{Time: models.DateOf(t)}
}

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Format(models.DateLayout))
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("%w: date must be a YYYY-MM-DD string", models.ErrInvalidInput)
	}
	parsed, err := models.ParseDate(text)
	if err != nil {
		return fmt.Errorf("%w: invalid date %q", models.ErrInvalidInput, text)
	}
	d.Time = parsed
	return nil
}

func datePointer(d *Date) *time.Time {
	if d == nil {
		return nil
	}
	day := d.Time
	return &day
}
