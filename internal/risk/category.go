// Package risk gates pipeline execution on an external AML scoring service.
package risk

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxRisk is the highest score the scoring service assigns.
const MaxRisk uint8 = 10

// Category is the scoring service's classification label.
type Category string

const (
	CategoryNone Category = "None"
	CategoryTest Category = "Test"
)

// ErrMalformedReply is returned when a scoring reply cannot be decoded.
var ErrMalformedReply = errors.New("malformed risk reply")

// CategoryRisk is one scoring result.
// On the wire it is the tuple ["None", 2]; the object form
// {"category":"None","risk":2} is accepted as well.
type CategoryRisk struct {
	Category Category
	Risk     uint8
}

func (cr CategoryRisk) String() string {
	return fmt.Sprintf("%s/%d", cr.Category, cr.Risk)
}

func (cr CategoryRisk) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{string(cr.Category), cr.Risk})
}

func (cr *CategoryRisk) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("%w: empty", ErrMalformedReply)
	}

	var category string
	var risk int
	switch data[0] {
	case '[':
		var tuple []json.RawMessage
		if err := json.Unmarshal(data, &tuple); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedReply, err)
		}
		if len(tuple) != 2 {
			return fmt.Errorf("%w: tuple has %d elements", ErrMalformedReply, len(tuple))
		}
		if err := json.Unmarshal(tuple[0], &category); err != nil {
			return fmt.Errorf("%w: category: %v", ErrMalformedReply, err)
		}
		if err := json.Unmarshal(tuple[1], &risk); err != nil {
			return fmt.Errorf("%w: risk: %v", ErrMalformedReply, err)
		}
	case '{':
		var obj struct {
			Category *string `json:"category"`
			Risk     *int    `json:"risk"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedReply, err)
		}
		if obj.Category == nil || obj.Risk == nil {
			return fmt.Errorf("%w: missing category or risk", ErrMalformedReply)
		}
		category, risk = *obj.Category, *obj.Risk
	default:
		return fmt.Errorf("%w: unexpected %q", ErrMalformedReply, data[0])
	}

	if category == "" {
		return fmt.Errorf("%w: empty category", ErrMalformedReply)
	}
	if risk < 0 || risk > int(MaxRisk) {
		return fmt.Errorf("%w: risk %d out of range", ErrMalformedReply, risk)
	}

	cr.Category = Category(category)
	cr.Risk = uint8(risk)
	return nil
}
