package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/guregu/null/v6"
)

// Parameters are the global knobs of a batch. They are copied onto every run at fan-out and
// stored as JSON.
type Parameters struct {
	SystemPrompt string     `json:"system_prompt,omitempty"`
	Temperature  null.Float `json:"temperature"`
	MaxTokens    null.Int   `json:"max_tokens"`
	Criteria     string     `json:"criteria,omitempty"`
}

func (p Parameters) Value() (driver.Value, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (p *Parameters) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*p = Parameters{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into Parameters", src)
	}

	if len(data) == 0 {
		*p = Parameters{}
		return nil
	}
	return json.Unmarshal(data, p)
}
