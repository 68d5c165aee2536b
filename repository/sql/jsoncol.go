package sql

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// jsonColumn marshals/unmarshals an arbitrary Go value to/from a JSON
// column, as a single type implementing both driver.Valuer and
// sql.Scanner since every use site here needs both directions.
type jsonColumn struct {
	v interface{}
}

func jsonCol(v interface{}) *jsonColumn { return &jsonColumn{v: v} }

func (j jsonColumn) Value() (driver.Value, error) {
	b, err := json.Marshal(j.v)
	if err != nil {
		return nil, fmt.Errorf("sql: marshal column: %w", err)
	}
	return b, nil
}

func (j *jsonColumn) Scan(src interface{}) error {
	if src == nil {
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		if s, ok := src.(string); ok {
			b = []byte(s)
		} else {
			return errors.New("sql: expected []byte for json column")
		}
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, j.v)
}
