package util

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// UnmarshalValidated decodes JSON into a new T and validates it using the
// struct's validate tags.
func UnmarshalValidated[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	if err := validate.Struct(result); err != nil {
		return nil, err
	}
	return &result, nil
}
