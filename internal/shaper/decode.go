package shaper

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Decode converts a shaped value (entity, record, grouping, scalar or a slice
// of them) into T. Struct fields match property and field names case-insensitively,
// or the name in a `relquery` tag.
func Decode[T any](v any) (T, error) {
	var out T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		TagName:          "relquery",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(mapstructure.StringToTimeHookFunc("2006-01-02T15:04:05Z07:00")),
	})
	if err != nil {
		return out, err
	}
	if err := decoder.Decode(Plain(v)); err != nil {
		return out, fmt.Errorf("decode %T: %w", v, err)
	}
	return out, nil
}

// DecodeAll decodes every element of a result slice.
func DecodeAll[T any](values []any) ([]T, error) {
	out := make([]T, 0, len(values))
	for i, v := range values {
		t, err := Decode[T](v)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, t)
	}
	return out, nil
}
