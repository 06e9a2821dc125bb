package mongo

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// ErrInvalidJSON is returned by JSONToValue for input that is not JSON.
var ErrInvalidJSON = errors.New("value is not valid JSON")

// jsonWrapperKey wraps non-document values so ExtJSON can carry them.
const jsonWrapperKey = "v"

// JSONToValue converts raw JSON into a BSON value. Objects become embedded
// documents, so their fields stay queryable.
func JSONToValue(raw json.RawMessage) (bson.RawValue, error) {
	wrapped := make([]byte, 0, len(raw)+8)
	wrapped = append(wrapped, `{"`+jsonWrapperKey+`":`...)
	wrapped = append(wrapped, raw...)
	wrapped = append(wrapped, '}')

	var doc bson.Raw
	if err := bson.UnmarshalExtJSON(wrapped, false, &doc); err != nil {
		return bson.RawValue{}, fmt.Errorf("%w: %w", ErrInvalidJSON, err)
	}

	value, err := doc.LookupErr(jsonWrapperKey)
	if err != nil {
		return bson.RawValue{}, fmt.Errorf("%w: %w", ErrInvalidJSON, err)
	}

	return value, nil
}

// ValueToJSON renders a BSON value as relaxed JSON. A missing value is "{}".
func ValueToJSON(value bson.RawValue) (json.RawMessage, error) {
	if value.Type == 0 {
		return json.RawMessage("{}"), nil
	}

	encoded, err := bson.MarshalExtJSON(bson.D{{Key: jsonWrapperKey, Value: value}}, false, false)
	if err != nil {
		return nil, fmt.Errorf("encode bson value: %w", err)
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &wrapper); err != nil {
		return nil, fmt.Errorf("decode bson value: %w", err)
	}

	return wrapper[jsonWrapperKey], nil
}
