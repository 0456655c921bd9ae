package functions

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// maxBodyBytes caps publish request bodies at the Pub/Sub message size limit
const maxBodyBytes = 10 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// PublishMessageRequest is the body of publishMessage
type PublishMessageRequest struct {
	Message string `json:"message" validate:"required"`
	Topic   string `json:"topic"`
}

// PublishJSONRequest is the body of publishJson. Data may be any JSON
// value; null, false, 0 and "" count as missing.
type PublishJSONRequest struct {
	Data  interface{} `json:"data" validate:"required"`
	Topic string      `json:"topic"`
}

// PublishWithAttributesRequest is the body of publishWithAttributes
type PublishWithAttributesRequest struct {
	Message    string            `json:"message" validate:"required"`
	Topic      string            `json:"topic"`
	Attributes map[string]string `json:"attributes"`
}

// requestFields holds the top-level members of a JSON object body. A body
// that is not a JSON object yields no fields.
type requestFields map[string]json.RawMessage

// readFields reads the request body. Only a body that cannot be read, or one
// larger than maxBodyBytes, is an error.
func readFields(r *http.Request) (requestFields, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &PayloadTooLargeError{Limit: tooLarge.Limit}
		}
		return nil, &ValidationError{Field: "body", Reason: "could not be read"}
	}
	if len(body) > maxBodyBytes {
		return nil, &PayloadTooLargeError{Limit: maxBodyBytes}
	}

	var fields requestFields
	if err := json.Unmarshal(body, &fields); err != nil {
		return requestFields{}, nil
	}
	return fields, nil
}

// string reads a string member. Absent, null and non-string members are
// reported as empty.
func (f requestFields) string(name string) string {
	var s string
	if raw, ok := f[name]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

// value decodes any JSON member; absent yields nil
func (f requestFields) value(name string) interface{} {
	var v interface{}
	if raw, ok := f[name]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

// attributes decodes a string-to-string mapping member. Absent or null
// members yield an empty mapping.
func (f requestFields) attributes(name string) (map[string]string, error) {
	attrs := map[string]string{}
	raw, ok := f[name]
	if !ok || string(raw) == "null" {
		return attrs, nil
	}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, &ValidationError{Field: name, Reason: "must map strings to strings"}
	}
	return attrs, nil
}

// validateRequest runs the struct's validate tags and converts the first
// failure into a ValidationError
func validateRequest(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return &ValidationError{Field: fieldErrs[0].Field()}
	}
	return err
}
