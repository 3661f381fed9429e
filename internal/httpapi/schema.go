package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ChuLiYu/taskgate/internal/queue"
)

const submitSchemaURL = "taskgate://submit.json"

// submitSchema is the body of POST /tasks/{type}. Unknown fields are ignored.
const submitSchema = `{
  "type": "object",
  "required": ["payloadRef"],
  "properties": {
    "payloadRef":       {"type": "string", "minLength": 1},
    "params":           {"type": ["object", "null"]},
    "batchId":          {"type": ["string", "null"]},
    "batchMaxParallel": {"type": ["integer", "null"], "minimum": 1, "maximum": 8},
    "syncTimeoutMs":    {"type": ["integer", "null"], "minimum": 0},
    "callbackUrl":      {"type": ["string", "null"]}
  }
}`

// submitBody is the decoded submission body.
type submitBody struct {
	PayloadRef       string         `json:"payloadRef"`
	Params           map[string]any `json:"params"`
	BatchID          *string        `json:"batchId"`
	BatchMaxParallel *int           `json:"batchMaxParallel"`
	SyncTimeoutMs    *int64         `json:"syncTimeoutMs"`
	CallbackURL      *string        `json:"callbackUrl"`
}

func compileSubmitSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(submitSchemaURL, strings.NewReader(submitSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return c.Compile(submitSchemaURL)
}

// decodeSubmit validates raw against the schema and decodes it.
func decodeSubmit(schema *jsonschema.Schema, raw []byte) (submitBody, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return submitBody{}, &queue.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		return submitBody{}, schemaError(err)
	}

	var body submitBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return submitBody{}, &queue.ValidationError{Field: "body", Reason: err.Error()}
	}
	return body, nil
}

// schemaError reports the first leaf failure with the offending field.
func schemaError(err error) error {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return &queue.ValidationError{Field: "body", Reason: err.Error()}
	}
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	field := strings.TrimPrefix(verr.InstanceLocation, "/")
	if strings.HasSuffix(verr.KeywordLocation, "/required") {
		// "missing properties: 'payloadRef'"
		if parts := strings.Split(verr.Message, "'"); len(parts) >= 3 {
			field = parts[1]
		}
	}
	if field == "" {
		field = "body"
	}
	return &queue.ValidationError{Field: field, Reason: verr.Message}
}

// callbackAllowList accepts callback hosts equal to, or below, a listed
// domain. An empty list accepts any http(s) URL.
type callbackAllowList []string

func newCallbackAllowList(domains []string) callbackAllowList {
	out := make(callbackAllowList, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(d, ".")))
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

func (l callbackAllowList) check(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &queue.ValidationError{Field: "callbackUrl", Reason: "must be an absolute http(s) URL"}
	}
	if len(l) == 0 {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range l {
		if host == d || strings.HasSuffix(host, "."+d) {
			return nil
		}
	}
	return &queue.ValidationError{Field: "callbackUrl", Reason: "callbackUrl not allowed by whitelist"}
}
