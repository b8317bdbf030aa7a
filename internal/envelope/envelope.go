// Package envelope defines the typed job contract exchanged
// with validator containers. Parsing is strict: unknown
// fields fail, forward compatibility rides on the schema
// version, never on permissive decoding.
package envelope

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/verdex-cloud/verdex/internal/verr"
)

const (
	// InputSchemaVersion identifies the input envelope wire format.
	InputSchemaVersion = "verdex.input.v1"
	// OutputSchemaVersion identifies the result envelope wire format.
	OutputSchemaVersion = "verdex.result.v1"
)

// ItemKind enumerates the supported input item kinds.
type ItemKind string

const (
	ItemKindFile   ItemKind = "file"
	ItemKindJSON   ItemKind = "json"
	ItemKindString ItemKind = "string"
	ItemKindNumber ItemKind = "number"
)

// InputItem is one ordered input to the validator. File
// items reference blob storage by URI and carry a role tag
// (e.g. "idf", "weather"); inline items carry a value.
type InputItem struct {
	Kind  ItemKind        `json:"kind"`
	Name  string          `json:"name"`
	Role  string          `json:"role,omitempty"`
	URI   string          `json:"uri,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ExecutionContext carries everything the validator needs
// to run and to call back.
type ExecutionContext struct {
	CallbackURL    string            `json:"callback_url"`
	CallbackToken  string            `json:"callback_token"`
	BundleURI      string            `json:"bundle_uri,omitempty"`
	TimeoutSeconds int64             `json:"timeout_seconds"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// Timeout returns the execution timeout as a duration.
func (e ExecutionContext) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// Validator identifies the validator implementation and
// version that produced or will consume an envelope.
type Validator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InputEnvelope is the immutable input contract uploaded to
// blob storage before dispatch.
type InputEnvelope struct {
	SchemaVersion string           `json:"schema_version"`
	RunID         uuid.UUID        `json:"run_id"`
	Validator     Validator        `json:"validator"`
	OrgID         string           `json:"org_id"`
	WorkflowID    string           `json:"workflow_id,omitempty"`
	Inputs        []InputItem      `json:"inputs"`
	Execution     ExecutionContext `json:"execution"`
}

// Severity enumerates validation message severities.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Location points a message at a position inside an input
// file, addressed by the file's role tag.
type Location struct {
	Role   string `json:"role,omitempty"`
	Path   string `json:"path,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

// Message is one ordered validation finding.
type Message struct {
	Severity Severity          `json:"severity"`
	Code     string            `json:"code"`
	Text     string            `json:"text"`
	Location *Location         `json:"location,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// Metric is a named numeric result (e.g. site EUI).
type Metric struct {
	Name     string            `json:"name"`
	Value    float64           `json:"value"`
	Unit     string            `json:"unit,omitempty"`
	Category string            `json:"category,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// Artifact references a produced output object.
type Artifact struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	URI      string `json:"uri"`
	Size     int64  `json:"size,omitempty"`
}

// ResultStatus enumerates validator result statuses.
type ResultStatus string

const (
	ResultSuccess          ResultStatus = "success"
	ResultFailedValidation ResultStatus = "failed_validation"
	ResultFailedRuntime    ResultStatus = "failed_runtime"
)

// OutputEnvelope is the immutable result contract produced
// exactly once by the validator container.
type OutputEnvelope struct {
	SchemaVersion string       `json:"schema_version"`
	RunID         uuid.UUID    `json:"run_id"`
	Validator     Validator    `json:"validator"`
	Status        ResultStatus `json:"status"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    time.Time    `json:"finished_at"`
	Messages      []Message    `json:"messages,omitempty"`
	Metrics       []Metric     `json:"metrics,omitempty"`
	Artifacts     []Artifact   `json:"artifacts,omitempty"`
	RawOutputURI  string       `json:"raw_output_uri,omitempty"`
}

// ErrorCount returns the number of error-severity messages.
func (o *OutputEnvelope) ErrorCount() int {
	n := 0
	for _, m := range o.Messages {
		if m.Severity == SeverityError {
			n++
		}
	}
	return n
}

// Duration returns the execution window length.
func (o *OutputEnvelope) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// ParseInput decodes and validates an input envelope.
func ParseInput(data []byte) (*InputEnvelope, error) {
	var in InputEnvelope
	if err := decodeStrict(data, &in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return &in, nil
}

// ParseOutput decodes and validates a result envelope.
func ParseOutput(data []byte) (*OutputEnvelope, error) {
	var out OutputEnvelope
	if err := decodeStrict(data, &out); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate checks structural and range constraints on an
// input envelope.
func (i *InputEnvelope) Validate() error {
	if i.SchemaVersion != InputSchemaVersion {
		return &verr.SchemaError{Field: "schema_version", Reason: "expected " + InputSchemaVersion}
	}
	if i.RunID == uuid.Nil {
		return &verr.SchemaError{Field: "run_id", Reason: "must be set"}
	}
	if i.Validator.Name == "" || i.Validator.Version == "" {
		return &verr.SchemaError{Field: "validator", Reason: "name and version must be set"}
	}
	if i.OrgID == "" {
		return &verr.SchemaError{Field: "org_id", Reason: "must be set"}
	}
	if len(i.Inputs) == 0 {
		return &verr.SchemaError{Field: "inputs", Reason: "at least one input is required"}
	}
	for n, item := range i.Inputs {
		if err := item.validate(); err != nil {
			if se, ok := err.(*verr.SchemaError); ok {
				se.Field = "inputs[" + strconv.Itoa(n) + "]." + se.Field
			}
			return err
		}
	}
	if i.Execution.TimeoutSeconds <= 0 {
		return &verr.SchemaError{Field: "execution.timeout_seconds", Reason: "must be positive"}
	}
	return nil
}

func (it InputItem) validate() error {
	switch it.Kind {
	case ItemKindFile:
		if it.URI == "" {
			return &verr.SchemaError{Field: "uri", Reason: "file items require a uri"}
		}
		if it.Role == "" {
			return &verr.SchemaError{Field: "role", Reason: "file items require a role"}
		}
		if len(it.Value) > 0 {
			return &verr.SchemaError{Field: "value", Reason: "file items must not carry an inline value"}
		}
	case ItemKindJSON, ItemKindString, ItemKindNumber:
		if len(it.Value) == 0 {
			return &verr.SchemaError{Field: "value", Reason: "inline items require a value"}
		}
		if it.URI != "" {
			return &verr.SchemaError{Field: "uri", Reason: "inline items must not carry a uri"}
		}
	default:
		return &verr.SchemaError{Field: "kind", Reason: "unknown item kind " + string(it.Kind)}
	}
	if it.Name == "" {
		return &verr.SchemaError{Field: "name", Reason: "must be set"}
	}
	return nil
}

// Validate checks structural, range, and consistency
// constraints on a result envelope. A success result must
// carry no error-severity messages and a non-negative
// duration; a non-success result must explain itself with
// at least one error message.
func (o *OutputEnvelope) Validate() error {
	if o.SchemaVersion != OutputSchemaVersion {
		return &verr.SchemaError{Field: "schema_version", Reason: "expected " + OutputSchemaVersion}
	}
	if o.RunID == uuid.Nil {
		return &verr.SchemaError{Field: "run_id", Reason: "must be set"}
	}
	if o.Validator.Name == "" || o.Validator.Version == "" {
		return &verr.SchemaError{Field: "validator", Reason: "name and version must be set"}
	}
	switch o.Status {
	case ResultSuccess, ResultFailedValidation, ResultFailedRuntime:
	default:
		return &verr.SchemaError{Field: "status", Reason: "unknown status " + string(o.Status)}
	}
	if o.StartedAt.IsZero() || o.FinishedAt.IsZero() {
		return &verr.SchemaError{Field: "started_at", Reason: "timing window must be set"}
	}
	if o.FinishedAt.Before(o.StartedAt) {
		return &verr.SchemaError{Field: "finished_at", Reason: "must not precede started_at"}
	}
	for n, m := range o.Messages {
		switch m.Severity {
		case SeverityError, SeverityWarning, SeverityInfo:
		default:
			return &verr.SchemaError{Field: "messages[" + strconv.Itoa(n) + "].severity", Reason: "unknown severity " + string(m.Severity)}
		}
		if m.Code == "" {
			return &verr.SchemaError{Field: "messages[" + strconv.Itoa(n) + "].code", Reason: "must be set"}
		}
	}
	for n, a := range o.Artifacts {
		if a.Name == "" || a.URI == "" {
			return &verr.SchemaError{Field: "artifacts[" + strconv.Itoa(n) + "]", Reason: "name and uri must be set"}
		}
		if a.Size < 0 {
			return &verr.SchemaError{Field: "artifacts[" + strconv.Itoa(n) + "].size", Reason: "must be non-negative"}
		}
	}
	if o.Status == ResultSuccess && o.ErrorCount() > 0 {
		return &verr.SchemaError{Field: "messages", Reason: "success results must not contain error messages"}
	}
	if o.Status != ResultSuccess && o.ErrorCount() == 0 {
		return &verr.SchemaError{Field: "messages", Reason: "failed results must contain at least one error message"}
	}
	return nil
}

func decodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &verr.SchemaError{Reason: err.Error()}
	}
	// trailing garbage after the envelope object is rejected
	if dec.More() {
		return &verr.SchemaError{Reason: "trailing data after envelope"}
	}
	return nil
}
