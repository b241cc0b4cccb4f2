package envelope

import (
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/wesign/a2a-fabric/internal/errcode"
)

// FieldError locates a single validation failure.
type FieldError struct {
	Path   string       `json:"path"`   // e.g. "meta.to[0].id"
	Reason string       `json:"reason"` // reason token, e.g. "required", "unknown_type"
	Code   errcode.Code `json:"code"`
}

// Result is a validation decision. Validation is total: it always returns a
// Result and never panics or performs I/O.
type Result struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
}

// Err converts a failed Result into an error carrying the first failure's
// code and path. Returns nil for a valid Result.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	if len(r.Errors) == 0 {
		return errcode.New(errcode.ValidationFailed, "invalid envelope")
	}
	first := r.Errors[0]
	return errcode.At(first.Code, first.Path, first.Reason)
}

// Options configures a Validator.
type Options struct {
	// MaxDepth caps payload nesting. Payloads deeper than this are rejected
	// with E_PAYLOAD_TOO_LARGE. Defaults to 32.
	MaxDepth int
}

// Validator checks envelopes against the common meta schema and the per-type
// payload schema. Safe for concurrent use.
type Validator struct {
	opts Options
	meta *validator.Validate
}

var messageIDPattern = regexp.MustCompile(`^[a-f0-9]{32,}$`)

// NewValidator builds a Validator.
func NewValidator(opts Options) *Validator {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 32
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		tag := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return fld.Name
		}
		return tag
	})
	// message_id: 32+ lowercase hex characters.
	_ = v.RegisterValidation("msgid", func(fl validator.FieldLevel) bool {
		return messageIDPattern.MatchString(fl.Field().String())
	})
	return &Validator{opts: opts, meta: v}
}

// Validate checks e and returns a decision. It never raises.
func (v *Validator) Validate(e *Envelope) (res Result) {
	defer func() {
		if recover() != nil {
			res = Result{Valid: false, Errors: []FieldError{{
				Path: "", Reason: "internal_validation_failure", Code: errcode.ValidationFailed,
			}}}
		}
	}()

	var errs []FieldError
	add := func(path, reason string) {
		errs = append(errs, FieldError{Path: path, Reason: reason, Code: errcode.ValidationFailed})
	}

	if e == nil {
		add("", "nil_envelope")
		return Result{Valid: false, Errors: errs}
	}

	// Common meta schema via struct tags.
	if err := v.meta.Struct(e.Meta); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				path := "meta." + strings.TrimPrefix(fe.Namespace(), "Meta.")
				add(path, fe.Tag())
			}
		} else {
			add("meta", "invalid")
		}
	}

	// Fields the tag schema cannot express.
	if e.Meta.TS.IsZero() {
		add("meta.ts", "required")
	}
	if e.Meta.From.ID == "" {
		add("meta.from.id", "required")
	}
	if e.Meta.From.Type == "" {
		add("meta.from.type", "required")
	}
	if e.Meta.From.Version == "" {
		add("meta.from.version", "required")
	}
	validateRecipients(e.Meta.To, add)
	switch {
	case e.Meta.Type == "":
		add("meta.type", "required")
	case !KnownType(e.Meta.Type):
		add("meta.type", "unknown_type")
	}
	if e.Meta.ReplyTo != "" && !messageIDPattern.MatchString(e.Meta.ReplyTo) {
		add("meta.reply_to", "msgid")
	}
	if e.Meta.Deadline != nil && e.Meta.Deadline.IsZero() {
		add("meta.deadline", "malformed")
	}

	// Payload: depth cap first, then the per-type schema.
	if exceedsDepth(e.Payload, v.opts.MaxDepth) {
		errs = append(errs, FieldError{
			Path: "payload", Reason: "max_depth_exceeded", Code: errcode.PayloadTooLarge,
		})
	} else if check, ok := payloadChecks[e.Meta.Type]; ok {
		check(e.Payload, func(path, reason string) {
			add("payload."+path, reason)
		})
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

// ValidateBytes decodes wire JSON and validates the result. A decode failure
// is itself a validation failure, so stored bytes can be checked in one step.
func (v *Validator) ValidateBytes(data []byte) (*Envelope, Result) {
	e, err := Decode(data)
	if err != nil {
		return nil, Result{Valid: false, Errors: []FieldError{{
			Path: "", Reason: "malformed_json", Code: errcode.ValidationFailed,
		}}}
	}
	return e, v.Validate(e)
}

func validateRecipients(to []Recipient, add func(path, reason string)) {
	if len(to) == 0 {
		add("meta.to", "empty")
		return
	}
	for i, r := range to {
		prefix := "meta.to[" + strconv.Itoa(i) + "]"
		if r.Type == "" {
			add(prefix+".type", "required")
			continue
		}
		if r.IsTopic() {
			if r.Name == "" {
				add(prefix+".name", "required")
			} else if err := CheckTopicName(r.Name); err != nil {
				add(prefix+".name", "invalid_topic")
			}
			if r.ID != "" {
				add(prefix+".id", "forbidden_on_topic")
			}
			continue
		}
		if r.ID == "" {
			add(prefix+".id", "required")
		}
		if r.Version == "" {
			add(prefix+".version", "required")
		}
		if r.Name != "" {
			add(prefix+".name", "forbidden_on_direct")
		}
	}
}

// exceedsDepth reports whether v nests deeper than max levels. The walk bails
// as soon as the cap is crossed.
func exceedsDepth(v any, max int) bool {
	if max < 0 {
		return true
	}
	switch vv := v.(type) {
	case map[string]any:
		for _, child := range vv {
			if exceedsDepth(child, max-1) {
				return true
			}
		}
	case []any:
		for _, child := range vv {
			if exceedsDepth(child, max-1) {
				return true
			}
		}
	}
	return false
}
