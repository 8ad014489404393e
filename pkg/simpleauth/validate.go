package simpleauth

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// ValidateOptions checks raw against every configuration constraint and
// returns the normalized options with defaults applied. All violations are
// reported together in a single INVALID_AUTH_OPTIONS error.
func ValidateOptions(raw Options) (Options, error) {
	var problems []string

	if len(raw.Providers) == 0 {
		problems = append(problems, "providers: at least one provider is required")
	}

	seen := make(map[string]int, len(raw.Providers))
	providers := make([]AuthProvider, 0, len(raw.Providers))
	for i, p := range raw.Providers {
		field := fmt.Sprintf("providers[%d]", i)

		if strings.TrimSpace(p.ID) == "" {
			problems = append(problems, field+".id: must not be blank")
		} else if first, dup := seen[p.ID]; dup {
			problems = append(problems, fmt.Sprintf("%s.id: duplicate id %q (first declared at providers[%d])", field, p.ID, first))
		} else {
			seen[p.ID] = i
		}

		if !p.Type.Valid() {
			problems = append(problems, fmt.Sprintf("%s.type: %q is not one of %s", field, p.Type, joinTypes()))
		}

		if strings.TrimSpace(p.Name) == "" {
			p.Name = p.ID
		}
		providers = append(providers, p)
	}

	opts := Options{
		Providers:  providers,
		SessionTTL: raw.SessionTTL,
		Code:       raw.Code,
	}

	switch {
	case opts.SessionTTL < 0:
		problems = append(problems, "session_ttl: must not be negative")
	case opts.SessionTTL == 0:
		opts.SessionTTL = DefaultSessionTTL
	}

	switch {
	case opts.Code.TTL < 0:
		problems = append(problems, "code.ttl: must not be negative")
	case opts.Code.TTL == 0:
		opts.Code.TTL = DefaultCodeTTL
	}

	switch opts.Code.Digits {
	case 0:
		opts.Code.Digits = DefaultCodeDigits
	case 6, 8:
	default:
		problems = append(problems, fmt.Sprintf("code.digits: must be 6 or 8, got %d", opts.Code.Digits))
	}

	switch {
	case opts.Code.MaxAttempts < 0:
		problems = append(problems, "code.max_attempts: must not be negative")
	case opts.Code.MaxAttempts == 0:
		opts.Code.MaxAttempts = DefaultCodeMaxAttempts
	}

	switch {
	case opts.Code.ResendInterval < 0:
		problems = append(problems, "code.resend_interval: must not be negative")
	case opts.Code.ResendInterval == 0:
		opts.Code.ResendInterval = DefaultCodeResendInterval
	}

	if len(problems) > 0 {
		return Options{}, violations(ErrInvalidAuthOptions, problems)
	}
	return opts, nil
}

// ParseOptions decodes YAML (or JSON) options, rejecting unknown fields,
// and validates the result.
func ParseOptions(data []byte) (Options, error) {
	var raw Options

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return Options{}, violations(ErrInvalidAuthOptions, []string{"decode: " + err.Error()})
	}

	return ValidateOptions(raw)
}

func joinTypes() string {
	names := make([]string, len(providerTypes))
	for i, t := range providerTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

/* Payload validation */

// Rule is a format constraint applied to a payload field.
type Rule int

const (
	RuleNone Rule = iota
	RuleNonBlank
	RuleEmail
	RulePhone
	RuleDigits
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// Field declares one accepted payload field.
type Field struct {
	Name     string
	Required bool
	Rule     Rule
	MinLen   int // In runes, 0 means unbounded.
	MaxLen   int // In runes, 0 means unbounded.
}

// AnyField in a schema accepts keys the schema does not declare.
var AnyField = Field{Name: "*"}

// Schema is the set of fields a provider accepts for one step.
type Schema []Field

// Validate checks p against the schema. Unknown keys are rejected unless
// the schema holds AnyField, and every violation is reported in a single
// INVALID_INPUT error.
func (s Schema) Validate(p Payload) error {
	var problems []string

	open := false
	known := make(map[string]struct{}, len(s))
	for _, f := range s {
		if f.Name == AnyField.Name {
			open = true
			continue
		}
		known[f.Name] = struct{}{}

		v, ok := p[f.Name]
		if !ok || v == "" {
			if f.Required {
				problems = append(problems, f.Name+": is required")
			}
			continue
		}
		problems = append(problems, f.check(v)...)
	}

	var unknown []string
	for k := range p {
		if _, ok := known[k]; !ok && !open {
			unknown = append(unknown, k)
		}
	}
	slices.Sort(unknown)
	for _, k := range unknown {
		problems = append(problems, k+": is not accepted")
	}

	if len(problems) > 0 {
		return violations(ErrInvalidInput, problems)
	}
	return nil
}

// Fields returns the field names in declaration order.
func (s Schema) Fields() []string {
	names := make([]string, 0, len(s))
	for _, f := range s {
		if f.Name != AnyField.Name {
			names = append(names, f.Name)
		}
	}
	return names
}

func (f Field) check(v string) []string {
	var problems []string

	n := utf8.RuneCountInString(v)
	if f.MinLen > 0 && n < f.MinLen {
		problems = append(problems, fmt.Sprintf("%s: must be at least %d characters", f.Name, f.MinLen))
	}
	if f.MaxLen > 0 && n > f.MaxLen {
		problems = append(problems, fmt.Sprintf("%s: must be at most %d characters", f.Name, f.MaxLen))
	}

	switch f.Rule {
	case RuleNonBlank:
		if strings.TrimSpace(v) == "" {
			problems = append(problems, f.Name+": must not be blank")
		}
	case RuleEmail:
		addr, err := mail.ParseAddress(v)
		if err != nil || addr.Address != strings.TrimSpace(v) {
			problems = append(problems, f.Name+": must be a valid email address")
		}
	case RulePhone:
		if !e164.MatchString(v) {
			problems = append(problems, f.Name+": must be an E.164 phone number")
		}
	case RuleDigits:
		if strings.TrimFunc(v, func(r rune) bool { return r >= '0' && r <= '9' }) != "" {
			problems = append(problems, f.Name+": must contain only digits")
		}
	}

	return problems
}
