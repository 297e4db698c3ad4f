package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Format is a playbook file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatFor picks the format from a file extension. Directories are CUE packages.
func FormatFor(path string) (Format, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return FormatCUE, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported playbook file extension %q", filepath.Ext(path))
	}
}

// Loader parses and validates playbook files. A Loader is not safe for
// concurrent use because the CUE context is not.
type Loader struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewLoader creates a loader with the built-in playbook schema.
func NewLoader() *Loader {
	ctx := cuecontext.New()
	schema := ctx.CompileString(playbookSchema, cue.Filename("playbook-schema.cue"))
	if err := schema.Err(); err != nil {
		panic(fmt.Sprintf("config: built-in schema does not compile: %v", err))
	}

	v := validator.New()
	v.RegisterTagNameFunc(jsonFieldName)
	v.RegisterStructValidation(validateCommandSpec, CommandSpec{})

	return &Loader{
		ctx:       ctx,
		schema:    schema.LookupPath(cue.ParsePath("#Playbook")),
		validator: v,
	}
}

// LoadFile reads and validates the playbook at path.
func (l *Loader) LoadFile(path string) (*PlaybookFile, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}

	if format == FormatCUE {
		val, verrs := l.loadCUE(path)
		if len(verrs) > 0 {
			return nil, verrs
		}
		return l.fromCUE(val, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook: %w", err)
	}
	return l.Parse(data, format, path)
}

// Parse decodes a playbook from data. filename is used in error messages.
func (l *Loader) Parse(data []byte, format Format, filename string) (*PlaybookFile, error) {
	switch format {
	case FormatCUE:
		val := l.ctx.CompileBytes(data, cue.Filename(filename))
		if err := val.Err(); err != nil {
			return nil, convertCUEErrors(err)
		}
		return l.fromCUE(val, filename)

	case FormatYAML, FormatJSON:
		var raw interface{}
		var err error
		if format == FormatYAML {
			err = yaml.Unmarshal(data, &raw)
		} else {
			err = json.Unmarshal(data, &raw)
		}
		if err != nil {
			return nil, ValidationErrors{{File: filename, Message: err.Error()}}
		}
		if raw == nil {
			return nil, ValidationErrors{{File: filename, Message: "empty playbook"}}
		}

		val := l.ctx.Encode(raw)
		if err := val.Err(); err != nil {
			return nil, ValidationErrors{{File: filename, Message: err.Error()}}
		}
		return l.fromCUE(val, filename)

	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// fromCUE checks val against the schema and decodes it.
func (l *Loader) fromCUE(val cue.Value, filename string) (*PlaybookFile, error) {
	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		verrs := convertCUEErrors(err)
		for i := range verrs {
			if verrs[i].File == "" {
				verrs[i].File = filename
			}
		}
		return nil, verrs
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, ValidationErrors{{File: filename, Message: err.Error()}}
	}

	var pf PlaybookFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, ValidationErrors{{File: filename, Message: err.Error()}}
	}

	if err := l.Validate(&pf); err != nil {
		var verrs ValidationErrors
		if errors.As(err, &verrs) {
			for i := range verrs {
				verrs[i].File = filename
			}
			return nil, verrs
		}
		return nil, err
	}
	return &pf, nil
}

// Validate applies the struct rules, including one action per command.
func (l *Loader) Validate(pf *PlaybookFile) error {
	err := l.validator.Struct(pf)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	verrs := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		verrs = append(verrs, ValidationError{
			Path:    strings.TrimPrefix(fe.Namespace(), "PlaybookFile."),
			Message: describeFieldError(fe),
		})
	}
	return verrs
}

// jsonFieldName makes validation paths use the keys written in the file.
func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return f.Name
	}
	return name
}

func validateCommandSpec(sl validator.StructLevel) {
	spec := sl.Current().Interface().(CommandSpec)
	if spec.Action() == "" {
		sl.ReportError(spec, "action", "Action", "one_action", "")
	}
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "one_action":
		return "exactly one of shell, copy, fetch, verify_access, script is required"
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of %s", fe.Param())
	case "url":
		return "must be a URL"
	case "min":
		return fmt.Sprintf("needs at least %s entries", fe.Param())
	default:
		return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
	}
}

// loadCUE loads a file, or a directory as a CUE package.
func (l *Loader) loadCUE(path string) (cue.Value, ValidationErrors) {
	buildInstances := load.Instances([]string{path}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, ValidationErrors{{File: path, Message: "no CUE files found"}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, convertCUEErrors(inst.Err)
	}

	val := l.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var verrs ValidationErrors

	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{Message: cueerrors.Details(e, nil)}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if p := e.Path(); len(p) > 0 {
			ve.Path = strings.Join(p, ".")
		}
		verrs = append(verrs, ve)
	}

	return verrs
}
