package report

import (
	"encoding/json"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"
)

// Validate checks a raw completion payload against the report contract and
// returns its parsed form.
//
// Dispatch is a tagged union on the version field: the payload must parse
// as JSON, name a known version, and unify with that version's CUE schema
// with every required field concrete. Failures return *ValidationError;
// unknown versions are rejected rather than best-effort coerced.
func Validate(raw json.RawMessage) (*Report, error) {
	var probe versionProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, &ValidationError{
			Code:    "UNPARSEABLE",
			Message: fmt.Sprintf("payload is not valid JSON: %v", err),
		}
	}

	var schemaSrc string
	switch probe.Version {
	case "v1":
		schemaSrc = schemaV1Src
	case "v2":
		schemaSrc = schemaV2Src
	default:
		return nil, &ValidationError{
			Code:    "UNKNOWN_VERSION",
			Message: fmt.Sprintf("unknown report version %q (accepted: v1, v2)", probe.Version),
		}
	}

	// A fresh context per call keeps validation free of shared state; the
	// schemas are small and compilation is cheap relative to the store
	// round-trips on this path.
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSrc, cue.Filename("report."+probe.Version+".cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile report schema %s: %w", probe.Version, err)
	}

	expr, err := cuejson.Extract("report.json", raw)
	if err != nil {
		return nil, &ValidationError{
			Code:    "UNPARSEABLE",
			Message: fmt.Sprintf("payload is not valid JSON: %v", err),
		}
	}
	data := ctx.BuildExpr(expr)
	if err := data.Err(); err != nil {
		return nil, &ValidationError{
			Code:    "UNPARSEABLE",
			Message: fmt.Sprintf("payload could not be built: %v", err),
		}
	}

	unified := schema.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &ValidationError{
			Code:    "SCHEMA_VIOLATION",
			Message: cueerrors.Details(err, nil),
		}
	}

	var r Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode validated report: %w", err)
	}
	return &r, nil
}
