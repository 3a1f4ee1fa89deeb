// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxPlanBytes bounds the size of a plan document.
const MaxPlanBytes = 64 * 1024 * 1024

// SupportedMajorVersion is the plan format major version this package reads.
const SupportedMajorVersion = "1"

// =============================================================================
// Shared Validator Instance
// =============================================================================

// planValidate is initialized in init() with the plan-specific validators.
var planValidate *validator.Validate

func init() {
	planValidate = validator.New()
	_ = planValidate.RegisterValidation("plankind", validatePlanKind)
	_ = planValidate.RegisterValidation("planversion", validatePlanVersion)
}

func validatePlanKind(fl validator.FieldLevel) bool {
	return Kind(fl.Field().String()).Valid()
}

// validatePlanVersion accepts "1" and "1.<anything>".
func validatePlanVersion(fl validator.FieldLevel) bool {
	v := fl.Field().String()
	major, _, _ := strings.Cut(v, ".")
	return major == SupportedMajorVersion
}

// =============================================================================
// Validation
// =============================================================================

// ValidateOptions relaxes Validate.
type ValidateOptions struct {
	// AllowUnknownKind skips the plan_type check. The deletion rule then
	// only applies to plans whose kind is known.
	AllowUnknownKind bool
}

// Validate checks the plan's shape.
//
// # Description
//
// Runs the struct tag rules (known kind, supported version, well-formed
// file operations and deletions) and the cross-field rules: deletions only
// in delete plans, and no move onto itself. Positions are not checked
// against documents here; that happens when edits are composed.
//
// # Outputs
//
//   - error: *Error with CodeInvalidPlan, or nil.
func (p *Plan) Validate() error {
	return p.ValidateWith(ValidateOptions{})
}

// ValidateWith is Validate with options.
func (p *Plan) ValidateWith(opts ValidateOptions) error {
	if p == nil {
		return NewError(CodeInvalidPlan, "plan is empty", nil)
	}
	if err := planValidate.Struct(p); err != nil {
		if err = dropKindErrors(err, opts); err != nil {
			return NewError(CodeInvalidPlan, describe(err), err)
		}
	}

	if len(p.Deletions) > 0 && p.Kind != KindDelete && (p.Kind.Valid() || !opts.AllowUnknownKind) {
		return NewError(CodeInvalidPlan,
			fmt.Sprintf("deletions are only allowed in %q plans, got %q", KindDelete, p.Kind), nil)
	}
	for i, op := range p.FileOperations {
		if op.Kind == OpMove && filepath.Clean(op.OldPath) == filepath.Clean(op.NewPath) {
			return NewError(CodeInvalidPlan,
				fmt.Sprintf("file_operations[%d]: move source and destination are both %s", i, op.OldPath), nil)
		}
	}
	return nil
}

// dropKindErrors removes failures of the top-level Kind field when
// AllowUnknownKind is set, returning nil if nothing else failed.
func dropKindErrors(err error, opts ValidateOptions) error {
	var verrs validator.ValidationErrors
	if !opts.AllowUnknownKind || !errors.As(err, &verrs) {
		return err
	}
	kept := verrs[:0:0]
	for _, fe := range verrs {
		if fe.Namespace() == "Plan.Kind" {
			continue
		}
		kept = append(kept, fe)
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

// describe renders validator errors as one line per failed field.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "plankind":
			parts = append(parts, fmt.Sprintf("unknown plan_type %q (want one of %v)", fe.Value(), Kinds))
		case "planversion":
			parts = append(parts, fmt.Sprintf("unsupported version %q", fe.Value()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
	}
	return "invalid plan: " + strings.Join(parts, "; ")
}

// =============================================================================
// Decoding
// =============================================================================

// Decode reads a JSON plan from r. The plan is not validated.
func Decode(r io.Reader) (*Plan, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxPlanBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	if len(data) > MaxPlanBytes {
		return nil, NewError(CodeInvalidPlan, fmt.Sprintf("plan exceeds %d bytes", MaxPlanBytes), nil)
	}

	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, NewError(CodeInvalidPlan, fmt.Sprintf("decoding plan: %v", err), err)
	}
	return &p, nil
}

// Load reads and decodes a plan file.
func Load(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening plan: %w", err)
	}
	defer f.Close()
	return Decode(f)
}
