package model

import "testing"

func TestErrorKind_Code(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want int
	}{
		{KindValidation, 1003},
		{KindPolicy, 1001},
		{KindNotFound, 1007},
		{KindChannel, 1008},
		{KindInternal, 1005},
		{KindVault, 1005},
	}
	for _, c := range cases {
		if got := c.kind.Code(); got != c.want {
			t.Errorf("%s.Code() = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestError_ErrorString(t *testing.T) {
	e := NewValidationError("bad input", nil)
	if e.Error() != "ValidationError: bad input" {
		t.Errorf("unexpected error string: %q", e.Error())
	}

	wrapped := NewInternal("db failed", NewNotFound("row missing"))
	if wrapped.Unwrap() == nil {
		t.Error("expected Unwrap to return the cause")
	}
}

func TestToResult_Success(t *testing.T) {
	r := ToResult(nil)
	if !r.Success || r.Error != nil {
		t.Errorf("expected a bare success result, got %+v", r)
	}
}

func TestToResult_ModelError(t *testing.T) {
	r := ToResult(NewPolicyDenied("nope"))
	if r.Success {
		t.Fatal("expected success=false")
	}
	if r.Error.Code != 1001 {
		t.Errorf("expected code 1001, got %d", r.Error.Code)
	}
}

func TestToResult_GenericError(t *testing.T) {
	r := ToResult(errNotModel{})
	if r.Success || r.Error.Code != KindInternal.Code() {
		t.Errorf("expected a generic error to map to Internal, got %+v", r)
	}
}

type errNotModel struct{}

func (errNotModel) Error() string { return "boom" }

func TestNewPolicyDeniedByRule_CarriesPolicyID(t *testing.T) {
	e := NewPolicyDeniedByRule("denied", "policy-123")
	if e.PolicyID != "policy-123" {
		t.Errorf("expected policy ID to be carried, got %q", e.PolicyID)
	}
}
