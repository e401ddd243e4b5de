package validate

import (
	"context"
	"strings"
	"testing"

	"canonize/internal/contract"
	"canonize/internal/distance"
	"canonize/internal/props"
	"canonize/internal/sandbox"
)

const doubleSrc = `package main

func Double(s string) (string, error) {
	return s + s, nil
}`

const doubleGuardedSrc = `package main

import "errors"

func Double(s string) (string, error) {
	if s == "" {
		return "", errors.New("empty input")
	}
	return s + s, nil
}`

const brokenDoubleSrc = `package main

func Double(s string) (string, error) {
	return s, nil
}`

func doubleContract() contract.Contract {
	return contract.Contract{
		ID:    "double",
		Entry: "Double",
		Oracle: []contract.OracleCase{
			{Input: "ab", Want: "abab"},
			{Input: "x", Want: "xx"},
		},
	}
}

func newValidator() *Validator {
	return New(sandbox.NewRunner(0), distance.NewEngine())
}

func TestCheckOracle(t *testing.T) {
	v := newValidator()
	ctx := context.Background()
	c := doubleContract()

	passed, failures := v.CheckOracle(ctx, doubleSrc, c)
	if passed != 2 || len(failures) != 0 {
		t.Errorf("correct code: passed=%d failures=%v", passed, failures)
	}

	passed, failures = v.CheckOracle(ctx, brokenDoubleSrc, c)
	if passed != 0 || len(failures) != 2 {
		t.Errorf("broken code: passed=%d failures=%v", passed, failures)
	}
}

func TestCheckOracleErrorCases(t *testing.T) {
	c := doubleContract()
	c.Oracle = append(c.Oracle, contract.OracleCase{Input: "", WantErrKind: "empty"})

	v := newValidator()
	passed, failures := v.CheckOracle(context.Background(), doubleGuardedSrc, c)
	if passed != 3 || len(failures) != 0 {
		t.Errorf("guarded code: passed=%d failures=%v", passed, failures)
	}

	// Unguarded code returns "" without signaling; the error case must fail.
	_, failures = v.CheckOracle(context.Background(), doubleSrc, c)
	if len(failures) != 1 {
		t.Errorf("unguarded code: failures=%v", failures)
	}
}

func TestValidateAccepts(t *testing.T) {
	v := newValidator()
	canonSerial := props.Serialize(doubleSrc)
	pre := `package main

func Dup(input string) (string, error) {
	var out = input + input
	return out, nil
}`
	post := `package main

func Dup(input string) (string, error) {
	return input + input, nil
}`

	verdict := v.Validate(context.Background(), Input{
		Contract:    doubleContract(),
		CanonSerial: canonSerial,
		PreSource:   pre,
		PreSerial:   props.Serialize(pre),
		PostSource:  post,
		PostSerial:  props.Serialize(post),
	})
	if !verdict.Accepted() {
		t.Fatalf("verdict not accepted: %+v", verdict)
	}
	if verdict.DistanceAfter != 0 {
		t.Errorf("post state is a rename of the canon, distance = %v, want 0", verdict.DistanceAfter)
	}
}

func TestValidateRejectsOracleFailure(t *testing.T) {
	v := newValidator()
	canonSerial := props.Serialize(doubleSrc)

	verdict := v.Validate(context.Background(), Input{
		Contract:    doubleContract(),
		CanonSerial: canonSerial,
		PreSource:   doubleSrc,
		PreSerial:   props.Serialize(doubleSrc),
		PostSource:  brokenDoubleSrc,
		PostSerial:  props.Serialize(brokenDoubleSrc),
	})
	if verdict.Accepted() {
		t.Fatal("oracle-breaking rewrite was accepted")
	}
	if !strings.HasPrefix(verdict.Reason, "oracle:") {
		t.Errorf("reason = %q, want oracle failure", verdict.Reason)
	}
}

func TestValidateRejectsDistanceRegression(t *testing.T) {
	v := newValidator()
	canonSerial := props.Serialize(doubleSrc)
	// Pre matches the canon exactly; post adds an extra statement, so the
	// rewrite moves away from the canon while staying correct.
	post := `package main

func Double(s string) (string, error) {
	tmp := s + s
	return tmp, nil
}`

	verdict := v.Validate(context.Background(), Input{
		Contract:    doubleContract(),
		CanonSerial: canonSerial,
		PreSource:   doubleSrc,
		PreSerial:   props.Serialize(doubleSrc),
		PostSource:  post,
		PostSerial:  props.Serialize(post),
	})
	if verdict.Accepted() {
		t.Fatal("distance-regressing rewrite was accepted")
	}
	if !strings.HasPrefix(verdict.Reason, "monotonicity:") {
		t.Errorf("reason = %q, want monotonicity failure", verdict.Reason)
	}
}

func TestBoundaryMustSignal(t *testing.T) {
	c := doubleContract()
	c.Boundary = contract.BoundaryPolicy{
		Kind:     contract.BoundaryMustSignal,
		ErrKind:  "empty",
		Examples: []string{""},
	}
	c.Oracle = []contract.OracleCase{{Input: "ab", Want: "abab"}}

	v := newValidator()
	serial := props.Serialize(doubleGuardedSrc)
	verdict := v.Validate(context.Background(), Input{
		Contract:    c,
		CanonSerial: serial,
		PreSource:   doubleGuardedSrc,
		PreSerial:   serial,
		PostSource:  doubleGuardedSrc,
		PostSerial:  serial,
	})
	if !verdict.Accepted() {
		t.Fatalf("guarded code must satisfy must-signal: %+v", verdict)
	}

	// Unguarded code returns a value on the boundary example.
	plain := props.Serialize(doubleSrc)
	verdict = v.Validate(context.Background(), Input{
		Contract:    c,
		CanonSerial: plain,
		PreSource:   doubleSrc,
		PreSerial:   plain,
		PostSource:  doubleSrc,
		PostSerial:  plain,
	})
	if verdict.Accepted() {
		t.Fatal("unguarded code must fail must-signal")
	}
	if !strings.HasPrefix(verdict.Reason, "boundary:") {
		t.Errorf("reason = %q, want boundary failure", verdict.Reason)
	}
}

func TestBoundaryMustReturnValue(t *testing.T) {
	c := doubleContract()
	c.Oracle = []contract.OracleCase{{Input: "ab", Want: "abab"}}
	c.Boundary = contract.BoundaryPolicy{
		Kind:     contract.BoundaryMustReturnValue,
		Sentinel: "",
		Examples: []string{""},
	}

	v := newValidator()
	serial := props.Serialize(doubleSrc)
	verdict := v.Validate(context.Background(), Input{
		Contract:    c,
		CanonSerial: serial,
		PreSource:   doubleSrc,
		PreSerial:   serial,
		PostSource:  doubleSrc,
		PostSerial:  serial,
	})
	if !verdict.Accepted() {
		t.Fatalf("empty-in empty-out must satisfy the sentinel policy: %+v", verdict)
	}
}

func TestBoundaryBehaviorFrozen(t *testing.T) {
	c := doubleContract()
	c.Oracle = []contract.OracleCase{{Input: "ab", Want: "abab"}}
	c.Boundary = contract.BoundaryPolicy{
		Kind:     contract.BoundaryBehaviorFrozen,
		Examples: []string{""},
	}

	v := newValidator()
	preSerial := props.Serialize(doubleGuardedSrc)
	postSerial := props.Serialize(doubleSrc)

	// Pre signals on "" and post returns a value: frozen behavior changed.
	verdict := v.Validate(context.Background(), Input{
		Contract:    c,
		CanonSerial: postSerial,
		PreSource:   doubleGuardedSrc,
		PreSerial:   preSerial,
		PostSource:  doubleSrc,
		PostSerial:  postSerial,
	})
	if verdict.Accepted() {
		t.Fatal("boundary behavior change was accepted")
	}
	if !strings.Contains(verdict.Reason, "behavior changed") {
		t.Errorf("reason = %q", verdict.Reason)
	}

	// Identical pre and post behavior passes.
	verdict = v.Validate(context.Background(), Input{
		Contract:    c,
		CanonSerial: postSerial,
		PreSource:   doubleSrc,
		PreSerial:   postSerial,
		PostSource:  doubleSrc,
		PostSerial:  postSerial,
	})
	if !verdict.Accepted() {
		t.Fatalf("unchanged behavior must pass behavior-frozen: %+v", verdict)
	}
}
