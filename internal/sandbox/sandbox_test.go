package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// A timed-out sandboxed call leaves its goroutine behind until the
	// interpreted code returns; ignore those.
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("canonize/internal/sandbox.(*Runner).Run.func1"))
}

func TestRunSimple(t *testing.T) {
	code := `package main

import "strings"

func Upper(s string) (string, error) {
	return strings.ToUpper(s), nil
}`
	res := NewRunner(0).Run(context.Background(), code, "Upper", "hello")
	if !res.OK() {
		t.Fatalf("unexpected failure: %+v", res)
	}
	if res.Value != "HELLO" {
		t.Errorf("value = %q, want HELLO", res.Value)
	}
}

func TestRunDiscoversEntry(t *testing.T) {
	code := `package main

func helper(n int) int { return n }

func Solve(s string) (string, error) {
	return s + s, nil
}`
	res := NewRunner(0).Run(context.Background(), code, "", "ab")
	if !res.OK() || res.Value != "abab" {
		t.Fatalf("discovered entry gave %+v", res)
	}
}

func TestRunErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		code string
		kind string
	}{
		{
			name: "returned error",
			code: `package main
import "errors"
func F(s string) (string, error) {
	return "", errors.New("domain violation")
}`,
			kind: KindError,
		},
		{
			name: "panic",
			code: `package main
func F(s string) (string, error) {
	panic("unreachable input")
}`,
			kind: KindPanic,
		},
		{
			name: "does not compile",
			code: `package main
func F(s string) (string, error) { return s }`,
			kind: KindInvalid,
		},
		{
			name: "forbidden import",
			code: `package main
import "os"
func F(s string) (string, error) {
	return os.Getenv(s), nil
}`,
			kind: KindInvalid,
		},
		{
			name: "wrong signature",
			code: `package main
func F(n int) int { return n }`,
			kind: KindInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewRunner(0).Run(context.Background(), tt.code, "F", "x")
			if res.ErrKind != tt.kind {
				t.Errorf("kind = %q, want %q (detail: %s)", res.ErrKind, tt.kind, res.Detail)
			}
		})
	}
}

func TestRunTimeout(t *testing.T) {
	code := `package main
func Spin(s string) (string, error) {
	for {
	}
}`
	res := NewRunner(200 * time.Millisecond).Run(context.Background(), code, "Spin", "x")
	if res.ErrKind != KindTimeout {
		t.Errorf("kind = %q, want timeout (detail: %s)", res.ErrKind, res.Detail)
	}
}

func TestRunNormalizesPackage(t *testing.T) {
	code := `package solver

func F(s string) (string, error) {
	return s, nil
}`
	res := NewRunner(0).Run(context.Background(), code, "F", "ok")
	if !res.OK() || res.Value != "ok" {
		t.Fatalf("non-main package not normalized: %+v", res)
	}
}

func TestFindEntry(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{
			name: "exact signature wins",
			code: `package main
func helper(n int) int { return n }
func Process(s string) (string, error) { return s, nil }`,
			want: "Process",
		},
		{
			name: "main and init ignored",
			code: `package main
func init() {}
func main() {}
func Run(s string) (string, error) { return s, nil }`,
			want: "Run",
		},
		{
			name: "hint name breaks ties",
			code: `package main
func Alpha(s string) (string, error) { return s, nil }
func SolveIt(s string) (string, error) { return s, nil }`,
			want: "SolveIt",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FindEntry(tt.code)
			if err != nil {
				t.Fatalf("FindEntry: %v", err)
			}
			if got != tt.want {
				t.Errorf("FindEntry = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := FindEntry("package main\nvar x = 1"); err == nil {
		t.Error("expected error when no function exists")
	}
}

func TestProfile(t *testing.T) {
	code := `package main
import "errors"
func F(s string) (string, error) {
	if s == "" {
		return "", errors.New("empty")
	}
	return s, nil
}`
	sigs := NewRunner(0).Profile(code, []string{"a", "", "a"})
	if len(sigs) != 3 {
		t.Fatalf("got %d signatures, want 3", len(sigs))
	}
	if sigs[0] != sigs[2] {
		t.Error("same input must produce the same signature")
	}
	if sigs[0] == sigs[1] {
		t.Error("ok and error outcomes must differ")
	}
	if !strings.HasPrefix(sigs[1], "err:") {
		t.Errorf("error signature = %q", sigs[1])
	}
}

func TestResultSignature(t *testing.T) {
	ok := Result{Value: "v"}
	if !strings.HasPrefix(ok.Signature(), "ok:") {
		t.Errorf("ok signature = %q", ok.Signature())
	}
	if (Result{Value: "a"}).Signature() == (Result{Value: "b"}).Signature() {
		t.Error("different values must hash differently")
	}
	if got := (Result{ErrKind: KindPanic}).Signature(); got != "err:panic" {
		t.Errorf("panic signature = %q", got)
	}
}
