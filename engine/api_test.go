package engine

import (
	"errors"
	"testing"
)

func TestYieldSignalRoundTrip(t *testing.T) {
	err := Yield(2, CallableID(7))
	n, cont, ok := YieldSignal(err)
	if !ok {
		t.Fatal("YieldSignal did not recognize Yield error")
	}
	if n != 2 || cont != 7 {
		t.Fatalf("got (%d, %d), want (2, 7)", n, cont)
	}
}

func TestYieldSignalRejectsOtherErrors(t *testing.T) {
	if _, _, ok := YieldSignal(errors.New("plain")); ok {
		t.Fatal("plain error recognized as yield")
	}
	if _, _, ok := YieldSignal(nil); ok {
		t.Fatal("nil recognized as yield")
	}
}

func TestStatusStrings(t *testing.T) {
	cases := map[Status]string{
		StatusOK:        "ok",
		StatusYield:     "yield",
		StatusErrRun:    "runtime error",
		StatusErrSyntax: "syntax error",
		StatusErrMem:    "out of memory",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("Status(%d).String() = %q, want %q", int(s), s.String(), want)
		}
	}
}

func TestTypeStrings(t *testing.T) {
	if TypeNone.String() != "none" || TypeThread.String() != "thread" {
		t.Error("type names drifted from the VM's names")
	}
}
