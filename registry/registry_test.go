package registry_test

import (
	"errors"
	"testing"

	"github.com/nanovisor/sandbox/registry"
	"github.com/nanovisor/sandbox/wire"
)

func echoDef() wire.HostFunctionDefinition {
	return wire.HostFunctionDefinition{
		Name:           "Echo",
		ParameterTypes: []wire.ParameterType{wire.ParamString},
		ReturnType:     wire.ReturnString,
		Handler: func(params []wire.ParameterValue) (wire.ReturnValue, error) {
			return wire.StringReturn(params[0].StringValue), nil
		},
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := registry.New()

	if err := r.Register(echoDef()); err != nil {
		t.Fatal(err)
	}

	err := r.Register(echoDef())
	if !errors.Is(err, registry.ErrDuplicateHostFunction) {
		t.Fatalf("got %v, want ErrDuplicateHostFunction", err)
	}
}

func TestRegisterAfterFreezeFails(t *testing.T) {
	r := registry.New()
	r.Freeze()

	if err := r.Register(echoDef()); !errors.Is(err, registry.ErrFrozen) {
		t.Fatalf("got %v, want ErrFrozen", err)
	}
}

func TestValidateUnknownFunction(t *testing.T) {
	r := registry.New()

	_, gerr := r.Validate(wire.FunctionCall{FunctionName: "Missing"})
	if gerr == nil || gerr.Code != wire.GuestFunctionNotFound {
		t.Fatalf("got %+v, want GuestFunctionNotFound", gerr)
	}
}

func TestValidateParameterCountMismatch(t *testing.T) {
	r := registry.New()
	if err := r.Register(echoDef()); err != nil {
		t.Fatal(err)
	}

	_, gerr := r.Validate(wire.FunctionCall{FunctionName: "Echo"})
	if gerr == nil || gerr.Code != wire.GuestFunctionIncorrectNumberOfParameters {
		t.Fatalf("got %+v, want GuestFunctionIncorrectNumberOfParameters", gerr)
	}
}

func TestValidateParameterTypeMismatch(t *testing.T) {
	r := registry.New()
	if err := r.Register(echoDef()); err != nil {
		t.Fatal(err)
	}

	_, gerr := r.Validate(wire.FunctionCall{
		FunctionName: "Echo",
		Parameters:   []wire.ParameterValue{wire.Int(1)},
	})
	if gerr == nil || gerr.Code != wire.GuestFunctionParameterTypeMismatch {
		t.Fatalf("got %+v, want GuestFunctionParameterTypeMismatch", gerr)
	}
}

func TestValidateSuccess(t *testing.T) {
	r := registry.New()
	if err := r.Register(echoDef()); err != nil {
		t.Fatal(err)
	}

	def, gerr := r.Validate(wire.FunctionCall{
		FunctionName: "Echo",
		Parameters:   []wire.ParameterValue{wire.String("hi")},
	})
	if gerr != nil {
		t.Fatalf("unexpected error: %+v", gerr)
	}

	rv, err := def.Handler([]wire.ParameterValue{wire.String("hi")})
	if err != nil {
		t.Fatal(err)
	}

	if rv.StringValue != "hi" {
		t.Fatalf("got %q, want %q", rv.StringValue, "hi")
	}
}
