package callsite

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/xyproto/a64bridge/internal/engine"
	"github.com/xyproto/a64bridge/internal/typeenc"
)

// Directive markers at the start of an encoding.
const (
	ShimPrefix    = "$"
	WrapperPrefix = "%"
)

// UnknownHandlerError is returned for a directive naming a shim or hook
// pair nobody registered.
type UnknownHandlerError struct {
	Kind        string // "shim" or "hooks"
	Name        string
	Suggestions []string
}

func (e *UnknownHandlerError) Error() string {
	msg := fmt.Sprintf("unknown %s %q", e.Kind, e.Name)
	if len(e.Suggestions) > 0 {
		msg += fmt.Sprintf(" (did you mean %s?)", strings.Join(e.Suggestions, ", "))
	}
	return msg
}

// Compile turns an encoding or directive into an Entry named name.
//
//	"ENC"        Signature
//	"$shim"      Shim
//	"%hook:ENC"  Wrapper of ENC with the hook pair registered as hook
func Compile(encoding, name string, h *Handlers) (Entry, error) {
	switch {
	case strings.HasPrefix(encoding, ShimPrefix):
		handler := encoding[len(ShimPrefix):]
		fn, ok := h.Shim(handler)
		if !ok {
			return nil, &UnknownHandlerError{Kind: "shim", Name: handler, Suggestions: engine.SimilarNames(handler, h.ShimNames(), 3)}
		}
		return &Shim{Name: name, Handler: handler, Fn: fn}, nil

	case strings.HasPrefix(encoding, WrapperPrefix):
		hookName, enc, ok := strings.Cut(encoding[len(WrapperPrefix):], ":")
		if !ok {
			return nil, errors.Errorf("wrapper directive %q has no ':' before the signature", encoding)
		}
		hooks, ok := h.Hooks(hookName)
		if !ok {
			return nil, &UnknownHandlerError{Kind: "hooks", Name: hookName, Suggestions: engine.SimilarNames(hookName, h.HookNames(), 3)}
		}
		sig, err := typeenc.Compile(enc)
		if err != nil {
			return nil, errors.Wrapf(err, "wrapper %s", hookName)
		}
		return &Wrapper{Inner: NewSignature(name, sig), HookName: hookName, Hooks: hooks}, nil
	}

	sig, err := typeenc.Compile(encoding)
	if err != nil {
		return nil, err
	}
	return NewSignature(name, sig), nil
}
