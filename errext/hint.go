package errext

import "errors"

// HasHint is implemented by errors carrying an operator hint, such as a
// DiscoveryError telling how to point the launcher at a working browser.
type HasHint interface {
	error
	Hint() string
}

// WithHint attaches hint to err without changing its family: errors.Is
// still matches the sentinel err wraps. A nil err stays nil. Hints already
// present further down the chain are kept as "new hint (old hint)".
func WithHint(err error, hint string) error {
	if err == nil {
		return nil
	}
	return withHint{err, hint}
}

type withHint struct {
	error
	hint string
}

func (wh withHint) Unwrap() error {
	return wh.error
}

func (wh withHint) Hint() string {
	hint := wh.hint
	var oldhint HasHint
	if errors.As(wh.error, &oldhint) {
		hint = hint + " (" + oldhint.Hint() + ")"
	}

	return hint
}

var _ HasHint = withHint{}

// Format splits err into a log message and logrus fields, with the hint
// under the "hint" key when there is one.
func Format(err error) (string, map[string]interface{}) {
	if err == nil {
		return "", nil
	}

	fields := make(map[string]interface{})
	var herr HasHint
	if errors.As(err, &herr) {
		fields["hint"] = herr.Hint()
	}

	return err.Error(), fields
}
