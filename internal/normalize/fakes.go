package normalize

import "context"

// FakeNormalizer is a scriptable Normalizer for dispatcher tests. Results is
// consulted by ExternalID; a miss returns ErrNotImplemented so a test that
// forgets to script a hint fails loudly instead of silently skipping.
type FakeNormalizer struct {
	Results map[string]NormalizeResult
	Errs    map[string]error
	Calls   []Hint
}

// NewFakeNormalizer returns an empty FakeNormalizer ready for Results/Errs
// to be populated by the test.
func NewFakeNormalizer() *FakeNormalizer {
	return &FakeNormalizer{
		Results: make(map[string]NormalizeResult),
		Errs:    make(map[string]error),
	}
}

func (f *FakeNormalizer) Process(_ context.Context, _ string, hint Hint) (NormalizeResult, error) {
	f.Calls = append(f.Calls, hint)
	if err, ok := f.Errs[hint.ExternalID]; ok {
		return NormalizeResult{}, err
	}
	if result, ok := f.Results[hint.ExternalID]; ok {
		return result, nil
	}
	return NormalizeResult{}, ErrNotImplemented
}
