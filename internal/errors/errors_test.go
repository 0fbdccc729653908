package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	e := New(CategoryFetch, SeverityError, "tarball download failed")
	want := "fetch (error): tarball download failed"
	if e.Error() != want {
		t.Errorf("expected %q, got %q", want, e.Error())
	}

	wrapped := Wrap(fmt.Errorf("connection refused"), CategoryFetch, SeverityError, "tarball download failed")
	want = "fetch (error): tarball download failed: connection refused"
	if wrapped.Error() != want {
		t.Errorf("expected %q, got %q", want, wrapped.Error())
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("no such file")
	e := Wrap(cause, CategoryManifest, SeverityFatal, "read manifest")
	if !stderrors.Is(e, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}

func TestIsCategory(t *testing.T) {
	e := RecipeError("circular include")
	if !IsCategory(e, CategoryRecipe) {
		t.Error("expected recipe category")
	}
	if IsCategory(e, CategoryFetch) {
		t.Error("did not expect fetch category")
	}

	// Category detection must survive fmt wrapping.
	wrapped := fmt.Errorf("loading recipe: %w", e)
	if !IsCategory(wrapped, CategoryRecipe) {
		t.Error("expected category detection through wrapped error")
	}
}

func TestGetCategoryForeignError(t *testing.T) {
	if got := GetCategory(fmt.Errorf("plain")); got != CategoryInternal {
		t.Errorf("expected internal category for foreign error, got %s", got)
	}
}

func TestRetryable(t *testing.T) {
	e := WrapRetryable(fmt.Errorf("timeout"), CategoryFetch, SeverityError, "download")
	if !IsRetryable(e) {
		t.Error("expected retryable")
	}
	if IsRetryable(FetchError("patch conflict")) {
		t.Error("patch conflict must not be retryable")
	}
}

func TestWithContext(t *testing.T) {
	e := FarmError("slot occupied").WithContext("site", "site1").WithContext("slot", "modules/contrib/foo")
	if e.Context["site"] != "site1" {
		t.Errorf("expected site context, got %v", e.Context["site"])
	}
	if e.Context["slot"] != "modules/contrib/foo" {
		t.Errorf("expected slot context, got %v", e.Context["slot"])
	}
}
