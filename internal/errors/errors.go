// Package errors provides the structured error type used across sitefarm for
// category-based classification of build failures.
package errors

import (
	"fmt"
)

// ErrorCategory classifies a BuildError by the subsystem that produced it.
type ErrorCategory string

const (
	// Recipe loading and include resolution errors. Always fatal for the
	// whole build: a bad recipe cannot be partially trusted.
	CategoryRecipe ErrorCategory = "recipe"

	// Project fetch errors (network, patch conflicts, integrity mismatches).
	// Isolated per project.
	CategoryFetch ErrorCategory = "fetch"

	// Site farm errors (occupied slots, broken pool references). Isolated
	// per site.
	CategoryFarm ErrorCategory = "farm"

	// Persisted build manifest corruption.
	CategoryManifest ErrorCategory = "manifest"

	// Tool configuration errors.
	CategoryConfig ErrorCategory = "config"

	// Everything else.
	CategoryInternal ErrorCategory = "internal"
)

// ErrorSeverity indicates how critical an error is.
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // stops the whole build
	SeverityError   ErrorSeverity = "error"   // fails one project or site
	SeverityWarning ErrorSeverity = "warning" // degraded, build continues
)

// BuildError is a structured error with category, retryability, and context.
type BuildError struct {
	Category  ErrorCategory `json:"category"`
	Severity  ErrorSeverity `json:"severity"`
	Message   string        `json:"message"`
	Cause     error         `json:"cause,omitempty"`
	Retryable bool          `json:"retryable"`
	Context   ContextFields `json:"context,omitempty"`
}

// ContextFields carries structured context for BuildError.
type ContextFields map[string]any

// Error implements the error interface.
func (e *BuildError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Category, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Category, e.Severity, e.Message)
}

// Unwrap supports errors.Is / errors.As chains.
func (e *BuildError) Unwrap() error {
	return e.Cause
}

// WithContext adds a context field and returns the error for chaining.
func (e *BuildError) WithContext(key string, value any) *BuildError {
	if e.Context == nil {
		e.Context = make(ContextFields)
	}
	e.Context[key] = value
	return e
}

// New creates a new BuildError.
func New(category ErrorCategory, severity ErrorSeverity, message string) *BuildError {
	return &BuildError{
		Category: category,
		Severity: severity,
		Message:  message,
	}
}

// Wrap creates a new BuildError that wraps an existing error.
func Wrap(err error, category ErrorCategory, severity ErrorSeverity, message string) *BuildError {
	return &BuildError{
		Category: category,
		Severity: severity,
		Message:  message,
		Cause:    err,
	}
}

// WrapRetryable creates a retryable BuildError that wraps an existing error.
func WrapRetryable(err error, category ErrorCategory, severity ErrorSeverity, message string) *BuildError {
	return &BuildError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Cause:     err,
		Retryable: true,
	}
}

// IsCategory checks if an error belongs to a specific category, unwrapping as
// needed.
func IsCategory(err error, category ErrorCategory) bool {
	for err != nil {
		if be, ok := err.(*BuildError); ok {
			return be.Category == category
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsRetryable checks if an error is marked retryable.
func IsRetryable(err error) bool {
	if be, ok := err.(*BuildError); ok {
		return be.Retryable
	}
	return false
}

// GetCategory extracts the category from an error, defaulting to
// CategoryInternal for foreign errors.
func GetCategory(err error) ErrorCategory {
	if be, ok := err.(*BuildError); ok {
		return be.Category
	}
	return CategoryInternal
}

// RecipeError creates a fatal recipe error.
func RecipeError(message string) *BuildError {
	return New(CategoryRecipe, SeverityFatal, message)
}

// FetchError creates a per-project fetch error.
func FetchError(message string) *BuildError {
	return New(CategoryFetch, SeverityError, message)
}

// FarmError creates a per-site farm error.
func FarmError(message string) *BuildError {
	return New(CategoryFarm, SeverityError, message)
}

// ManifestError creates a manifest persistence error.
func ManifestError(message string) *BuildError {
	return New(CategoryManifest, SeverityFatal, message)
}
