package mikoshi

// Every pipeline failure is wrapped in exactly one of the category types
// below before it reaches Main. The categories are terminal: the first one
// aborts all remaining phases and becomes the single stderr diagnostic.

// ConfigurationError reports a missing or contradictory input, like a
// requested clone without a source URL.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Err.Error() }
func (e *ConfigurationError) Unwrap() error { return e.Err }

// SourceError reports a missing or uncheckoutable repository.
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string { return "source error: " + e.Err.Error() }
func (e *SourceError) Unwrap() error { return e.Err }

// BuildError reports a native build failure, carrying the tool's status.
type BuildError struct {
	Err error
}

func (e *BuildError) Error() string { return "build error: " + e.Err.Error() }
func (e *BuildError) Unwrap() error { return e.Err }

// AssetError reports a required host tool or staging asset that could not
// be resolved.
type AssetError struct {
	Err error
}

func (e *AssetError) Error() string { return "asset error: " + e.Err.Error() }
func (e *AssetError) Unwrap() error { return e.Err }

// PackageError reports a packaging tool failure or a missing bundle
// artifact after the tool claimed success.
type PackageError struct {
	Err error
}

func (e *PackageError) Error() string { return "package error: " + e.Err.Error() }
func (e *PackageError) Unwrap() error { return e.Err }

// InjectError reports a runtime fetch, extraction or repackage failure
// during the second packaging round.
type InjectError struct {
	Err error
}

func (e *InjectError) Error() string { return "inject error: " + e.Err.Error() }
func (e *InjectError) Unwrap() error { return e.Err }
