package build

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cochaviz/tib/internal/artifacts"
)

// Process exit codes, one per error kind.
const (
	ExitOK            = 0
	ExitUnexpected    = 1
	ExitInput         = 2
	ExitVerification  = 3
	ExitProvision     = 4
	ExitStaging       = 5
	ExitCustomization = 6
	ExitPatch         = 7
	ExitConfig        = 8
	ExitCompile       = 9
	ExitAssembly      = 10
	ExitOutputExists  = 11
	ExitInterrupted   = 130
)

const outputTailLines = 20

// InputError reports a rejected user input. It is raised before any side
// effect takes place.
type InputError struct {
	Field string
	Value string
	Err   error
}

func (e *InputError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// VerificationError reports a bundle that could not be retrieved or whose
// digest does not match the pinned value.
type VerificationError struct {
	Kind      artifacts.Kind
	Locator   string
	Algorithm string // sha256 when empty
	Want      string
	Got       string
	Err       error
}

func (e *VerificationError) Error() string {
	if e.Want != "" && e.Got != "" {
		algorithm := e.Algorithm
		if algorithm == "" {
			algorithm = "sha256"
		}
		return fmt.Sprintf("%s bundle %s: %s mismatch: want %s, got %s", e.Kind, e.Locator, algorithm, e.Want, e.Got)
	}
	return fmt.Sprintf("%s bundle %s: %v", e.Kind, e.Locator, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// ProvisionError reports a build environment that could not be created.
type ProvisionError struct {
	Reason string
	Err    error
}

func (e *ProvisionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("provision build environment: %v", e.Err)
	}
	return fmt.Sprintf("provision build environment: %s: %v", e.Reason, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// StagingError reports a bundle that could not be placed into the build
// environment.
type StagingError struct {
	Kind artifacts.Kind
	Err  error
}

func (e *StagingError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("stage bundles: %v", e.Err)
	}
	return fmt.Sprintf("stage %s bundle: %v", e.Kind, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

// CustomizationError reports the first failing customization step. Step is
// 1-based; zero means the chroot could not be set up.
type CustomizationError struct {
	Step   int
	Script string
	Status ExitStatus
	Err    error
}

func (e *CustomizationError) Error() string {
	var b strings.Builder
	if e.Step == 0 {
		b.WriteString("prepare chroot")
	} else {
		fmt.Fprintf(&b, "customization step %d (%s)", e.Step, e.Script)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	} else {
		fmt.Fprintf(&b, ": exit status %d", e.Status.Code)
	}
	writeTail(&b, e.Status.Output)
	return b.String()
}

func (e *CustomizationError) Unwrap() error { return e.Err }

// PatchError reports a kernel patch that did not apply. Index is 1-based.
type PatchError struct {
	Index  int
	Patch  string
	Output string
	Err    error
}

func (e *PatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "apply patch %d (%s)", e.Index, e.Patch)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	writeTail(&b, e.Output)
	return b.String()
}

func (e *PatchError) Unwrap() error { return e.Err }

// ConfigError reports a kernel configuration that could not be loaded or
// generated.
type ConfigError struct {
	Path   string
	Output string
	Err    error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	if e.Path != "" {
		fmt.Fprintf(&b, "load kernel config %s", e.Path)
	} else {
		b.WriteString("generate kernel config")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	writeTail(&b, e.Output)
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// CompileError carries the compiler output of a failed kernel build
// verbatim.
type CompileError struct {
	Target string
	Output string
	Err    error
}

func (e *CompileError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "compile kernel %s", e.Target)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	writeTail(&b, e.Output)
	return b.String()
}

func (e *CompileError) Unwrap() error { return e.Err }

// AssemblyError reports a failure of the image creation tooling or of the
// image transfer.
type AssemblyError struct {
	Step   string
	Output string
	Err    error
}

func (e *AssemblyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "assemble image: %s", e.Step)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	writeTail(&b, e.Output)
	return b.String()
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// OutputExistsError is returned when the output path exists and overwriting
// was not requested.
type OutputExistsError struct {
	Path string
}

func (e *OutputExistsError) Error() string {
	return fmt.Sprintf("output %s already exists (use --overwrite to replace it)", e.Path)
}

// PipelineError records the state a build failed in. Errors raised while
// releasing the environment afterwards are kept in Secondary and never
// replace Err.
type PipelineError struct {
	Stage     State
	Err       error
	Secondary error
}

func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Stage, e.Err)
	if e.Secondary != nil {
		msg += fmt.Sprintf(" (cleanup also failed: %v)", e.Secondary)
	}
	return msg
}

func (e *PipelineError) Unwrap() error { return e.Err }

// ExitCode maps err to the process exit code of its kind.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}

	var (
		inputErr        *InputError
		verificationErr *VerificationError
		provisionErr    *ProvisionError
		stagingErr      *StagingError
		customizeErr    *CustomizationError
		patchErr        *PatchError
		configErr       *ConfigError
		compileErr      *CompileError
		assemblyErr     *AssemblyError
		existsErr       *OutputExistsError
	)
	switch {
	case errors.As(err, &inputErr):
		return ExitInput
	case errors.As(err, &verificationErr):
		return ExitVerification
	case errors.As(err, &provisionErr):
		return ExitProvision
	case errors.As(err, &stagingErr):
		return ExitStaging
	case errors.As(err, &customizeErr):
		return ExitCustomization
	case errors.As(err, &patchErr):
		return ExitPatch
	case errors.As(err, &configErr):
		return ExitConfig
	case errors.As(err, &compileErr):
		return ExitCompile
	case errors.As(err, &assemblyErr):
		return ExitAssembly
	case errors.As(err, &existsErr):
		return ExitOutputExists
	default:
		return ExitUnexpected
	}
}

// classified reports whether err already belongs to a pipeline error kind.
func classified(err error) bool {
	return ExitCode(err) != ExitUnexpected
}

// Tail returns the last n lines of output.
func Tail(output string, n int) string {
	output = strings.TrimRight(output, "\n")
	if output == "" || n <= 0 {
		return ""
	}
	lines := strings.Split(output, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func writeTail(b *strings.Builder, output string) {
	if tail := Tail(output, outputTailLines); tail != "" {
		b.WriteString("\n")
		b.WriteString(tail)
	}
}
