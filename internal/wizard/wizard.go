// Package wizard is the interactive first-run config generator's
// interface surface (spec.md §1 Non-goals: the wizard itself is out of
// scope). It exists so cmd/vlessd has a stable seam to call into if an
// interactive wizard is ever added, without cmd/vlessd depending on
// terminal-prompting libraries this module otherwise never needs.
package wizard

import "github.com/xtls-vision/vlessd/internal/config"

// Generator produces a config.File interactively (e.g. by prompting on a
// terminal). No implementation ships in this module; a caller wanting an
// interactive wizard supplies its own Generator.
type Generator interface {
	Generate() (*config.File, error)
}

// notImplementedError is the type behind ErrNotImplemented.
type notImplementedError struct{}

func (notImplementedError) Error() string {
	return "interactive configuration wizard is not implemented in this build"
}

// ErrNotImplemented is returned by Run when no Generator is configured.
// cmd/vlessd prints whatever error Run returns after its own "no config
// file found" line, then exits.
var ErrNotImplemented error = notImplementedError{}

// Run invokes gen if non-nil, or returns ErrNotImplemented. cmd/vlessd
// calls this when started with no config file and no Generator wired in.
func Run(gen Generator) (*config.File, error) {
	if gen == nil {
		return nil, ErrNotImplemented
	}
	return gen.Generate()
}
