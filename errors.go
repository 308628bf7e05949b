/*
 * errors.go, part of gomb.
 *
 * Copyright 2026 Raul Mera <rmera{at}chemDOThelsinkiDOTfi>
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU Lesser General Public License as
 * published by the Free Software Foundation; either version 2.1 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU Lesser General
 * Public License along with this program.  If not, see
 * <http://www.gnu.org/licenses/>.
 *
 * Gomb is developed at the laboratory for instruction in Swedish, Department of Chemistry,
 * University of Helsinki, Finland.
 *
 */

package mb

import (
	"errors"
	"fmt"

	"github.com/rmera/gomb/elec"
)

// Error is the interface for errors that all packages in this module implement.
// The Decorate method allows to add and retrieve info from the error, without
// changing its type or wrapping it around something else.
type Error interface {
	Error() string
	Decorate(string) []string
	Critical() bool
}

type mbError struct {
	message  string
	deco     []string
	critical bool
}

func (err mbError) Error() string { return "mb: " + err.message }

// Decorate adds dec to the decoration slice of the error and returns it.
func (err mbError) Decorate(dec string) []string {
	if dec != "" {
		err.deco = append(err.deco, dec)
	}
	return err.deco
}

// Critical returns whether the error is critical.
func (err mbError) Critical() bool { return err.critical }

// ConfigurationError is a malformed setup: cutoffs, solver settings, box,
// or coordinate arrays that don't match the system composition.
type ConfigurationError struct{ mbError }

// InvalidMonomerError is returned when a monomer can't be added to the system.
// It is also a ConfigurationError.
type InvalidMonomerError struct {
	ConfigurationError
	Type string
}

// As lets errors.As match an InvalidMonomerError as a ConfigurationError.
func (err InvalidMonomerError) As(target any) bool {
	if t, ok := target.(*ConfigurationError); ok {
		*t = err.ConfigurationError
		return true
	}
	return false
}

// UninitializedError is returned when the system is used before Finalize, or
// Finalize is called twice or on an empty system. It is also an
// UnsupportedOperationError.
type UninitializedError struct{ mbError }

// As lets errors.As match an UninitializedError as an UnsupportedOperationError.
func (err UninitializedError) As(target any) bool {
	if t, ok := target.(*UnsupportedOperationError); ok {
		*t = UnsupportedOperationError{err.mbError}
		return true
	}
	return false
}

// CutoffConfigurationError is an invalid combination of cutoffs. It is also
// a ConfigurationError.
type CutoffConfigurationError struct{ ConfigurationError }

// As lets errors.As match a CutoffConfigurationError as a ConfigurationError.
func (err CutoffConfigurationError) As(target any) bool {
	if t, ok := target.(*ConfigurationError); ok {
		*t = err.ConfigurationError
		return true
	}
	return false
}

// ConvergenceError is returned when the induced dipoles don't converge. It is
// not critical: the caller may retry with more iterations or a smaller step.
type ConvergenceError struct {
	mbError
	Iterations int
	Residual   float64
}

// DipoleConvergenceError is the name of ConvergenceError in the dipole solver context.
type DipoleConvergenceError = ConvergenceError

// UnsupportedOperationError is a request the engine doesn't implement, such as
// clusters of order larger than 3, or a change of composition after Finalize.
type UnsupportedOperationError struct{ mbError }

// NonFiniteError is returned, when finite checks are on, if an energy
// component or its gradient is not finite.
type NonFiniteError struct {
	mbError
	Component string
}

func newConfigurationError(caller, format string, a ...any) ConfigurationError {
	return ConfigurationError{mbError{fmt.Sprintf(format, a...), []string{caller}, true}}
}

func newUninitializedError(caller, msg string) UninitializedError {
	return UninitializedError{mbError{msg, []string{caller}, true}}
}

func newUnsupportedError(caller, format string, a ...any) UnsupportedOperationError {
	return UnsupportedOperationError{mbError{fmt.Sprintf(format, a...), []string{caller}, true}}
}

func newCutoffError(caller, format string, a ...any) CutoffConfigurationError {
	return CutoffConfigurationError{newConfigurationError(caller, format, a...)}
}

func newInvalidMonomerError(caller, typ, format string, a ...any) InvalidMonomerError {
	return InvalidMonomerError{newConfigurationError(caller, format, a...), typ}
}

// errDecorate decorates errors of this module with caller and wraps any other error.
// Dipole convergence failures from the electrostatics engine become ConvergenceError.
func errDecorate(err error, caller string) error {
	if err == nil {
		return nil
	}
	var ce elec.ConvergenceError
	if errors.As(err, &ce) {
		return ConvergenceError{mbError{ce.Error(), []string{"Electrostatics", caller}, false}, ce.Iterations, ce.Residual}
	}
	switch e := err.(type) {
	case ConfigurationError:
		e.deco = append(e.deco, caller)
		return e
	case InvalidMonomerError:
		e.deco = append(e.deco, caller)
		return e
	case CutoffConfigurationError:
		e.deco = append(e.deco, caller)
		return e
	case UninitializedError:
		e.deco = append(e.deco, caller)
		return e
	case UnsupportedOperationError:
		e.deco = append(e.deco, caller)
		return e
	case ConvergenceError:
		e.deco = append(e.deco, caller)
		return e
	case NonFiniteError:
		e.deco = append(e.deco, caller)
		return e
	case Error:
		//errors of the subpackages keep their own decorations
		e.Decorate(caller)
		return e
	}
	return fmt.Errorf("%s: %w", caller, err)
}
