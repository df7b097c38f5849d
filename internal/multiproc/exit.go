package multiproc

import (
	"fmt"
	"strconv"
)

// ExitRecord is the result of stopping a worker. A nil ExitCode means the
// code could not be determined.
type ExitRecord struct {
	Name     string `json:"name" yaml:"name"`
	ExitCode *int   `json:"exit_code" yaml:"exit_code"`
}

func exitRecord(name string, code int, ok bool) ExitRecord {
	if !ok {
		return ExitRecord{Name: name}
	}
	return ExitRecord{Name: name, ExitCode: &code}
}

// Code returns the exit code and whether it is known.
func (r ExitRecord) Code() (int, bool) {
	if r.ExitCode == nil {
		return 0, false
	}
	return *r.ExitCode, true
}

// Success reports a known, zero exit code.
func (r ExitRecord) Success() bool {
	c, ok := r.Code()
	return ok && c == 0
}

func (r ExitRecord) String() string {
	c, ok := r.Code()
	if !ok {
		return fmt.Sprintf("%s: exit unknown", r.Name)
	}
	return r.Name + ": exit " + strconv.Itoa(c)
}
