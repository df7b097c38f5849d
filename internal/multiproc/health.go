package multiproc

// Phase is the supervisor's life-cycle phase when it asks for a worker's health.
type Phase int

const (
	PhaseRunning Phase = iota
	// PhaseApoptosis is structured shutdown: workers are expected to be exiting.
	PhaseApoptosis
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseApoptosis:
		return "apoptosis"
	}
	return "unknown"
}

// Health summarizes a worker's state relative to what the supervisor expects.
type Health int

const (
	Healthy Health = iota
	Unhealthy
	// Fatal means the worker is missing, or alive when it must not be.
	Fatal
	// Dying means shutdown was requested outside of apoptosis.
	Dying
	// Apoptosis means shutdown was requested and the worker is still exiting.
	Apoptosis
	ApoptosisSuccessful
	ApoptosisFailure
)

var healthNames = map[Health]string{
	Healthy:             "healthy",
	Unhealthy:           "unhealthy",
	Fatal:               "fatal",
	Dying:               "dying",
	Apoptosis:           "apoptosis",
	ApoptosisSuccessful: "apoptosis_successful",
	ApoptosisFailure:    "apoptosis_failure",
}

func (h Health) String() string {
	if s, ok := healthNames[h]; ok {
		return s
	}
	return "unknown"
}

// Good reports whether h needs no attention.
func (h Health) Good() bool { return h == Healthy || h == ApoptosisSuccessful }

// Healthy reports the worker's health for the given phase. A nil or never
// started descriptor is Fatal while running and ApoptosisFailure in apoptosis.
func (d *Descriptor) Healthy(phase Phase) Health {
	if d == nil || !d.hasProcess() {
		if phase == PhaseApoptosis {
			return ApoptosisFailure
		}
		return Fatal
	}
	if d.shutdown.IsSet() {
		if phase != PhaseApoptosis {
			return Dying
		}
		if d.Alive() {
			return Apoptosis
		}
		if code, ok := d.ExitCode(); ok && code == 0 {
			return ApoptosisSuccessful
		}
		return ApoptosisFailure
	}
	if !d.Alive() {
		if phase == PhaseApoptosis {
			d.log.Error("worker exited during apoptosis without its shutdown signal set")
			return ApoptosisFailure
		}
		return Unhealthy
	}
	return Healthy
}

// ExitCodeHealthy maps a finished worker's exit code to ok (code 0) or bad.
// A worker that is still alive is Fatal.
func (d *Descriptor) ExitCodeHealthy(ok, bad Health) Health {
	if d.Alive() {
		return Fatal
	}
	if code, known := d.ExitCode(); known && code == 0 {
		return ok
	}
	return bad
}
