package host

import "context"

// Registration ties the scope to its versions. At most one version sits in
// each of the installing, waiting and active slots.
type Registration struct {
	h *Host

	// guarded by h.mu
	installing *Version
	waiting    *Version
	active     *Version

	updateFound listeners[func()]
}

// Installing returns the version currently installing, or nil.
func (r *Registration) Installing() *Version {
	r.h.mu.Lock()
	defer r.h.mu.Unlock()
	return r.installing
}

// Waiting returns the installed version waiting to activate, or nil.
func (r *Registration) Waiting() *Version {
	r.h.mu.Lock()
	defer r.h.mu.Unlock()
	return r.waiting
}

// Active returns the activating or activated version, or nil.
func (r *Registration) Active() *Version {
	r.h.mu.Lock()
	defer r.h.mu.Unlock()
	return r.active
}

// OnUpdateFound registers fn for every new version that starts installing.
// By the time fn runs, Installing returns that version.
func (r *Registration) OnUpdateFound(fn func()) (remove func()) {
	return r.updateFound.add(fn)
}

// Update loads the deployed script and installs it when its token differs
// from the newest known version. It returns once the install finished, and
// activation too when nothing holds the new version back.
func (r *Registration) Update(ctx context.Context) error {
	h := r.h
	if h.source == nil {
		return ErrUnsupported
	}
	return h.runJob(func(j *job) error {
		script, err := h.source.Load(ctx)
		if err != nil {
			return err
		}
		return h.install(j, script)
	})
}

func (r *Registration) newestLocked() *Version {
	switch {
	case r.installing != nil:
		return r.installing
	case r.waiting != nil:
		return r.waiting
	default:
		return r.active
	}
}
