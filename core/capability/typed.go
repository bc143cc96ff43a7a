package capability

import "fmt"

// Provide registers instance under TypeOf[T].
func Provide[T any](c *Catalog, owner Owner, instance T, props Properties) (*Registration, error) {
	return c.Register(owner, TypeOf[T](), instance, props)
}

// Lookup returns the best instance of T matching filter.
func Lookup[T any](c *Catalog, filter Filter) (T, error) {
	var zero T
	reg, err := c.Find(TypeOf[T](), filter)
	if err != nil {
		return zero, err
	}
	v, ok := reg.instance.(T)
	if !ok {
		return zero, fmt.Errorf("capability %s: instance is %T", reg.typ, reg.instance)
	}
	return v, nil
}

// LookupAll returns every instance of T matching filter in rank order. Instances that
// do not implement T are skipped.
func LookupAll[T any](c *Catalog, filter Filter) ([]T, error) {
	regs, err := c.FindAll(TypeOf[T](), filter)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(regs))
	for _, reg := range regs {
		if v, ok := reg.instance.(T); ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// Track creates a tracker for TypeOf[T].
func Track[T any](c *Catalog, owner Owner, filter Filter, opts ...TrackerOption) *Tracker {
	return NewTracker(c, owner, TypeOf[T](), filter, opts...)
}
