package module

// HoldLock takes the catalog's write lock until the returned func is called.
func HoldLock(c *Catalog) (release func(), err error) {
	if err := c.lock.Lock(); err != nil {
		return nil, err
	}
	return c.lock.Unlock, nil
}
