package apple

// FailedHandles returns the number of failed transactions remembered for
// redelivery checks.
func (c *Coordinator) FailedHandles() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.failed)
}
