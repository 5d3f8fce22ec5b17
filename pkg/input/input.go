package input

import "sync"

// Controller holds the text the user is composing.
type Controller struct {
	lck  sync.RWMutex
	text string
}

func New() *Controller {
	return &Controller{}
}

// SetText replaces the current text. No validation is applied, the remote
// service decides what is valid.
func (c *Controller) SetText(value string) {
	c.lck.Lock()
	defer c.lck.Unlock()
	c.text = value
}

func (c *Controller) Text() string {
	c.lck.RLock()
	defer c.lck.RUnlock()
	return c.text
}
