package encoder

import (
	"fmt"
	"io"
	"sync"

	"glasscoder/internal/connector"
)

// StatusWriter prints one machine-readable "CS <code>" line per connector
// state change, for supervisors that parse stderr.
type StatusWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewStatusWriter(w io.Writer) *StatusWriter {
	return &StatusWriter{w: w}
}

// Observe reports every state change of c.
func (s *StatusWriter) Observe(c connector.Connector) {
	c.OnState(s.Write)
}

// Write prints the line for st. States without a status code are skipped.
func (s *StatusWriter) Write(st connector.State) {
	code := st.StatusCode()
	if code < 0 {
		return
	}
	s.mu.Lock()
	fmt.Fprintf(s.w, "CS %d\n", code)
	s.mu.Unlock()
}
