package types

// Codemap is the finished artifact for one query: a set of narrative
// execution traces plus one global diagram.
type Codemap struct {
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Traces      []Trace `json:"traces"`
	Diagram     string  `json:"diagram,omitempty"`
}

// Trace is one narrative execution path through the codebase. Locations are
// assigned once by the structure stage and never mutated afterwards.
type Trace struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Locations   []Location `json:"locations"`
	Diagram     string     `json:"diagram,omitempty"`
	Guide       string     `json:"guide,omitempty"`
}

// Location is a single file+line reference with explanatory text.
type Location struct {
	ID          string `json:"id"`
	File        string `json:"file"`
	Line        int    `json:"line"`
	Snippet     string `json:"snippet,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// TraceByID returns the trace with the given id, or nil.
func (c *Codemap) TraceByID(id string) *Trace {
	if c == nil {
		return nil
	}
	for i := range c.Traces {
		if c.Traces[i].ID == id {
			return &c.Traces[i]
		}
	}
	return nil
}
