package models

// Frame is one physics frame as seen by extractors. Objects holds the frame's own
// objects together with those mixed in from preceding non-physics frames.
// Extractors must treat a Frame as read-only.
type Frame struct {
	// File is the path of the input file the frame was read from
	File string
	// Index is the position of the frame among the physics frames of File
	Index int
	// Stop is the frame's stream stop ("P" for physics)
	Stop string
	// Objects maps object keys to normalized values
	Objects map[string]interface{}
}

// Get returns the object stored under key.
func (f *Frame) Get(key string) (interface{}, bool) {
	if f == nil || f.Objects == nil {
		return nil, false
	}
	v, ok := f.Objects[key]
	return v, ok
}

// GetMap returns the object under key when it is a nested map.
func (f *Frame) GetMap(key string) (map[string]interface{}, bool) {
	v, ok := f.Get(key)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]interface{})
	return m, ok
}

// InputFile is one discovered input path.
type InputFile struct {
	Path string `json:"path"`
	// Key is the batch key extracted by a pattern policy, empty otherwise
	Key string `json:"key,omitempty"`
}

// Batch is an ordered group of input files converted by one worker into one
// partial artifact. Index is the batch's position in the plan.
type Batch struct {
	Index int         `json:"index"`
	Name  string      `json:"name"`
	Files []InputFile `json:"files"`
}

// Paths returns the file paths of the batch in order.
func (b *Batch) Paths() []string {
	paths := make([]string, len(b.Files))
	for i, f := range b.Files {
		paths[i] = f.Path
	}
	return paths
}
