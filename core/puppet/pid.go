package puppet

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Pid names exactly one puppet instance for its whole lifetime. It is a plain
// comparable value and is used as map key by registries.
type Pid struct {
	ID   string
	Name string
}

func newPid(name string) Pid {
	return Pid{ID: gonanoid.Must(12), Name: name}
}

func (p Pid) IsZero() bool { return p.ID == "" }

func (p Pid) String() string {
	if p.Name == "" {
		return p.ID
	}
	return p.Name + "#" + p.ID
}
