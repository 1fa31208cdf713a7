package detector

// Detector is a strategy that determines if the database server is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// First returns the description of the first detector reporting alive, or
// "" when none does. Detector errors count as not alive.
func First(dets ...Detector) string {
	for _, d := range dets {
		if ok, _ := d.Alive(); ok {
			return d.Describe()
		}
	}
	return ""
}
