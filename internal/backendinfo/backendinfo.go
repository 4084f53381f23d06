// Package backendinfo describes the capabilities and endpoint layout this
// process advertises at GET /backend, computed once at startup from the
// resolved CLI configuration.
package backendinfo

// Info is the capabilities document served at GET /backend.
type Info struct {
	Mode      string            `json:"mode"`
	Prefix    string            `json:"prefix"`
	Endpoints map[string]string `json:"endpoints"`
}

// New builds the Info advertised for the given mode and route prefix. The
// endpoint map names every resource collection relative to prefix, so a
// client can discover routes without hardcoding them.
func New(mode, prefix string) Info {
	return Info{
		Mode:   mode,
		Prefix: prefix,
		Endpoints: map[string]string{
			"sessions": prefix + "/sessions",
			"users":    prefix + "/users/me",
			"files":    prefix + "/files",
			"shared":   prefix + "/shared",
			"history":  prefix + "/history",
			"backend":  prefix + "/backend",
			"metrics":  "/metrics",
		},
	}
}
