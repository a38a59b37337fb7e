package handlers

import (
	"encoding/json"
	"net/http"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
)

// BuildInfo describes the running binary. It is set by main and passed to the
// server; zero fields are reported as "unknown".
type BuildInfo struct {
	Name      string `json:"name" yaml:"name"`
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"git_commit" yaml:"git_commit"`
	BuildDate string `json:"build_date" yaml:"build_date"`
}

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	App       BuildInfo         `json:"app"`
	GoVersion string            `json:"go_version"`
	Platform  string            `json:"platform"`
	Libraries map[string]string `json:"libraries"`
	Admission AdmissionInfo     `json:"admission"`
}

// AdmissionInfo reports the counter layout clients are subject to.
type AdmissionInfo struct {
	CounterBackend string `json:"counter_backend,omitempty"`
	QuotaMode      string `json:"quota_mode,omitempty"`
}

// VersionHandler reports build metadata and the admission configuration.
type VersionHandler struct {
	Build     BuildInfo
	Admission AdmissionInfo
}

func (h VersionHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	build := h.Build
	for _, field := range []*string{&build.Name, &build.Version, &build.Commit, &build.BuildDate} {
		if *field == "" {
			*field = "unknown"
		}
	}

	libs := crucible.GetVersion()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(VersionResponse{
		App:       build,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Libraries: map[string]string{
			"gofulmen": libs.Gofulmen,
			"crucible": libs.Crucible,
		},
		Admission: h.Admission,
	})
}
