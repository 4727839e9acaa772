package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPayload is returned when the payload is not valid JSON.
var ErrInvalidPayload = errors.New("worker: invalid payload")

// ProjectSpec names one project and the file it is published as.
type ProjectSpec struct {
	Filename  string `json:"filename"`
	ProjectID string `json:"project_id"`
}

// Payload is the job description delivered through the `payload` environment
// variable (the client_payload of a repository_dispatch event).
type Payload struct {
	Email       string        `json:"email,omitempty"`
	Password    string        `json:"password,omitempty"`
	IsEncrypted bool          `json:"is_encrypted,omitempty"`
	Projects    []ProjectSpec `json:"projects,omitempty"`
	// Filename and ProjectID describe a single project when Projects is empty.
	Filename  string `json:"filename,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	// AuthJSONBase64 seeds the session state file before the browser starts.
	AuthJSONBase64 string `json:"auth_json_base64,omitempty"`
}

// ParsePayload decodes raw. An empty string is an empty payload.
func ParsePayload(raw string) (*Payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "{}"
	}
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &p, nil
}

// Jobs returns the projects to process. Entries without a filename or a
// project id are dropped.
func (p *Payload) Jobs() []ProjectSpec {
	specs := p.Projects
	if len(specs) == 0 && p.Filename != "" && p.ProjectID != "" {
		specs = []ProjectSpec{{Filename: p.Filename, ProjectID: p.ProjectID}}
	}
	out := make([]ProjectSpec, 0, len(specs))
	for _, s := range specs {
		if s.Filename != "" && s.ProjectID != "" {
			out = append(out, s)
		}
	}
	return out
}

// Keys lists the top-level fields that are set, for logging without secrets.
func (p *Payload) Keys() []string {
	var keys []string
	add := func(set bool, name string) {
		if set {
			keys = append(keys, name)
		}
	}
	add(p.Email != "", "email")
	add(p.Password != "", "password")
	add(p.IsEncrypted, "is_encrypted")
	add(len(p.Projects) > 0, "projects")
	add(p.Filename != "", "filename")
	add(p.ProjectID != "", "project_id")
	add(p.AuthJSONBase64 != "", "auth_json_base64")
	return keys
}
