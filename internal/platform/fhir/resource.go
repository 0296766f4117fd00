package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Resource is the envelope every FHIR resource shares. The pipeline treats
// resource bodies as opaque; only the envelope drives orchestration.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
}

// MeasureReportType is the resource type that signals a patient's measure
// evaluation is complete.
const MeasureReportType = "MeasureReport"

// ParseResource decodes just the envelope of a raw FHIR resource. The body
// stays opaque. An empty resourceType is an error: such a payload can never
// be routed.
func ParseResource(raw []byte) (*Resource, error) {
	var r Resource
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("parse resource: %w", err)
	}
	if r.ResourceType == "" {
		return nil, fmt.Errorf("resource has no resourceType")
	}
	return &r, nil
}

// FormatReference renders a "Type/id" local reference.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}

// ReferenceID returns the id segment of a "Type/id" reference. Bare ids
// pass through unchanged.
func ReferenceID(ref string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}
