// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

package chatmodel

import (
	"encoding/json"
	"fmt"
)

// ReferenceKind discriminates the two wire shapes an attachment reference
// can arrive in.
type ReferenceKind string

const (
	// RefURL is the legacy shape: a bare URL string.
	RefURL ReferenceKind = "url"
	// RefObject is the current shape: an object carrying the URL plus the
	// object-storage path it was uploaded to.
	RefObject ReferenceKind = "object"
)

// Reference is an attachment pointer: remote URL plus optional storage
// path. Rows written by older clients encode it as a bare string; newer
// rows as an object. The shape is resolved once here, at the store
// boundary, so the rest of the code only ever sees the struct.
type Reference struct {
	Kind        ReferenceKind `json:"-"`
	URL         string        `json:"url"`
	StoragePath string        `json:"storage_path,omitempty"`
}

type referenceObject struct {
	URL         string `json:"url"`
	StoragePath string `json:"storage_path,omitempty"`
	// Older rows used "path" for the storage path.
	Path string `json:"path,omitempty"`
}

// UnmarshalJSON accepts both a bare URL string and the object form.
func (r *Reference) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty reference payload")
	}
	if data[0] == '"' {
		var url string
		if err := json.Unmarshal(data, &url); err != nil {
			return fmt.Errorf("failed to decode url reference: %w", err)
		}
		*r = Reference{Kind: RefURL, URL: url}
		return nil
	}
	var obj referenceObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("failed to decode object reference: %w", err)
	}
	path := obj.StoragePath
	if path == "" {
		path = obj.Path
	}
	*r = Reference{Kind: RefObject, URL: obj.URL, StoragePath: path}
	return nil
}

// MarshalJSON preserves the originating shape so re-uploads do not churn
// rows written by older clients.
func (r Reference) MarshalJSON() ([]byte, error) {
	if r.Kind == RefURL && r.StoragePath == "" {
		return json.Marshal(r.URL)
	}
	return json.Marshal(referenceObject{URL: r.URL, StoragePath: r.StoragePath})
}
